// Package host implements the pty host: the long-lived process that owns
// terminal processes so they survive workbench disconnects and server
// restarts.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/db"
	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/heartbeat"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/requeststore"
	"github.com/peterje/ptyhost/internal/variables"
)

var ErrProcessNotFound = errors.New("process not found")

// LayoutStore persists workspace layouts.
type LayoutStore interface {
	SetLayout(ctx context.Context, workspaceID string, tabs []protocol.RawTerminalTabLayout, background []int) error
	Layout(ctx context.Context, workspaceID string) (*db.Layout, error)
}

// ResolveFunc resolves variables in texts with the help of a workbench.
type ResolveFunc func(ctx context.Context, workspaceID string, texts []string) ([]string, error)

// Options configures a Service.
type Options struct {
	GraceTime             time.Duration
	ShortGraceTime        time.Duration
	OrphanQuestionTimeout time.Duration
	ReplaySize            int

	Spawner  Spawner
	Clock    heartbeat.Clock
	Layouts  LayoutStore
	Resolve  ResolveFunc
	Commands CommandRunner
	Logger   *zap.Logger
}

// DefaultOptions returns the stock timings with real processes.
func DefaultOptions() Options {
	return Options{
		GraceTime:             60 * time.Second,
		ShortGraceTime:        6 * time.Second,
		OrphanQuestionTimeout: 4 * time.Second,
		ReplaySize:            defaultReplaySize,
		Spawner:               PtySpawner{},
		Clock:                 heartbeat.RealClock,
		Commands:              execRunner{},
	}
}

type revivedKey struct {
	workspaceID string
	oldID       int
}

// Service owns the terminals of one pty host.
type Service struct {
	opts  Options
	log   *zap.Logger
	table map[protocol.HostMethod]hostCall

	mu             sync.Mutex
	terminals      map[int]*terminal
	lastID         int
	graceReduced   bool
	ignoreNames    map[string]bool
	autoReplyRules [][2]string
	revived        map[revivedKey]int
	marks          []protocol.PerformanceMark

	detachRequests *requeststore.Store[protocol.RequestDetachInstanceArgs, *protocol.ProcessDetails]

	onProcessData           event.Emitter[protocol.ProcessDataEvent]
	onProcessExit           event.Emitter[protocol.ProcessExitEvent]
	onProcessReady          event.Emitter[protocol.ProcessReadyEvent]
	onProcessReplay         event.Emitter[protocol.ProcessReplayEvent]
	onProcessOrphanQuestion event.Emitter[protocol.OrphanQuestionEvent]
	onDidRequestDetach      event.Emitter[protocol.DetachRequestEvent]
	onDidChangeProperty     event.Emitter[protocol.PropertyChangeEvent]
}

// New creates a Service. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Service {
	def := DefaultOptions()
	if opts.GraceTime == 0 {
		opts.GraceTime = def.GraceTime
	}
	if opts.ShortGraceTime == 0 {
		opts.ShortGraceTime = def.ShortGraceTime
	}
	if opts.OrphanQuestionTimeout == 0 {
		opts.OrphanQuestionTimeout = def.OrphanQuestionTimeout
	}
	if opts.ReplaySize == 0 {
		opts.ReplaySize = def.ReplaySize
	}
	if opts.Spawner == nil {
		opts.Spawner = def.Spawner
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Commands == nil {
		opts.Commands = def.Commands
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		opts:        opts,
		log:         log,
		terminals:   make(map[int]*terminal),
		ignoreNames: make(map[string]bool),
		revived:     make(map[revivedKey]int),
	}
	s.detachRequests = requeststore.New[protocol.RequestDetachInstanceArgs, *protocol.ProcessDetails](log)
	s.detachRequests.OnCreateRequest(func(r requeststore.Request[protocol.RequestDetachInstanceArgs]) {
		s.onDidRequestDetach.Fire(protocol.DetachRequestEvent{
			RequestID:   r.RequestID,
			WorkspaceID: r.Payload.WorkspaceID,
			InstanceID:  r.Payload.InstanceID,
		})
	})
	s.table = s.handlers()
	s.mark("ptyhost/start")
	return s
}

func (s *Service) OnProcessData(fn func(protocol.ProcessDataEvent)) func() {
	return s.onProcessData.Subscribe(fn)
}
func (s *Service) OnProcessExit(fn func(protocol.ProcessExitEvent)) func() {
	return s.onProcessExit.Subscribe(fn)
}
func (s *Service) OnProcessReady(fn func(protocol.ProcessReadyEvent)) func() {
	return s.onProcessReady.Subscribe(fn)
}
func (s *Service) OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func() {
	return s.onProcessReplay.Subscribe(fn)
}
func (s *Service) OnProcessOrphanQuestion(fn func(protocol.OrphanQuestionEvent)) func() {
	return s.onProcessOrphanQuestion.Subscribe(fn)
}
func (s *Service) OnDidRequestDetach(fn func(protocol.DetachRequestEvent)) func() {
	return s.onDidRequestDetach.Subscribe(fn)
}
func (s *Service) OnDidChangeProperty(fn func(protocol.PropertyChangeEvent)) func() {
	return s.onDidChangeProperty.Subscribe(fn)
}

func (s *Service) mark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, protocol.PerformanceMark{
		Name:      name,
		StartTime: float64(time.Now().UnixNano()) / float64(time.Millisecond),
	})
}

func (s *Service) terminal(id int) (*terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[id]
	if !ok {
		return nil, fmt.Errorf("could not find pty %d on pty host: %w", id, ErrProcessNotFound)
	}
	return t, nil
}

func (s *Service) removeTerminal(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.terminals, id)
}

func (s *Service) snapshot() []*terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Service) ignoredProcessNames() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignoreNames
}

// CreateProcess registers a terminal. The child is spawned by Start.
func (s *Service) CreateProcess(ctx context.Context, args protocol.HostCreateProcessArgs) (int, error) {
	s.mu.Lock()
	s.lastID++
	id := s.lastID
	first := id == 1
	rules := append([][2]string(nil), s.autoReplyRules...)
	t := newTerminal(s, id, args)
	s.terminals[id] = t
	s.mu.Unlock()

	for _, r := range rules {
		t.replies.install(r[0], r[1])
	}
	if first {
		s.mark("ptyhost/firstProcessCreated")
	}
	s.log.Info("process created", zap.Int("id", id), zap.String("workspace", args.WorkspaceID), zap.Bool("persist", args.ShouldPersist))
	return id, nil
}

func (s *Service) Start(ctx context.Context, id int) (*protocol.LaunchError, error) {
	t, err := s.terminal(id)
	if err != nil {
		return nil, err
	}
	return t.start(), nil
}

func (s *Service) Input(ctx context.Context, id int, data string) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	return t.input(data)
}

func (s *Service) ProcessBinary(ctx context.Context, id int, data string) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	return t.writeBinary(data)
}

func (s *Service) SendSignal(ctx context.Context, id int, signal string) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	return t.signal(signal)
}

func (s *Service) Resize(ctx context.Context, id, cols, rows int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	return t.resize(cols, rows)
}

func (s *Service) ClearBuffer(ctx context.Context, id int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.replay.clear()
	return nil
}

func (s *Service) Shutdown(ctx context.Context, id int, immediate bool) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.shutdown(immediate)
	return nil
}

// ShutdownAll stops every terminal.
func (s *Service) ShutdownAll(ctx context.Context) error {
	for _, t := range s.snapshot() {
		t.shutdown(true)
	}
	return nil
}

func (s *Service) AcknowledgeDataEvent(ctx context.Context, id, charCount int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.acknowledge(charCount)
	return nil
}

func (s *Service) SetUnicodeVersion(ctx context.Context, id int, version string) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.unicode = version
	t.mu.Unlock()
	return nil
}

// AttachToProcess claims a terminal for a client and replays its output.
func (s *Service) AttachToProcess(ctx context.Context, id int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	replay := t.attach()
	s.log.Info("attached to process", zap.Int("id", id))
	s.onProcessReplay.Fire(protocol.ProcessReplayEvent{ID: id, Event: replay})
	return nil
}

func (s *Service) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.detach(forcePersist, s.graceTime())
	s.log.Info("detached from process", zap.Int("id", id), zap.Bool("forcePersist", forcePersist))
	return nil
}

func (s *Service) graceTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceReduced {
		return s.opts.ShortGraceTime
	}
	return s.opts.GraceTime
}

// ReduceConnectionGraceTime switches to the short grace time, also for
// terminals already waiting on the long one.
func (s *Service) ReduceConnectionGraceTime(ctx context.Context) error {
	s.mu.Lock()
	s.graceReduced = true
	s.mu.Unlock()
	for _, t := range s.snapshot() {
		t.reduceGrace(s.opts.ShortGraceTime)
	}
	return nil
}

// ListProcesses returns the persistent terminals no client claims.
func (s *Service) ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error) {
	var persistent []*terminal
	for _, t := range s.snapshot() {
		if t.shouldPersist() {
			persistent = append(persistent, t)
		}
	}

	orphans := make([]bool, len(persistent))
	var wg sync.WaitGroup
	for i, t := range persistent {
		wg.Add(1)
		go func(i int, t *terminal) {
			defer wg.Done()
			orphans[i] = t.isOrphaned()
		}(i, t)
	}
	wg.Wait()

	out := []protocol.ProcessDetails{}
	for i, t := range persistent {
		if orphans[i] {
			out = append(out, t.details(true))
		}
	}
	return out, nil
}

func (s *Service) OrphanQuestionReply(ctx context.Context, id int) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.answerOrphan(true)
	return nil
}

// RequestDetachInstance asks the window owning instanceID to let go of
// it and waits for the process it hands over.
func (s *Service) RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (*protocol.ProcessDetails, error) {
	return s.detachRequests.CreateRequest(ctx, protocol.RequestDetachInstanceArgs{
		WorkspaceID: workspaceID,
		InstanceID:  instanceID,
	})
}

func (s *Service) AcceptDetachInstanceReply(ctx context.Context, requestID int, persistentProcessID *int) error {
	if persistentProcessID == nil {
		s.log.Warn("cannot detach a terminal without a persistent process id", zap.Int("requestId", requestID))
		s.detachRequests.AcceptReply(requestID, nil)
		return nil
	}
	t, err := s.terminal(*persistentProcessID)
	if err != nil {
		s.detachRequests.AcceptReply(requestID, nil)
		return err
	}
	d := t.details(false)
	s.detachRequests.AcceptReply(requestID, &d)
	return nil
}

func (s *Service) GetInitialCwd(ctx context.Context, id int) (string, error) {
	t, err := s.terminal(id)
	if err != nil {
		return "", err
	}
	return t.getInitialCwd(), nil
}

func (s *Service) GetCwd(ctx context.Context, id int) (string, error) {
	t, err := s.terminal(id)
	if err != nil {
		return "", err
	}
	return t.cwd(), nil
}

func (s *Service) GetLatency(ctx context.Context) ([]protocol.LatencyMeasurement, error) {
	return []protocol.LatencyMeasurement{}, nil
}

func (s *Service) GetPerformanceMarks(ctx context.Context) ([]protocol.PerformanceMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PerformanceMark(nil), s.marks...), nil
}

func (s *Service) GetDefaultSystemShell(ctx context.Context) (string, error) {
	return s.defaultShell(), nil
}

func (s *Service) defaultShell() string {
	return DefaultShell()
}

func (s *Service) GetEnvironment(ctx context.Context) (map[string]string, error) {
	return variables.EnvFromOS(), nil
}

// GetWslPath has nothing to translate off Windows.
func (s *Service) GetWslPath(ctx context.Context, original, direction string) (string, error) {
	return original, nil
}

func (s *Service) SetTerminalLayoutInfo(ctx context.Context, args protocol.SetTerminalLayoutInfoArgs) error {
	if s.opts.Layouts == nil {
		return errors.New("no layout store")
	}
	return s.opts.Layouts.SetLayout(ctx, args.WorkspaceID, args.Tabs, args.Background)
}

// GetTerminalLayoutInfo expands the stored layout to live processes,
// following revived ids and dropping tabs whose processes are gone.
func (s *Service) GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*protocol.TerminalsLayoutInfo, error) {
	if s.opts.Layouts == nil {
		return nil, nil
	}
	layout, err := s.opts.Layouts.Layout(ctx, workspaceID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Resolve every referenced terminal first so the orphan questions can
	// be asked concurrently.
	done := make(map[int]bool)
	var found []*expansion
	lookup := func(id int) *expansion {
		e := s.expansionFor(workspaceID, id, done)
		if e != nil {
			found = append(found, e)
		}
		return e
	}
	type tabRefs struct {
		tab   protocol.RawTerminalTabLayout
		insts []*expansion
	}
	tabs := make([]tabRefs, len(layout.Tabs))
	for i, tab := range layout.Tabs {
		tabs[i].tab = tab
		for _, inst := range tab.Terminals {
			tabs[i].insts = append(tabs[i].insts, lookup(inst.Terminal))
		}
	}
	background := make([]*expansion, 0, len(layout.Background))
	for _, id := range layout.Background {
		background = append(background, lookup(id))
	}

	var wg sync.WaitGroup
	for _, e := range found {
		wg.Add(1)
		go func(e *expansion) {
			defer wg.Done()
			orphan := e.wasRevived || e.t.isOrphaned()
			d := e.t.details(orphan)
			e.details = &d
		}(e)
	}
	wg.Wait()

	out := &protocol.TerminalsLayoutInfo{Tabs: []protocol.TerminalTabLayout{}}
	for _, tr := range tabs {
		expanded := protocol.TerminalTabLayout{
			IsActive:                  tr.tab.IsActive,
			ActivePersistentProcessID: tr.tab.ActivePersistentProcessID,
			Terminals:                 []protocol.TerminalInstanceLayout{},
		}
		for i, e := range tr.insts {
			if e == nil {
				continue
			}
			expanded.Terminals = append(expanded.Terminals, protocol.TerminalInstanceLayout{
				RelativeSize: tr.tab.Terminals[i].RelativeSize,
				Terminal:     e.details,
			})
		}
		if len(expanded.Terminals) > 0 {
			out.Tabs = append(out.Tabs, expanded)
		}
	}
	for _, e := range background {
		if e != nil {
			out.Background = append(out.Background, e.details)
		}
	}
	return out, nil
}

type expansion struct {
	t          *terminal
	wasRevived bool
	details    *protocol.ProcessDetails
}

func (s *Service) expansionFor(workspaceID string, id int, done map[int]bool) *expansion {
	s.mu.Lock()
	newID, wasRevived := s.revived[revivedKey{workspaceID, id}]
	s.mu.Unlock()
	if wasRevived {
		id = newID
	}
	if done[id] {
		s.log.Warn("terminal already expanded", zap.Int("id", id))
		return nil
	}
	done[id] = true

	t, err := s.terminal(id)
	if err != nil {
		return nil
	}
	return &expansion{t: t, wasRevived: wasRevived}
}

func (s *Service) UpdateTitle(ctx context.Context, id int, title, titleSource string) error {
	t, err := s.terminal(id)
	if err != nil {
		return err
	}
	t.setTitle(title, titleSource)
	return nil
}

func (s *Service) UpdateIcon(ctx context.Context, args protocol.UpdateIconArgs) error {
	t, err := s.terminal(args.ID)
	if err != nil {
		return err
	}
	t.setIcon(args.Icon, args.Color)
	return nil
}

func (s *Service) RefreshProperty(ctx context.Context, id int, property protocol.PropertyType) (json.RawMessage, error) {
	t, err := s.terminal(id)
	if err != nil {
		return nil, err
	}
	v, err := t.property(property)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (s *Service) UpdateProperty(ctx context.Context, args protocol.UpdatePropertyArgs) error {
	t, err := s.terminal(args.ID)
	if err != nil {
		return err
	}
	return t.setProperty(args.Property, args.Value)
}

// SerializeTerminalState captures the given terminals for revival in a
// later pty host.
func (s *Service) SerializeTerminalState(ctx context.Context, ids []int) (string, error) {
	state := protocol.SerializedTerminalState{
		Version: protocol.SerializedStateVersion,
		State:   []protocol.SerializedProcess{},
	}
	for _, id := range ids {
		t, err := s.terminal(id)
		if err != nil {
			s.log.Warn("skipping unknown terminal in serialization", zap.Int("id", id))
			continue
		}
		state.State = append(state.State, t.serialize())
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode terminal state: %w", err)
	}
	return string(raw), nil
}

// ReviveTerminalProcesses recreates serialized terminals with fresh ids,
// seeding each with its previous output.
func (s *Service) ReviveTerminalProcesses(ctx context.Context, args protocol.ReviveTerminalProcessesArgs) error {
	for _, st := range args.State {
		if err := s.revive(ctx, args.WorkspaceID, st); err != nil {
			s.log.Error("failed to revive terminal", zap.Int("id", st.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) revive(ctx context.Context, workspaceID string, st protocol.SerializedProcess) error {
	slc := st.ShellLaunchConfig
	slc.Cwd = st.ProcessDetails.Cwd
	slc.Icon = st.ProcessDetails.Icon
	slc.Color = st.ProcessDetails.Color
	slc.Name = ""
	if st.ProcessDetails.TitleSource == TitleSourceAPI {
		slc.Name = st.ProcessDetails.Title
	}
	slc.InitialText = ""

	cols, rows := 80, 24
	if n := len(st.ReplayEvent.Events); n > 0 {
		cols, rows = st.ReplayEvent.Events[n-1].Cols, st.ReplayEvent.Events[n-1].Rows
	}

	id, err := s.CreateProcess(ctx, protocol.HostCreateProcessArgs{
		ShellLaunchConfig: slc,
		Cwd:               st.ProcessDetails.Cwd,
		Cols:              cols,
		Rows:              rows,
		UnicodeVersion:    st.UnicodeVersion,
		Env:               st.ProcessLaunchConfig.Env,
		ExecutableEnv:     st.ProcessLaunchConfig.ExecutableEnv,
		Options:           st.ProcessLaunchConfig.Options,
		ShouldPersist:     true,
		WorkspaceID:       workspaceID,
		WorkspaceName:     st.ProcessDetails.WorkspaceName,
	})
	if err != nil {
		return err
	}
	t, err := s.terminal(id)
	if err != nil {
		return err
	}

	restored := append([]protocol.ReplayEntry(nil), st.ReplayEvent.Events...)
	restored = append(restored, protocol.ReplayEntry{Cols: cols, Rows: rows, Data: restoreBanner(st.Timestamp)})
	t.replay.seed(restored)
	t.mu.Lock()
	t.interaction = interactionReplayOnly
	t.mu.Unlock()

	s.mu.Lock()
	s.revived[revivedKey{workspaceID, st.ID}] = id
	s.mu.Unlock()
	s.log.Info("revived terminal", zap.Int("oldId", st.ID), zap.Int("newId", id))

	if le := t.start(); le != nil {
		return le
	}
	return nil
}

func restoreBanner(timestamp int64) string {
	msg := "History restored"
	if timestamp > 0 {
		msg = "Session contents restored from " + time.UnixMilli(timestamp).Format("2006-01-02 at 15:04:05")
	}
	return "\r\n\x1b[0m\x1b[7m * \x1b[0;103m " + msg + " \x1b[0m\r\n\r\n"
}

// GetRevivedPtyNewID maps an id from a serialized state to the id of the
// revived terminal, or nil if it was not revived.
func (s *Service) GetRevivedPtyNewID(ctx context.Context, workspaceID string, oldID int) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.revived[revivedKey{workspaceID, oldID}]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// InstallAutoReply answers match with reply in every terminal, including
// ones created later.
func (s *Service) InstallAutoReply(ctx context.Context, match, reply string) error {
	s.mu.Lock()
	s.autoReplyRules = append(s.autoReplyRules, [2]string{match, reply})
	s.mu.Unlock()
	for _, t := range s.snapshot() {
		t.replies.install(match, reply)
	}
	return nil
}

func (s *Service) UninstallAllAutoReplies(ctx context.Context) error {
	s.mu.Lock()
	s.autoReplyRules = nil
	s.mu.Unlock()
	for _, t := range s.snapshot() {
		t.replies.reset()
	}
	return nil
}

func (s *Service) SetIgnoreProcessNames(ctx context.Context, names []string) error {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.TrimSpace(n)] = true
	}
	s.mu.Lock()
	s.ignoreNames = set
	s.mu.Unlock()
	return nil
}

// Close stops every terminal and waits briefly for them to exit.
func (s *Service) Close() {
	terms := s.snapshot()
	for _, t := range terms {
		t.shutdown(true)
	}
	deadline := time.After(2 * time.Second)
	for _, t := range terms {
		select {
		case <-t.done:
		case <-deadline:
			return
		}
	}
}

// DefaultShell is $SHELL, falling back to /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
