package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/heartbeat"
	"github.com/peterje/ptyhost/internal/protocol"
)

// Flow control watermarks, in unacknowledged characters.
const (
	HighWatermarkChars = 100000
	LowWatermarkChars  = 5000
)

const (
	TitleSourceAPI     = "api"
	TitleSourceProcess = "process"
)

type interactionState int

const (
	interactionNone interactionState = iota
	interactionReplayOnly
	interactionSession
)

type orphanQuestion struct {
	done    chan struct{}
	replied bool
	timer   heartbeat.Timer
}

// terminal is one persistent process owned by the host. It exists from
// createProcess until the child exits or is shut down.
type terminal struct {
	id      int
	s       *Service
	log     *zap.Logger
	launch  protocol.HostCreateProcessArgs
	replay  *replayBuffer
	replies autoReplies
	done    chan struct{}

	mu          sync.Mutex
	flow        *sync.Cond
	proc        Process
	pid         int
	starting    bool
	started     bool
	exited      bool
	initialCwd  string
	title       string
	titleSource string
	icon        string
	color       string
	fixedDims   *protocol.Dimensions
	cols, rows  int
	unicode     string
	properties  map[protocol.PropertyType]json.RawMessage
	interaction interactionState
	detached    bool
	graceTimer  heartbeat.Timer
	graceGen    uint64
	graceShort  bool
	orphan      *orphanQuestion
	unacked     int
	paused      bool
}

func newTerminal(s *Service, id int, launch protocol.HostCreateProcessArgs) *terminal {
	t := &terminal{
		id:          id,
		s:           s,
		log:         s.log.With(zap.Int("id", id)),
		launch:      launch,
		replay:      newReplayBuffer(s.opts.ReplaySize, launch.Cols, launch.Rows),
		done:        make(chan struct{}),
		initialCwd:  launch.Cwd,
		icon:        launch.ShellLaunchConfig.Icon,
		color:       launch.ShellLaunchConfig.Color,
		cols:        launch.Cols,
		rows:        launch.Rows,
		unicode:     launch.UnicodeVersion,
		properties:  make(map[protocol.PropertyType]json.RawMessage),
		titleSource: TitleSourceProcess,
	}
	t.flow = sync.NewCond(&t.mu)
	if name := launch.ShellLaunchConfig.Name; name != "" {
		t.title = name
		t.titleSource = TitleSourceAPI
	} else {
		t.title = filepath.Base(t.executable())
	}
	return t
}

func (t *terminal) executable() string {
	if exe := t.launch.ShellLaunchConfig.Executable; exe != "" {
		return exe
	}
	return t.s.defaultShell()
}

func (t *terminal) shouldPersist() bool {
	return t.launch.ShouldPersist && !t.launch.ShellLaunchConfig.IsFeatureTerminal
}

// start spawns the child. A nil return means it is running.
func (t *terminal) start() *protocol.LaunchError {
	t.mu.Lock()
	if t.starting || t.started || t.exited {
		t.mu.Unlock()
		return nil
	}
	t.starting = true
	t.mu.Unlock()

	proc, cwd, le := t.spawn()
	t.mu.Lock()
	t.starting = false
	if le != nil {
		t.mu.Unlock()
		return le
	}
	t.proc = proc
	t.pid = proc.Pid()
	t.started = true
	t.initialCwd = cwd
	t.mu.Unlock()

	t.log.Info("process started", zap.Int("pid", t.pid), zap.String("executable", t.executable()), zap.String("cwd", cwd))
	t.s.onProcessReady.Fire(protocol.ProcessReadyEvent{ID: t.id, Event: protocol.ProcessReady{Pid: t.pid, Cwd: cwd}})

	if text := t.launch.ShellLaunchConfig.InitialText; text != "" {
		t.handleOutput(text + "\r\n")
	}

	readDone := make(chan struct{})
	go t.readLoop(proc, readDone)
	go t.waitLoop(proc, readDone)
	return nil
}

func (t *terminal) spawn() (Process, string, *protocol.LaunchError) {
	cwd := t.launch.Cwd
	if cwd == "" {
		cwd, _ = os.UserHomeDir()
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return nil, "", &protocol.LaunchError{Message: fmt.Sprintf("Starting directory (cwd) %q does not exist", cwd)}
	}

	exe := t.executable()
	proc, err := t.s.opts.Spawner.Spawn(SpawnOptions{
		Executable: exe,
		Args:       t.launch.ShellLaunchConfig.Args,
		Cwd:        cwd,
		Env:        envList(t.launch.Env),
		Cols:       t.launch.Cols,
		Rows:       t.launch.Rows,
	})
	if err != nil {
		var le *protocol.LaunchError
		if errors.As(err, &le) {
			return nil, "", le
		}
		return nil, "", &protocol.LaunchError{Message: fmt.Sprintf("failed to launch %s: %v", exe, err)}
	}
	return proc, cwd, nil
}

// readLoop fans pty output out to the replay buffer, auto replies and
// listeners, pausing while the client is too far behind.
func (t *terminal) readLoop(proc Process, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			t.handleOutput(string(buf[:n]))
		}
		if err != nil {
			return
		}
		t.waitForFlow()
	}
}

func (t *terminal) waitLoop(proc Process, readDone chan struct{}) {
	code, err := proc.Wait()
	if err != nil {
		t.log.Warn("wait for process failed", zap.Error(err))
	}

	// Let trailing output drain before the terminal is closed under it.
	select {
	case <-readDone:
	case <-time.After(250 * time.Millisecond):
	}
	proc.Close()
	select {
	case <-readDone:
	case <-time.After(100 * time.Millisecond):
	}

	t.markExited()
	t.log.Info("process exited", zap.Int("code", code))
	t.s.removeTerminal(t.id)
	t.s.onProcessExit.Fire(protocol.ProcessExitEvent{ID: t.id, Event: &code})
}

func (t *terminal) markExited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return false
	}
	t.exited = true
	t.paused = false
	t.flow.Broadcast()
	t.stopGraceLocked()
	if q := t.orphan; q != nil {
		t.orphan = nil
		q.timer.Stop()
		close(q.done)
	}
	close(t.done)
	return true
}

func (t *terminal) handleOutput(data string) {
	if replies := t.replies.replies(data); len(replies) > 0 {
		t.mu.Lock()
		proc := t.proc
		t.mu.Unlock()
		if proc != nil {
			for _, r := range replies {
				proc.Write([]byte(r))
			}
		}
	}

	t.replay.append(data)

	t.mu.Lock()
	if !t.detached {
		t.unacked += utf8.RuneCountInString(data)
		if t.unacked > HighWatermarkChars {
			t.paused = true
		}
	}
	t.mu.Unlock()

	t.s.onProcessData.Fire(protocol.ProcessDataEvent{ID: t.id, Event: data})
}

func (t *terminal) waitForFlow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.exited {
		t.flow.Wait()
	}
}

func (t *terminal) acknowledge(charCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unacked -= charCount
	if t.unacked < 0 {
		t.unacked = 0
	}
	if t.paused && t.unacked < LowWatermarkChars {
		t.paused = false
		t.flow.Broadcast()
	}
}

func (t *terminal) clearUnacknowledgedLocked() {
	t.unacked = 0
	if t.paused {
		t.paused = false
		t.flow.Broadcast()
	}
}

func (t *terminal) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *terminal) running() (Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil || t.exited {
		return nil, fmt.Errorf("process %d is not running", t.id)
	}
	return t.proc, nil
}

func (t *terminal) input(data string) error {
	proc, err := t.running()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.interaction = interactionSession
	t.mu.Unlock()
	_, err = proc.Write([]byte(data))
	return err
}

// writeBinary writes data whose characters are single bytes.
func (t *terminal) writeBinary(data string) error {
	proc, err := t.running()
	if err != nil {
		return err
	}
	b := make([]byte, 0, len(data))
	for _, r := range data {
		b = append(b, byte(r))
	}
	_, err = proc.Write(b)
	return err
}

func (t *terminal) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	proc := t.proc
	t.mu.Unlock()

	t.replay.resize(cols, rows)
	if proc == nil {
		return nil
	}
	return proc.Resize(cols, rows)
}

func (t *terminal) signal(name string) error {
	sig, ok := signalsByName[strings.ToUpper(name)]
	if !ok {
		return fmt.Errorf("unknown signal %q", name)
	}
	proc, err := t.running()
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

var signalsByName = map[string]syscall.Signal{
	"SIGHUP":   syscall.SIGHUP,
	"SIGINT":   syscall.SIGINT,
	"SIGQUIT":  syscall.SIGQUIT,
	"SIGKILL":  syscall.SIGKILL,
	"SIGUSR1":  syscall.SIGUSR1,
	"SIGUSR2":  syscall.SIGUSR2,
	"SIGTERM":  syscall.SIGTERM,
	"SIGCONT":  syscall.SIGCONT,
	"SIGSTOP":  syscall.SIGSTOP,
	"SIGTSTP":  syscall.SIGTSTP,
	"SIGWINCH": syscall.SIGWINCH,
}

// shutdown stops the child. An unstarted terminal goes away at once.
func (t *terminal) shutdown(immediate bool) {
	t.mu.Lock()
	proc := t.proc
	started := t.started
	t.mu.Unlock()

	if !started {
		if t.markExited() {
			t.s.removeTerminal(t.id)
			t.s.onProcessExit.Fire(protocol.ProcessExitEvent{ID: t.id})
		}
		return
	}

	sig := syscall.SIGTERM
	if immediate {
		sig = syscall.SIGKILL
	}
	proc.Signal(sig)
	proc.Close()
}

func (t *terminal) attach() protocol.ReplayEvent {
	t.mu.Lock()
	if t.graceTimer == nil && t.detached {
		t.log.Debug("attached without a pending grace timer")
	}
	t.detached = false
	t.stopGraceLocked()
	t.clearUnacknowledgedLocked()
	t.mu.Unlock()

	t.answerOrphan(true)
	return t.replay.event()
}

// detach starts the grace period, or shuts the process down if nothing
// would be worth reconnecting to.
func (t *terminal) detach(forcePersist bool, grace time.Duration) {
	t.mu.Lock()
	keep := t.shouldPersist() && (t.interaction != interactionNone || forcePersist)
	if keep {
		t.detached = true
		t.clearUnacknowledgedLocked()
		t.scheduleGraceLocked(grace, false)
	}
	t.mu.Unlock()

	if !keep {
		t.log.Info("detached from a terminal that does not persist, shutting down")
		t.shutdown(true)
	}
}

func (t *terminal) scheduleGraceLocked(d time.Duration, short bool) {
	t.stopGraceLocked()
	t.graceGen++
	gen := t.graceGen
	t.graceShort = short
	t.graceTimer = t.s.opts.Clock.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.graceGen || t.graceTimer == nil {
			t.mu.Unlock()
			return
		}
		t.graceTimer = nil
		pid := t.pid
		t.mu.Unlock()
		t.log.Info("reconnection grace time expired, shutting down", zap.Duration("grace", d), zap.Int("pid", pid))
		t.shutdown(true)
	})
}

func (t *terminal) stopGraceLocked() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.graceGen++
}

// reduceGrace swaps a pending long grace period for the short one.
func (t *terminal) reduceGrace(short time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.graceTimer == nil || t.graceShort {
		return
	}
	t.scheduleGraceLocked(short, true)
}

func (t *terminal) graceScheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graceTimer != nil
}

// isOrphaned reports whether no client claims the process. A detached
// process is an orphan; otherwise clients are asked and given the orphan
// question timeout to answer.
func (t *terminal) isOrphaned() bool {
	t.mu.Lock()
	if t.graceTimer != nil {
		t.mu.Unlock()
		return true
	}
	if t.exited {
		t.mu.Unlock()
		return false
	}
	q := t.orphan
	ask := q == nil
	if ask {
		q = &orphanQuestion{done: make(chan struct{})}
		q.timer = t.s.opts.Clock.AfterFunc(t.s.opts.OrphanQuestionTimeout, func() { t.answerOrphanQuestion(q, false) })
		t.orphan = q
	}
	t.mu.Unlock()

	if ask {
		t.s.onProcessOrphanQuestion.Fire(protocol.OrphanQuestionEvent{ID: t.id})
	}
	<-q.done
	return !q.replied
}

func (t *terminal) answerOrphan(replied bool) {
	t.mu.Lock()
	q := t.orphan
	t.mu.Unlock()
	if q != nil {
		t.answerOrphanQuestion(q, replied)
	}
}

func (t *terminal) answerOrphanQuestion(q *orphanQuestion, replied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.orphan != q {
		return
	}
	t.orphan = nil
	q.replied = replied
	q.timer.Stop()
	close(q.done)
}

func (t *terminal) setTitle(title, source string) {
	t.mu.Lock()
	t.title = title
	t.titleSource = source
	if source == TitleSourceAPI {
		t.interaction = interactionSession
	}
	t.mu.Unlock()
	t.s.onDidChangeProperty.Fire(protocol.PropertyChangeEvent{
		ID:       t.id,
		Property: protocol.NewProperty(protocol.PropertyTitle, title),
	})
}

func (t *terminal) setIcon(icon, color string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.icon = icon
	if color != "" {
		t.color = color
	}
}

func (t *terminal) cwd() string {
	t.mu.Lock()
	pid, initial := t.pid, t.initialCwd
	t.mu.Unlock()
	if pid > 0 {
		if proc, err := procfs.NewProc(pid); err == nil {
			if dir, err := proc.Cwd(); err == nil {
				return dir
			}
		}
	}
	return initial
}

func (t *terminal) getInitialCwd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialCwd
}

// hasChildProcesses reports whether the shell runs anything other than
// the ignored helper processes.
func (t *terminal) hasChildProcesses() bool {
	t.mu.Lock()
	pid := t.pid
	t.mu.Unlock()
	if pid <= 0 {
		return false
	}
	procs, err := procfs.AllProcs()
	if err != nil {
		return false
	}
	ignore := t.s.ignoredProcessNames()
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil || stat.PPID != pid {
			continue
		}
		if !ignore[stat.Comm] {
			return true
		}
	}
	return false
}

func (t *terminal) property(p protocol.PropertyType) (any, error) {
	t.mu.Lock()
	if v, ok := t.properties[p]; ok {
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()

	switch p {
	case protocol.PropertyCwd:
		return t.cwd(), nil
	case protocol.PropertyInitialCwd:
		return t.getInitialCwd(), nil
	case protocol.PropertyTitle:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.title, nil
	case protocol.PropertyShellType:
		return filepath.Base(t.executable()), nil
	case protocol.PropertyHasChildProcesses:
		return t.hasChildProcesses(), nil
	case protocol.PropertyFixedDimensions:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.fixedDims, nil
	case protocol.PropertyResolvedShellLaunchConfig:
		slc := t.launch.ShellLaunchConfig
		slc.Executable = t.executable()
		slc.Cwd = t.getInitialCwd()
		return slc, nil
	}
	return nil, fmt.Errorf("unknown property %q", p)
}

func (t *terminal) setProperty(p protocol.PropertyType, value json.RawMessage) error {
	t.mu.Lock()
	switch p {
	case protocol.PropertyFixedDimensions:
		var dims *protocol.Dimensions
		if err := json.Unmarshal(value, &dims); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("decode fixed dimensions: %w", err)
		}
		t.fixedDims = dims
	default:
		t.properties[p] = append(json.RawMessage(nil), value...)
	}
	t.mu.Unlock()

	t.s.onDidChangeProperty.Fire(protocol.PropertyChangeEvent{
		ID:       t.id,
		Property: protocol.ProcessProperty{Type: p, Value: value},
	})
	return nil
}

// details describes the process. isOrphan is supplied by the caller since
// finding it out may mean asking clients.
func (t *terminal) details(isOrphan bool) protocol.ProcessDetails {
	cwd := t.cwd()
	hasChildren := t.hasChildProcesses()

	t.mu.Lock()
	defer t.mu.Unlock()
	slc := t.launch.ShellLaunchConfig
	return protocol.ProcessDetails{
		ID:                     t.id,
		Pid:                    t.pid,
		Title:                  t.title,
		TitleSource:            t.titleSource,
		Cwd:                    cwd,
		WorkspaceID:            t.launch.WorkspaceID,
		WorkspaceName:          t.launch.WorkspaceName,
		IsOrphan:               isOrphan,
		Icon:                   t.icon,
		Color:                  t.color,
		FixedDimensions:        t.fixedDims,
		ReconnectionProperties: slc.ReconnectionProperties,
		WaitOnExit:             slc.WaitOnExit,
		HideFromUser:           slc.HideFromUser,
		IsFeatureTerminal:      slc.IsFeatureTerminal,
		HasChildProcesses:      hasChildren,
		ShellIntegrationNonce:  t.launch.Options.ShellIntegration.Nonce,
	}
}

func (t *terminal) serialize() protocol.SerializedProcess {
	details := t.details(false)
	t.mu.Lock()
	slc := t.launch.ShellLaunchConfig
	unicode := t.unicode
	t.mu.Unlock()
	return protocol.SerializedProcess{
		ID:                t.id,
		ShellLaunchConfig: slc,
		ProcessDetails:    details,
		ProcessLaunchConfig: protocol.ProcessLaunchConfig{
			Env:           t.launch.Env,
			ExecutableEnv: t.launch.ExecutableEnv,
			Options:       t.launch.Options,
		},
		UnicodeVersion: unicode,
		ReplayEvent:    t.replay.event(),
		Timestamp:      time.Now().UnixMilli(),
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
