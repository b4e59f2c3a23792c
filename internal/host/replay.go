package host

import (
	"sync"

	"github.com/peterje/ptyhost/internal/protocol"
)

const defaultReplaySize = 100 * 1024 // 100KB

// replayBuffer records recent output, split into segments by terminal size
// so a reattaching client can replay each segment at the size it was
// written at.
type replayBuffer struct {
	mu      sync.Mutex
	max     int
	size    int
	entries []protocol.ReplayEntry
}

func newReplayBuffer(max, cols, rows int) *replayBuffer {
	if max <= 0 {
		max = defaultReplaySize
	}
	return &replayBuffer{
		max:     max,
		entries: []protocol.ReplayEntry{{Cols: cols, Rows: rows}},
	}
}

func (b *replayBuffer) append(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := &b.entries[len(b.entries)-1]
	last.Data += data
	b.size += len(data)
	b.trimLocked()
}

func (b *replayBuffer) trimLocked() {
	for b.size > b.max {
		over := b.size - b.max
		first := &b.entries[0]
		if len(b.entries) > 1 && len(first.Data) <= over {
			b.size -= len(first.Data)
			b.entries = b.entries[1:]
			continue
		}
		if over > len(first.Data) {
			over = len(first.Data)
		}
		first.Data = first.Data[over:]
		b.size -= over
	}
}

// resize starts a new segment unless the size is unchanged.
func (b *replayBuffer) resize(cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := &b.entries[len(b.entries)-1]
	if last.Cols == cols && last.Rows == rows {
		return
	}
	if last.Data == "" {
		last.Cols, last.Rows = cols, rows
		return
	}
	b.entries = append(b.entries, protocol.ReplayEntry{Cols: cols, Rows: rows})
}

func (b *replayBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.entries[len(b.entries)-1]
	b.entries = []protocol.ReplayEntry{{Cols: last.Cols, Rows: last.Rows}}
	b.size = 0
}

// seed replaces the contents, used when reviving a serialized terminal.
func (b *replayBuffer) seed(entries []protocol.ReplayEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	b.entries = append([]protocol.ReplayEntry(nil), entries...)
	b.size = 0
	for _, e := range b.entries {
		b.size += len(e.Data)
	}
	b.trimLocked()
}

func (b *replayBuffer) event() protocol.ReplayEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.ReplayEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Data != "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		last := b.entries[len(b.entries)-1]
		out = append(out, protocol.ReplayEntry{Cols: last.Cols, Rows: last.Rows})
	}
	return protocol.ReplayEvent{Events: out}
}
