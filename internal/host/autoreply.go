package host

import "sync"

// autoResponder writes a reply whenever its match appears in the output
// stream, even when the match is split across reads.
type autoResponder struct {
	match string
	reply string
	pos   int
}

func (r *autoResponder) feed(data string) (fire int) {
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == r.match[r.pos] {
			r.pos++
		} else if c == r.match[0] {
			r.pos = 1
		} else {
			r.pos = 0
		}
		if r.pos == len(r.match) {
			fire++
			r.pos = 0
		}
	}
	return fire
}

// autoReplies holds the responders of one terminal.
type autoReplies struct {
	mu         sync.Mutex
	responders []*autoResponder
}

func (a *autoReplies) install(match, reply string) {
	if match == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.responders {
		if r.match == match {
			r.reply = reply
			return
		}
	}
	a.responders = append(a.responders, &autoResponder{match: match, reply: reply})
}

func (a *autoReplies) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responders = nil
}

// replies returns what should be written back for data.
func (a *autoReplies) replies(data string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.responders {
		for n := r.feed(data); n > 0; n-- {
			out = append(out, r.reply)
		}
	}
	return out
}
