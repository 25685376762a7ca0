package relay

import (
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/signaling"
)

// How long calls are remembered: unanswered ones while they could still
// ring, answered ones for as long as a call could plausibly last.
const (
	unansweredTTL = 2 * time.Minute
	answeredTTL   = 24 * time.Hour
)

// party is one end of a call: the connection it is bound to and its user,
// so a reconnecting client can be rebound to the same end.
type party struct {
	sid  core.SessionID
	user domain.UserID
}

type ringingCall struct {
	chat    domain.ChatID
	caller  party
	callee  party // zero until an answer is relayed
	ringing map[core.SessionID]struct{}
	// released connections were told the call went elsewhere; their frames
	// for it are dropped.
	released map[core.SessionID]struct{}
	started  time.Time
}

func (c *ringingCall) answered() bool { return c.callee.sid != "" }

// route is what a frame for a known call turns into.
type route struct {
	to []core.SessionID
	// elsewhere hears call:end{reason:"answered-elsewhere"}.
	elsewhere []core.SessionID
}

// Calls tracks calls by the id the caller picked, so that once one callee
// connection answers, the others stop ringing and cannot end the call.
type Calls struct {
	mu    sync.Mutex
	calls map[string]*ringingCall
	now   func() time.Time
}

func NewCalls() *Calls {
	return &Calls{calls: make(map[string]*ringingCall), now: time.Now}
}

func (t *Calls) start(id string, chat domain.ChatID, from *member, targets []*member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, c := range t.calls {
		age := now.Sub(c.started)
		if age > answeredTTL || !c.answered() && age > unansweredTTL {
			delete(t.calls, k)
		}
	}
	c := &ringingCall{
		chat:     chat,
		caller:   party{sid: from.sid, user: from.user.ID},
		ringing:  make(map[core.SessionID]struct{}, len(targets)),
		released: make(map[core.SessionID]struct{}),
		started:  now,
	}
	for _, m := range targets {
		c.ringing[m.sid] = struct{}{}
	}
	t.calls[id] = c
}

// route decides where a frame for call id from m goes. ok is false for
// calls the table does not know.
func (t *Calls) route(id string, chat domain.ChatID, m *member, event signaling.Event) (r route, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.calls[id]
	if c == nil || c.chat != chat {
		return route{}, false
	}
	final := event == signaling.EventCallEnd || event == signaling.EventCallReject

	if _, gone := c.released[m.sid]; gone {
		return route{}, true
	}
	switch {
	case m.sid == c.caller.sid || m.user.ID == c.caller.user:
		c.caller.sid = m.sid
		if c.answered() {
			r.to = []core.SessionID{c.callee.sid}
		} else {
			r.to = keys(c.ringing)
		}
		if final {
			delete(t.calls, id)
		}
	case c.answered() && (m.sid == c.callee.sid || m.user.ID == c.callee.user && !c.isRinging(m.sid)):
		c.callee.sid = m.sid
		r.to = []core.SessionID{c.caller.sid}
		if final {
			delete(t.calls, id)
		}
	case c.isRinging(m.sid):
		delete(c.ringing, m.sid)
		switch {
		case event == signaling.EventCallAnswer:
			c.callee = party{sid: m.sid, user: m.user.ID}
			r.to = []core.SessionID{c.caller.sid}
			r.elsewhere = keys(c.ringing)
			for sid := range c.ringing {
				c.released[sid] = struct{}{}
			}
			c.ringing = map[core.SessionID]struct{}{}
		case final:
			// the last ringing connection speaks for the callee side
			if len(c.ringing) == 0 {
				r.to = []core.SessionID{c.caller.sid}
				delete(t.calls, id)
			}
		default:
			c.ringing[m.sid] = struct{}{}
			r.to = []core.SessionID{c.caller.sid}
		}
	}
	return r, true
}

func (c *ringingCall) isRinging(sid core.SessionID) bool {
	_, ok := c.ringing[sid]
	return ok
}

// unreachable is a call whose last ringing connection went away.
type unreachable struct {
	id     string
	chat   domain.ChatID
	caller core.SessionID
}

// drop forgets sid as a ringing connection and returns the calls that now
// have nobody left to answer them.
func (t *Calls) drop(sid core.SessionID) []unreachable {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []unreachable
	for id, c := range t.calls {
		delete(c.released, sid)
		if !c.isRinging(sid) {
			continue
		}
		delete(c.ringing, sid)
		if len(c.ringing) == 0 && !c.answered() {
			out = append(out, unreachable{id: id, chat: c.chat, caller: c.caller.sid})
			delete(t.calls, id)
		}
	}
	return out
}

// Len counts the calls being tracked.
func (t *Calls) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func keys(set map[core.SessionID]struct{}) []core.SessionID {
	out := make([]core.SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}
