package call

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/core"
)

// DefaultICEBufferLimit caps candidates held before the remote description.
const DefaultICEBufferLimit = 256

// CandidateAdder applies remote candidates; core.PeerConnection satisfies it.
type CandidateAdder interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// ICEBuffer holds remote candidates until the remote description is set,
// then applies them in arrival order. Candidates that arrive afterwards go
// straight through. Application happens under the buffer lock so a late
// candidate can never overtake a buffered one.
type ICEBuffer struct {
	limit int

	mu      sync.Mutex
	target  CandidateAdder
	pending []webrtc.ICECandidateInit
}

func NewICEBuffer(limit int) *ICEBuffer {
	if limit <= 0 {
		limit = DefaultICEBufferLimit
	}
	return &ICEBuffer{limit: limit}
}

// Offer applies c if the remote description is in place and buffers it
// otherwise. Overflowing the buffer is a ProtocolViolationError.
func (b *ICEBuffer) Offer(c webrtc.ICECandidateInit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target != nil {
		return b.target.AddICECandidate(c)
	}
	if len(b.pending) >= b.limit {
		return core.Errorf(core.KindProtocolViolation, "buffer candidate", "more than %d candidates before remote description", b.limit)
	}
	b.pending = append(b.pending, c)
	return nil
}

// Flush records that the remote description of target is set and applies
// every buffered candidate once, in order. A candidate the peer connection
// refuses does not stop the rest; all refusals are returned joined.
func (b *ICEBuffer) Flush(target CandidateAdder) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
	var errs []error
	for _, c := range b.pending {
		if err := target.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	b.pending = nil
	return errors.Join(errs...)
}

// Reset drops buffered candidates and forgets the target.
func (b *ICEBuffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.target = nil
	b.mu.Unlock()
}

func (b *ICEBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
