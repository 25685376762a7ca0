package call

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/core"
)

type recordingAdder struct {
	mu     sync.Mutex
	got    []string
	refuse map[string]bool
}

func (r *recordingAdder) AddICECandidate(c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse[c.Candidate] {
		return errors.New("refused")
	}
	r.got = append(r.got, c.Candidate)
	return nil
}

func cand(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", i, 5000+i)}
}

func TestICEBufferFlushAppliesInOrderOnce(t *testing.T) {
	for _, n := range []int{0, 1, 7, DefaultICEBufferLimit} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			b := NewICEBuffer(0)
			want := make([]string, 0, n)
			for i := 0; i < n; i++ {
				require.NoError(t, b.Offer(cand(i)))
				want = append(want, cand(i).Candidate)
			}
			assert.Equal(t, n, b.Len())

			pc := &recordingAdder{}
			require.NoError(t, b.Flush(pc))
			require.NoError(t, b.Flush(pc))
			assert.Equal(t, want, append([]string{}, pc.got...))
			assert.Equal(t, 0, b.Len())
		})
	}
}

func TestICEBufferAppliesDirectlyAfterFlush(t *testing.T) {
	b := NewICEBuffer(4)
	require.NoError(t, b.Offer(cand(0)))
	pc := &recordingAdder{}
	require.NoError(t, b.Flush(pc))
	require.NoError(t, b.Offer(cand(1)))

	assert.Equal(t, []string{cand(0).Candidate, cand(1).Candidate}, pc.got)
	assert.Equal(t, 0, b.Len())
}

func TestICEBufferOverflow(t *testing.T) {
	b := NewICEBuffer(2)
	require.NoError(t, b.Offer(cand(0)))
	require.NoError(t, b.Offer(cand(1)))
	err := b.Offer(cand(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
	assert.Equal(t, 2, b.Len())
}

func TestICEBufferFlushContinuesPastRefusal(t *testing.T) {
	b := NewICEBuffer(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Offer(cand(i)))
	}
	pc := &recordingAdder{refuse: map[string]bool{cand(1).Candidate: true}}
	err := b.Flush(pc)
	assert.Error(t, err)
	assert.Equal(t, []string{cand(0).Candidate, cand(2).Candidate}, pc.got)
}

func TestICEBufferReset(t *testing.T) {
	b := NewICEBuffer(0)
	require.NoError(t, b.Offer(cand(0)))
	b.Reset()
	assert.Equal(t, 0, b.Len())

	pc := &recordingAdder{}
	require.NoError(t, b.Flush(pc))
	assert.Empty(t, pc.got)
}
