package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// member is one authenticated websocket connection. A user may hold
// several.
type member struct {
	sid  core.SessionID
	user domain.User
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func (m *member) trySend(frame []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (m *member) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	_ = m.conn.Close()
	m.mu.Unlock()
}
