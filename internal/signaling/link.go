package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrLinkClosed   = errors.New("connection closed")
)

// link is one live websocket connection. A Channel replaces its link on every
// reconnect; nothing outside the Channel holds on to it.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newLink(conn *websocket.Conn, queue int) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (l *link) trySend(frame []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLinkClosed
	}
	select {
	case l.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	_ = l.conn.Close()
	l.mu.Unlock()
}

func (l *link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (ch *Channel) writePump(l *link) {
	ticker := time.NewTicker(ch.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case <-l.done:
			return
		case frame := <-l.send:
			if err := l.conn.SetWriteDeadline(time.Now().Add(ch.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump set deadline")
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.cfg.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signaling").Msg("ping failed")
				return
			}
		}
	}
}

func (ch *Channel) readPump(l *link) {
	defer func() {
		l.close()
		ch.onLinkLost(l)
	}()

	l.conn.SetReadLimit(ch.cfg.ReadLimit)
	_ = l.conn.SetReadDeadline(time.Now().Add(ch.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(ch.cfg.PongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !l.isClosed() {
				log.Warn().Err(err).Str("module", "signaling").Msg("readPump read error")
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(ch.cfg.PongWait))

		env, err := DecodeEnvelope(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Msg("bad json")
			continue
		}
		msg := NewMessage(env.Event, env.Data)
		if n := ch.listeners.dispatch(msg); n == 0 {
			log.Debug().Str("module", "signaling").Str("event", string(env.Event)).Msg("no listener")
		}
	}
}
