package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

func (rl *Relay) writePump(ctx context.Context, m *member) {
	ticker := time.NewTicker(rl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		m.close()
	}()
	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Msg("writePump ctx done")
			return
		case frame := <-m.send:
			if err := m.conn.SetWriteDeadline(time.Now().Add(rl.cfg.WriteWait)); err != nil {
				m.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.log.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(rl.cfg.WriteWait)); err != nil {
				m.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (rl *Relay) readPump(ctx context.Context, m *member) {
	defer func() {
		m.log.Info().Msg("readPump closing")
		m.close()
		rl.Registry.remove(m.sid)
		rl.dropRinging(m.sid)
		if !rl.Registry.online(m.user.ID) {
			rl.Limiter.Forget(m.user.ID)
		}
	}()

	pongWait := rl.cfg.PingPeriod + rl.cfg.PingPeriod/9
	m.conn.SetReadLimit(rl.cfg.ReadLimit)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
		rl.handle(m, data)
	}
}
