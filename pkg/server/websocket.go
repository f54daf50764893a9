package server

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripple-frame/ripple/pkg/protocol"
)

// ReadLoop continuously reads envelopes from the connection attached when
// the loop started, queues events, and answers control messages. It blocks
// until that connection drops or is replaced by a resume; if the connection
// is still current on failure the session detaches. Each attached
// connection gets its own read loop.
func (s *Session) ReadLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// A resume may have swapped the connection under us; the new
			// connection's read loop owns it.
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}

			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Error("read error", "error", err)
			}
			s.Detach()
			return
		}

		s.UpdateLastActive()

		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			s.logger.Warn("invalid envelope", "error", err)
			s.sendError(protocol.ErrCodeInvalidMessage, "invalid envelope", 0, false)
			continue
		}

		switch env.Type {
		case protocol.MessageEvent:
			s.handleEventMessage(env.Payload)

		case protocol.MessageControl:
			s.handleControlMessage(env.Payload)

		default:
			s.logger.Warn("unexpected message type", "type", env.Type)
			s.sendError(protocol.ErrCodeInvalidMessage, "unexpected message type", 0, false)
		}
	}
}

// handleEventMessage decodes and queues an event from the client.
func (s *Session) handleEventMessage(payload []byte) {
	ev, err := protocol.DecodeEvent(payload)
	if err != nil {
		s.logger.Warn("invalid event", "error", err)
		s.sendError(protocol.ErrCodeInvalidEvent, "invalid event", 0, false)
		return
	}

	if err := s.QueueEvent(ev); err != nil {
		if errors.Is(err, ErrEventQueueFull) {
			s.sendError(protocol.ErrCodeRateLimited, "event queue full", ev.Seq, false)
		}
	}
}

// handleControlMessage answers pings and honors client-initiated close.
func (s *Session) handleControlMessage(payload []byte) {
	ctl, err := protocol.DecodeControl(payload)
	if err != nil {
		s.logger.Warn("invalid control", "error", err)
		return
	}

	switch ctl.Op {
	case protocol.ControlPing:
		if err := s.sendEnvelope(protocol.MessageControl, protocol.Control{
			Op:        protocol.ControlPong,
			Timestamp: ctl.Timestamp,
		}); err != nil {
			s.logger.Debug("pong write failed", "error", err)
		}

	case protocol.ControlPong:
		s.logger.Debug("pong received")

	case protocol.ControlClose:
		s.logger.Info("client closing", "reason", ctl.Reason)
		s.Close()
	}
}

// WriteLoop sends periodic heartbeat pings until the session closes.
// Pings are skipped while detached; a failed write is left to the read
// loop, which notices the dead connection and detaches.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.detached.Load() {
				continue
			}
			ping := protocol.NewPing(time.Now().UnixMilli())
			if err := s.sendEnvelope(protocol.MessageControl, ping); err != nil {
				s.logger.Debug("ping write failed", "error", err)
			}

		case <-s.done:
			return
		}
	}
}

// EventLoop processes queued events and dispatched functions one at a
// time. All regular handlers for this session run here, which is what
// makes their execution serial.
func (s *Session) EventLoop() {
	for {
		select {
		case ev := <-s.events:
			s.processEvent(ev)

		case fn := <-s.dispatchCh:
			s.runDispatched(fn)

		case <-s.done:
			return
		}
	}
}

func (s *Session) runDispatched(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panic", "panic", r)
		}
	}()
	fn()
}
