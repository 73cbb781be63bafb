package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// envelope carries one broadcast payload and the sequence it was
// journaled under. Seq 0 means unsequenced and is always delivered.
type envelope struct {
	seq     uint64
	payload []byte
}

// Subscriber is one websocket client. All writes go through the send
// queue and a single writer goroutine; the read side only services
// control frames.
type Subscriber struct {
	conn      *websocket.Conn
	send      chan envelope
	closeOnce sync.Once

	// minSeq is the highest sequence already written to the connection
	// during journal catch-up. Set before the pumps start; the write
	// pump drops queued payloads at or below it.
	minSeq uint64
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// writePump drains the send queue in FIFO order and keeps the
// connection alive with pings. Payloads the catch-up already wrote are
// skipped by sequence. onExit runs when the connection dies.
func (s *Subscriber) writePump(onExit func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		onExit()
	}()
	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if env.seq != 0 && env.seq <= s.minSeq {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, env.payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; the protocol is one-directional
// (producers publish over HTTP, not over the socket). Its job is pong
// handling and noticing a dead peer.
func (s *Subscriber) readPump(onExit func()) {
	defer onExit()
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
