package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/coldline-ai/coldline/internal/protocol"
)

const (
	wsReadLimit     = 1 << 20
	wsReadDeadline  = 120 * time.Second
	wsWriteDeadline = 10 * time.Second
	outboundDepth   = 256
)

// handleAgentWS is the transport gateway for one call: it demultiplexes
// inbound text/binary frames into the session and serializes every outbound
// write through a single goroutine.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	outbound := make(chan any, outboundDepth)
	sess := s.orchestrator.NewSession(r.Context(), outbound)

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(sess.Stop) }

	var g errgroup.Group
	writerFlushed := make(chan struct{})

	g.Go(func() error {
		defer close(writerFlushed)
		failed := false
		for msg := range outbound {
			if failed {
				// Keep draining so no producer blocks on a dead socket.
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			var werr error
			if chunk, ok := msg.(protocol.AudioChunk); ok {
				werr = conn.WriteMessage(websocket.BinaryMessage, chunk.PCM)
			} else {
				werr = conn.WriteJSON(msg)
			}
			if werr != nil {
				failed = true
				s.metrics.WSWriteErrors.WithLabelValues("write").Inc()
				stop()
				continue
			}
			s.metrics.WSMessages.WithLabelValues("outbound", outboundTypeOf(msg)).Inc()
		}
		return nil
	})

	g.Go(func() error {
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			return nil
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				stop()
				return nil
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			switch msgType {
			case websocket.TextMessage:
				s.metrics.WSMessages.WithLabelValues("inbound", "text").Inc()
				sess.OnInboundText(data)
			case websocket.BinaryMessage:
				s.metrics.WSMessages.WithLabelValues("inbound", "binary").Inc()
				sess.OnInboundBinary(data)
			}
		}
	})

	// The session emits its final frame and closes Done on every exit path;
	// only then is the outbound queue drained and the socket closed.
	<-sess.Done()
	close(outbound)
	<-writerFlushed
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	_ = g.Wait()
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func outboundTypeOf(msg any) string {
	switch m := msg.(type) {
	case protocol.Status:
		return string(m.Type)
	case protocol.ASRFinal:
		return string(m.Type)
	case protocol.LLMToken:
		return string(m.Type)
	case protocol.SegmentDone:
		return string(m.Type)
	case protocol.TurnDone:
		return string(m.Type)
	case protocol.Hangup:
		return string(m.Type)
	case protocol.Done:
		return string(m.Type)
	case protocol.Clear:
		return string(m.Type)
	case protocol.VAD:
		return string(m.Type)
	case protocol.Utterance:
		return string(m.Type)
	case protocol.AudioChunk:
		return "audio_chunk"
	default:
		return "unknown"
	}
}
