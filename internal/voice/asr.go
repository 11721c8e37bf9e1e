package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type RealtimeASRConfig struct {
	APIKey    string
	WSBaseURL string
	ModelID   string
}

// RealtimeASRProvider talks to a realtime speech-to-text websocket: binary
// PCM16 16 kHz frames up, JSON transcript/VAD events down.
type RealtimeASRProvider struct {
	cfg RealtimeASRConfig
}

func NewRealtimeASRProvider(cfg RealtimeASRConfig) *RealtimeASRProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "scribe_v2_realtime"
	}
	return &RealtimeASRProvider{cfg: cfg}
}

func (p *RealtimeASRProvider) StartSession(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("commit_strategy", "vad")
	q.Set("vad_events", "true")
	q.Set("sample_rate", "16000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial asr websocket: %w", err)
	}

	events := make(chan ASREvent, 256)
	s := &realtimeASRSession{conn: conn, events: events}
	go s.readLoop()
	// Cancellation contract: tear the socket down as soon as the session
	// context ends so no further events are delivered.
	go func() {
		<-ctx.Done()
		s.safeClose()
	}()
	return s, events, nil
}

type realtimeASRSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan ASREvent
}

func (s *realtimeASRSession) SendAudio(_ context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *realtimeASRSession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- ASREvent{Type: ASREventFinal, Text: asString(raw["text"])}
		case "partial_transcript":
			// Partials are not part of the call protocol; VAD drives turn
			// boundaries instead.
		case "vad_state":
			s.events <- ASREvent{Type: ASREventVAD, State: asString(raw["state"]), Prob: asFloat(raw["probability"])}
		case "utterance_boundary":
			s.events <- ASREvent{Type: ASREventUtterance, Phase: asString(raw["phase"])}
		case "session_started", "", "input_audio_chunk":
			// control/echo, ignore
		default:
			s.events <- ASREvent{Type: ASREventError, Code: messageType, Detail: asString(raw["error"])}
		}
	}
}

func (s *realtimeASRSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *realtimeASRSession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asString(v any) string {
	if t, ok := v.(string); ok {
		return t
	}
	return ""
}

func asFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
