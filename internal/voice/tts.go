package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type RealtimeTTSConfig struct {
	APIKey    string
	WSBaseURL string
	VoiceID   string
	ModelID   string
}

// RealtimeTTSProvider opens one synthesis stream per segment and decodes the
// provider's base64 audio payloads into raw PCM16 48 kHz chunks.
type RealtimeTTSProvider struct {
	cfg RealtimeTTSConfig
}

func NewRealtimeTTSProvider(cfg RealtimeTTSConfig) *RealtimeTTSProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	return &RealtimeTTSProvider{cfg: cfg}
}

func (p *RealtimeTTSProvider) Speak(ctx context.Context, text string) (<-chan TTSEvent, error) {
	if strings.TrimSpace(p.cfg.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", "pcm_48000")
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &realtimeTTSStream{conn: conn, events: make(chan TTSEvent, 128)}
	go s.readLoop()
	go func() {
		<-ctx.Done()
		s.safeClose()
	}()

	if err := s.writeJSON(map[string]any{"text": " "}); err != nil {
		s.safeClose()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	if err := s.writeJSON(map[string]any{"text": text, "try_trigger_generation": true}); err != nil {
		s.safeClose()
		return nil, fmt.Errorf("send tts text: %w", err)
	}
	// Empty text closes the input side; the read loop ends on is_final.
	if err := s.writeJSON(map[string]any{"text": ""}); err != nil {
		s.safeClose()
		return nil, fmt.Errorf("close tts input: %w", err)
	}
	return s.events, nil
}

type realtimeTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *realtimeTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeTTSStream) readLoop() {
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
		if audio := asString(raw["audio"]); audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				s.events <- TTSEvent{Type: TTSEventError, Code: "bad_audio_payload", Detail: err.Error()}
				return
			}
			s.events <- TTSEvent{Type: TTSEventAudio, PCM: pcm}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			s.events <- TTSEvent{Type: TTSEventError, Code: asString(raw["message_type"]), Detail: errMsg}
			return
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return
		}
	}
}

func (s *realtimeTTSStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
