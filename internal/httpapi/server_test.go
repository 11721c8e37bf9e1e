package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldline-ai/coldline/internal/config"
	"github.com/coldline-ai/coldline/internal/feedback"
	"github.com/coldline-ai/coldline/internal/history"
	"github.com/coldline-ai/coldline/internal/observability"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/voice"
)

type stubScorer struct {
	report feedback.Report
	err    error
}

func (s *stubScorer) Score(_ context.Context, transcript []history.Entry, _ string) (feedback.Report, error) {
	if len(transcript) == 0 {
		return feedback.Report{}, errors.New("transcript is empty")
	}
	return s.report, s.err
}

func newTestServer(t *testing.T, scorer Scorer) *Server {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("coldline_http_test_%d", time.Now().UnixNano()))
	personas := persona.NewRegistry()
	orch := voice.NewOrchestrator(voice.NewMockProvider(), voice.NewMockLLM(), voice.NewMockTTS(), personas, metrics)
	cfg := config.Config{AllowAnyOrigin: true}
	return New(cfg, orch, scorer, personas, metrics)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPerfLatency(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/perf/latency")
	if err != nil {
		t.Fatalf("GET /api/perf/latency error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	scorer := &stubScorer{report: feedback.Report{
		OverallScore: feedback.Score{Correct: 3, Total: 9},
		Summary:      "solid start",
		Strengths:    []string{},
		Improvements: []string{},
	}}
	srv := httptest.NewServer(newTestServer(t, scorer).Router())
	defer srv.Close()

	body := `{"transcript":[{"role":"user","content":"Hi, is this Joe?"},{"role":"assistant","content":"Yeah."}],"persona":"A"}`
	resp, err := http.Post(srv.URL+"/api/feedback", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/feedback error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report feedback.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.OverallScore.Total != 9 || report.Summary != "solid start" {
		t.Fatalf("report = %+v", report)
	}
}

func TestFeedbackRejectsUnknownPersona(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	body := `{"transcript":[{"role":"user","content":"hi"}],"persona":"Q"}`
	resp, err := http.Post(srv.URL+"/api/feedback", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFeedbackRejectsEmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/feedback", "application/json",
		strings.NewReader(`{"transcript":[],"persona":"A"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFeedbackRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/feedback", "application/json", strings.NewReader(`{"transcript":`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// TestAgentWSEndToEnd drives a full mock-provider call over a real websocket:
// start, stream mic frames, read the assistant turn, stop, expect done last.
func TestAgentWSEndToEnd(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &stubScorer{}).Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","persona":"A"}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	readEvent := func() (map[string]any, bool) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return nil, true
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		return m, false
	}

	waitType := func(want string) map[string]any {
		for {
			m, binary := readEvent()
			if binary {
				continue
			}
			if m["type"] == want {
				return m
			}
			if m["type"] == "done" && want != "done" {
				t.Fatalf("done arrived while waiting for %s", want)
			}
		}
	}

	waitType("status") // connected
	for {
		m := waitType("status")
		if m["message"] == "ready" {
			break
		}
	}

	// 16 mock frames produce one committed transcript. Frames are paced like a
	// live microphone (640 bytes = 20 ms at 16 kHz) so the drop-oldest mic
	// queue never has to discard any of them.
	frame := make([]byte, 640)
	for i := 0; i < 16; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	final := waitType("asr_final")
	if final["text"] == "" {
		t.Fatalf("asr_final with empty text: %v", final)
	}

	var sawAudio bool
	for {
		m, binary := readEvent()
		if binary {
			sawAudio = true
			continue
		}
		if m["type"] == "turn_done" {
			break
		}
	}
	if !sawAudio {
		t.Fatalf("no binary audio frames before turn_done")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	waitType("done")

	// done is the last frame: the server closes the socket after it.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("read after done succeeded, want closed connection")
	}
}
