package voice

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coldline-ai/coldline/internal/history"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/protocol"
	"github.com/coldline-ai/coldline/internal/segment"
)

var (
	errAlreadyStarted = errors.New("session already started")
	errSessionStopped = errors.New("session stopped")
)

type turnState int32

const (
	turnStateTranscribed turnState = iota
	turnStateLLMStreaming
	turnStateSynthesizing
	turnStateDraining
	turnStateDone
	turnStateCancelled
)

type signalKind int

const (
	sigHangupDetected signalKind = iota
	sigCommit
	sigHangupPlayed
	sigTurnClosed
)

type turnSignal struct {
	turnID string
	kind   signalKind
	text   string
}

// turn is the per-utterance pipeline handle owned by the supervisor. The
// pipeline goroutine never mutates session state directly: everything flows
// back through the signals channel.
type turn struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
}

func (t *turn) State() turnState { return turnState(t.state.Load()) }

func (t *turn) setState(st turnState) {
	for {
		cur := turnState(t.state.Load())
		if cur == turnStateDone || cur == turnStateCancelled {
			return
		}
		if t.state.CompareAndSwap(int32(cur), int32(st)) {
			return
		}
	}
}

func (s *Session) startTurn(p persona.Persona, turns []history.Entry) *turn {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &turn{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	go s.runTurn(ctx, t, p, turns)
	return t
}

func (s *Session) runTurn(ctx context.Context, t *turn, p persona.Persona, turns []history.Entry) {
	defer close(t.done)
	defer t.cancel()

	start := time.Now()
	m := s.o.metrics

	signal := func(kind signalKind, text string) {
		select {
		case s.signals <- turnSignal{turnID: t.id, kind: kind, text: text}:
		case <-s.ctx.Done():
		}
	}

	// The LLM stream gets its own cancel handle so detecting the hangup
	// sentinel can stop the model without killing the final segment's TTS.
	llmCtx, llmCancel := context.WithCancel(ctx)
	defer llmCancel()

	stream, err := s.o.llm.StreamChat(llmCtx, p.SystemPrompt, turns)
	if err != nil {
		t.setState(turnStateCancelled)
		if ctx.Err() != nil {
			return
		}
		log.Printf("session %s turn %s: llm open failed: %v", s.id, t.id, err)
		m.ProviderErrors.WithLabelValues("llm", "open_failed").Inc()
		s.send(protocol.TurnDone{Type: protocol.TypeTurnDone})
		signal(sigTurnClosed, "")
		return
	}
	t.setState(turnStateLLMStreaming)

	ex := segment.NewExtractor()
	var assistant strings.Builder
	firstAudio := false
	llmFailed := false
	hangupSignalled := false

	emitTokens := func(display string) {
		if display == "" {
			return
		}
		assistant.WriteString(display)
		s.send(protocol.LLMToken{Type: protocol.TypeLLMToken, Text: display})
	}

	// synthesize streams one segment's audio and closes it with segment_done.
	// Audio for a failed segment is skipped; the segment_done still goes out
	// so the client's turn accounting stays consistent. Returns false only
	// when the turn was cancelled.
	synthesize := func(seg segment.Segment) bool {
		t.setState(turnStateSynthesizing)
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			events, err := s.o.tts.Speak(ctx, text)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				log.Printf("session %s turn %s: tts open failed: %v", s.id, t.id, err)
				m.ProviderErrors.WithLabelValues("tts", "open_failed").Inc()
			} else {
			drain:
				for evt := range events {
					switch evt.Type {
					case TTSEventAudio:
						if len(evt.PCM) == 0 {
							continue
						}
						if !firstAudio {
							firstAudio = true
							m.ObserveFirstAudioLatency(time.Since(start))
							m.ObserveTurnStage("commit_to_first_audio", time.Since(start))
						}
						s.send(protocol.AudioChunk{PCM: evt.PCM})
					case TTSEventError:
						if ctx.Err() != nil {
							return false
						}
						log.Printf("session %s turn %s: tts error %s: %s", s.id, t.id, evt.Code, evt.Detail)
						m.ProviderErrors.WithLabelValues("tts", evt.Code).Inc()
						break drain
					}
				}
			}
		}
		if ctx.Err() != nil {
			return false
		}
		s.send(protocol.SegmentDone{Type: protocol.TypeSegmentDone, IsFinal: seg.IsFinal})
		t.setState(turnStateLLMStreaming)
		return true
	}

	handle := func(display string, segs []segment.Segment) bool {
		emitTokens(display)
		for _, sg := range segs {
			if sg.IsFinal && !hangupSignalled {
				hangupSignalled = true
				signal(sigHangupDetected, "")
				llmCancel()
			}
			if !synthesize(sg) {
				return false
			}
		}
		return true
	}

readLoop:
	for !ex.Hangup() {
		select {
		case <-ctx.Done():
			t.setState(turnStateCancelled)
			return
		case evt, ok := <-stream:
			if !ok {
				break readLoop
			}
			switch evt.Type {
			case LLMEventToken:
				if !handle(ex.Push(evt.Token)) {
					t.setState(turnStateCancelled)
					return
				}
			case LLMEventError:
				llmFailed = true
				log.Printf("session %s turn %s: llm stream error %s: %s", s.id, t.id, evt.Code, evt.Detail)
				m.ProviderErrors.WithLabelValues("llm", evt.Code).Inc()
				break readLoop
			}
		}
	}

	if llmFailed {
		// Per-turn recovery: discard the partial draft, close the turn with
		// no audio and let the session await the next utterance.
		t.setState(turnStateCancelled)
		s.send(protocol.TurnDone{Type: protocol.TypeTurnDone})
		signal(sigTurnClosed, "")
		return
	}

	if !ex.Hangup() {
		if !handle(ex.Flush()) {
			t.setState(turnStateCancelled)
			return
		}
	}

	t.setState(turnStateDraining)
	if committed := strings.TrimSpace(assistant.String()); committed != "" {
		signal(sigCommit, committed)
	}
	s.send(protocol.TurnDone{Type: protocol.TypeTurnDone})
	if ex.Hangup() {
		signal(sigHangupPlayed, "")
	}
	signal(sigTurnClosed, "")
	t.setState(turnStateDone)
	m.ObserveTurnStage("turn_total", time.Since(start))
}
