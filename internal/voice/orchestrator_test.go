package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coldline-ai/coldline/internal/history"
	"github.com/coldline-ai/coldline/internal/observability"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/protocol"
)

func newTestSession(t *testing.T, asr ASRProvider, llm LLMProvider, tts TTSProvider) (*Session, chan any) {
	t.Helper()
	o := NewOrchestrator(asr, llm, tts, persona.NewRegistry(),
		observability.NewMetrics(fmt.Sprintf("coldline_test_%d", time.Now().UnixNano())))
	out := make(chan any, 512)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sess := o.NewSession(ctx, out)
	t.Cleanup(sess.Stop)
	return sess, out
}

// await reads outbound messages until match accepts one, failing after 2s.
func await(t *testing.T, out chan any, what string, match func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-out:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func awaitTurnDone(t *testing.T, out chan any) {
	t.Helper()
	await(t, out, "turn_done", func(m any) bool {
		_, ok := m.(protocol.TurnDone)
		return ok
	})
}

func awaitDone(t *testing.T, out chan any) {
	t.Helper()
	await(t, out, "done", func(m any) bool {
		_, ok := m.(protocol.Done)
		return ok
	})
}

func startSession(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.Start("A"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestPlainTurn(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Yeah, this", " is Joe."}}}}
	tts := &fakeTTS{}
	sess, out := newTestSession(t, asr, llm, tts)
	startSession(t, sess)

	for _, want := range []string{"connected", "initializing", "ready"} {
		m := await(t, out, "status "+want, func(m any) bool {
			_, ok := m.(protocol.Status)
			return ok
		})
		if got := m.(protocol.Status).Message; got != want {
			t.Fatalf("status = %q, want %q", got, want)
		}
	}

	asr.emitFinal("Hi, is this Joe?")

	m := await(t, out, "asr_final", func(m any) bool {
		_, ok := m.(protocol.ASRFinal)
		return ok
	})
	if got := m.(protocol.ASRFinal).Text; got != "Hi, is this Joe?" {
		t.Fatalf("asr_final text = %q", got)
	}

	var tokens strings.Builder
	var sawAudio, sawSegmentDone bool
	await(t, out, "turn_done", func(m any) bool {
		switch v := m.(type) {
		case protocol.LLMToken:
			tokens.WriteString(v.Text)
		case protocol.AudioChunk:
			if !sawSegmentDone {
				sawAudio = true
			}
		case protocol.SegmentDone:
			if v.IsFinal {
				t.Fatalf("segment_done is_final = true for a plain turn")
			}
			if !sawAudio {
				t.Fatalf("segment_done before any audio")
			}
			sawSegmentDone = true
		case protocol.TurnDone:
			return true
		}
		return false
	})
	if tokens.String() != "Yeah, this is Joe." {
		t.Fatalf("token stream = %q", tokens.String())
	}
	if !sawSegmentDone {
		t.Fatalf("no segment_done before turn_done")
	}
	if got := tts.spokenSegments(); len(got) != 1 || got[0] != "Yeah, this is Joe." {
		t.Fatalf("tts segments = %v", got)
	}

	// The committed history is observable through the next turn's prompt.
	llm.mu.Lock()
	llm.scripts = append(llm.scripts, llmScript{tokens: []string{"Okay."}})
	llm.mu.Unlock()
	asr.emitFinal("Great, quick question for you.")
	awaitTurnDone(t, out)

	turns := llm.call(1)
	want := []history.Entry{
		{Role: history.RoleUser, Content: "Hi, is this Joe?"},
		{Role: history.RoleAssistant, Content: "Yeah, this is Joe."},
		{Role: history.RoleUser, Content: "Great, quick question for you."},
	}
	if len(turns) != len(want) {
		t.Fatalf("prompt turns = %+v, want %+v", turns, want)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Fatalf("turns[%d] = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestWhitespaceFinalProducesNoTurn(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Hello."}}}}
	sess, out := newTestSession(t, asr, llm, &fakeTTS{})
	startSession(t, sess)

	asr.emitFinal("   \t ")
	asr.emitFinal("Hi there.")
	awaitTurnDone(t, out)

	if llm.callCount() != 1 {
		t.Fatalf("llm calls = %d, want 1 (whitespace final must not start a turn)", llm.callCount())
	}
	if got := llm.call(0); len(got) != 1 || got[0].Content != "Hi there." {
		t.Fatalf("prompt turns = %+v", got)
	}
}

func TestBargeInCancelsTurnAndDiscardsDraft(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{
		{tokens: []string{"Let me tell you about our data platform."}, block: true},
		{tokens: []string{"Sorry, go ahead."}},
	}}
	sess, out := newTestSession(t, asr, llm, &fakeTTS{})
	startSession(t, sess)

	asr.emitFinal("Do you have a minute?")
	await(t, out, "first llm token", func(m any) bool {
		_, ok := m.(protocol.LLMToken)
		return ok
	})

	asr.emitFinal("Stop, I'm busy.")
	await(t, out, "clear", func(m any) bool {
		_, ok := m.(protocol.Clear)
		return ok
	})
	awaitTurnDone(t, out)

	if llm.callCount() != 2 {
		t.Fatalf("llm calls = %d, want 2", llm.callCount())
	}
	turns := llm.call(1)
	for _, e := range turns {
		if e.Role == history.RoleAssistant {
			t.Fatalf("cancelled draft committed to history: %+v", turns)
		}
	}
	if len(turns) != 2 || turns[1].Content != "Stop, I'm busy." {
		t.Fatalf("prompt turns = %+v", turns)
	}
}

func TestHangupFlow(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Not interested, bye ", "[HANGUP]"}}}}
	tts := &fakeTTS{}
	sess, out := newTestSession(t, asr, llm, tts)
	startSession(t, sess)

	asr.emitFinal("Hi, I'm calling from Coldline.")

	var tokens strings.Builder
	var finalSegment bool
	await(t, out, "hangup", func(m any) bool {
		switch v := m.(type) {
		case protocol.LLMToken:
			tokens.WriteString(v.Text)
		case protocol.SegmentDone:
			finalSegment = v.IsFinal
		case protocol.Hangup:
			return true
		}
		return false
	})
	if tokens.String() != "Not interested, bye " {
		t.Fatalf("token stream = %q, sentinel characters must be withheld", tokens.String())
	}
	if !finalSegment {
		t.Fatalf("last segment_done before hangup not flagged final")
	}
	if got := tts.spokenSegments(); len(got) != 1 || got[0] != "Not interested, bye" {
		t.Fatalf("tts segments = %v", got)
	}

	// Audio after hangup is silently dropped.
	sess.OnInboundBinary(make([]byte, 640))

	sess.OnInboundText([]byte(`{"type":"final_audio_complete"}`))
	awaitDone(t, out)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after done")
	}
}

func TestHangupTimeout(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Bye. [HANGUP]"}}}}
	sess, out := newTestSession(t, asr, llm, &fakeTTS{})
	sess.timings.hangupDrain = 60 * time.Millisecond
	startSession(t, sess)

	asr.emitFinal("Hello?")
	await(t, out, "hangup", func(m any) bool {
		_, ok := m.(protocol.Hangup)
		return ok
	})

	start := time.Now()
	awaitDone(t, out)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("done arrived after %s, before the drain timeout", elapsed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	asr := newFakeASR()
	sess, out := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	startSession(t, sess)

	await(t, out, "status ready", func(m any) bool {
		s, ok := m.(protocol.Status)
		return ok && s.Message == "ready"
	})

	sess.OnInboundText([]byte(`{"type":"stop"}`))
	sess.OnInboundText([]byte(`{"type":"stop"}`))
	awaitDone(t, out)

	<-sess.Done()
	// Exactly one done: nothing else may follow it.
	for {
		select {
		case m := <-out:
			if _, ok := m.(protocol.Done); ok {
				t.Fatalf("second done emitted")
			}
		default:
			return
		}
	}
}

func TestStopMidTurnCancelsStreams(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Well, let me think"}, block: true}}}
	sess, out := newTestSession(t, asr, llm, &fakeTTS{})
	startSession(t, sess)

	asr.emitFinal("Pitch me.")
	await(t, out, "llm token", func(m any) bool {
		_, ok := m.(protocol.LLMToken)
		return ok
	})

	sess.Stop()
	awaitDone(t, out)
	<-sess.Done()
}

func TestASROpenFailure(t *testing.T) {
	asr := newFakeASR()
	asr.failOpen = true
	sess, out := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	startSession(t, sess)

	await(t, out, "status error", func(m any) bool {
		s, ok := m.(protocol.Status)
		return ok && s.Message == "error"
	})
	awaitDone(t, out)
	<-sess.Done()
}

func TestASRErrorAfterOpen(t *testing.T) {
	asr := newFakeASR()
	sess, out := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	startSession(t, sess)

	asr.events <- ASREvent{Type: ASREventError, Code: "connection_lost", Detail: "tcp reset"}
	await(t, out, "status error", func(m any) bool {
		s, ok := m.(protocol.Status)
		return ok && s.Message == "error"
	})
	awaitDone(t, out)
}

func TestLLMErrorMidTurnRecoversSession(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{
		{tokens: []string{"I was about to"}, streamErr: true},
		{tokens: []string{"Second try works."}},
	}}
	tts := &fakeTTS{}
	sess, out := newTestSession(t, asr, llm, tts)
	startSession(t, sess)

	asr.emitFinal("First question.")
	awaitTurnDone(t, out)

	if got := tts.spokenSegments(); len(got) != 0 {
		t.Fatalf("audio synthesized for a failed turn: %v", got)
	}

	asr.emitFinal("Second question.")
	awaitTurnDone(t, out)

	turns := llm.call(1)
	for _, e := range turns {
		if e.Role == history.RoleAssistant {
			t.Fatalf("failed turn's partial text committed: %+v", turns)
		}
	}
	if len(turns) != 2 {
		t.Fatalf("prompt turns = %+v, want both user lines", turns)
	}
}

func TestTTSErrorSkipsAudioKeepsText(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{
		{tokens: []string{"Sure, sounds good."}},
		{tokens: []string{"Next."}},
	}}
	tts := &fakeTTS{failWith: "voice_unavailable"}
	sess, out := newTestSession(t, asr, llm, tts)
	startSession(t, sess)

	asr.emitFinal("Can we meet Tuesday?")

	var sawAudio bool
	var sawSegmentDone bool
	await(t, out, "turn_done", func(m any) bool {
		switch m.(type) {
		case protocol.AudioChunk:
			sawAudio = true
		case protocol.SegmentDone:
			sawSegmentDone = true
		case protocol.TurnDone:
			return true
		}
		return false
	})
	if sawAudio {
		t.Fatalf("audio emitted despite tts error")
	}
	if !sawSegmentDone {
		t.Fatalf("segment_done missing after tts error")
	}

	// The text still lands in history.
	asr.emitFinal("Anything else?")
	awaitTurnDone(t, out)
	turns := llm.call(1)
	var committed bool
	for _, e := range turns {
		if e.Role == history.RoleAssistant && e.Content == "Sure, sounds good." {
			committed = true
		}
	}
	if !committed {
		t.Fatalf("assistant text missing from history after tts error: %+v", turns)
	}
}

func TestASRIdleTimeout(t *testing.T) {
	asr := newFakeASR()
	sess, out := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	sess.timings.asrIdle = 60 * time.Millisecond
	startSession(t, sess)

	awaitDone(t, out)
	<-sess.Done()
}

func TestMicQueueDropsOldest(t *testing.T) {
	asr := newFakeASR()
	o := NewOrchestrator(asr, &fakeLLM{}, &fakeTTS{}, persona.NewRegistry(),
		observability.NewMetrics(fmt.Sprintf("coldline_test_mic_%d", time.Now().UnixNano())))
	out := make(chan any, 16)
	sess := o.NewSession(context.Background(), out)
	defer sess.Stop()

	// Not started: nothing drains the queue, so overflow behavior is exact.
	for i := 0; i < 10; i++ {
		sess.OnInboundBinary([]byte{byte(i), 0})
	}
	if n := len(sess.mic); n != micQueueDepth {
		t.Fatalf("queue length = %d, want %d", n, micQueueDepth)
	}
	first := <-sess.mic
	if first[0] != 4 {
		t.Fatalf("oldest retained frame = %d, want 4 (frames 0-3 dropped)", first[0])
	}
}

func TestInvalidMicFrameRejected(t *testing.T) {
	asr := newFakeASR()
	sess, _ := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	sess.OnInboundBinary([]byte{1})
	sess.OnInboundBinary(nil)
	if n := len(sess.mic); n != 0 {
		t.Fatalf("queue length = %d, want 0 for invalid frames", n)
	}
}

func TestStartTwiceFails(t *testing.T) {
	sess, _ := newTestSession(t, newFakeASR(), &fakeLLM{}, &fakeTTS{})
	if err := sess.Start("A"); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := sess.Start("B"); !errors.Is(err, errAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want errAlreadyStarted", err)
	}
}

func TestStartUnknownPersona(t *testing.T) {
	sess, _ := newTestSession(t, newFakeASR(), &fakeLLM{}, &fakeTTS{})
	if err := sess.Start("Z"); err == nil {
		t.Fatalf("Start(Z) error = nil, want unknown persona error")
	}
}

func TestVADPassthroughDedup(t *testing.T) {
	asr := newFakeASR()
	sess, out := newTestSession(t, asr, &fakeLLM{}, &fakeTTS{})
	startSession(t, sess)

	asr.events <- ASREvent{Type: ASREventVAD, State: "speech", Prob: 0.9}
	asr.events <- ASREvent{Type: ASREventVAD, State: "speech", Prob: 0.91}
	asr.events <- ASREvent{Type: ASREventVAD, State: "silence", Prob: 0.8}
	asr.events <- ASREvent{Type: ASREventUtterance, Phase: "end"}

	var vads []protocol.VAD
	await(t, out, "utterance end", func(m any) bool {
		switch v := m.(type) {
		case protocol.VAD:
			vads = append(vads, v)
		case protocol.Utterance:
			return v.Phase == "end"
		}
		return false
	})
	if len(vads) != 2 {
		t.Fatalf("vad events = %+v, want dedup to 2", vads)
	}
	if vads[0].State != "speech" || vads[1].State != "silence" {
		t.Fatalf("vad order = %+v", vads)
	}
}

func TestFinalAudioCompleteBeforeHangupIgnored(t *testing.T) {
	asr := newFakeASR()
	llm := &fakeLLM{scripts: []llmScript{{tokens: []string{"Still here."}}}}
	sess, out := newTestSession(t, asr, llm, &fakeTTS{})
	startSession(t, sess)

	sess.OnInboundText([]byte(`{"type":"final_audio_complete"}`))
	asr.emitFinal("You there?")
	awaitTurnDone(t, out)

	select {
	case <-sess.Done():
		t.Fatalf("session ended by premature final_audio_complete")
	default:
	}
}
