package voice

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldline-ai/coldline/internal/audio"
	"github.com/coldline-ai/coldline/internal/history"
	"github.com/coldline-ai/coldline/internal/observability"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/protocol"
)

const (
	// micQueueDepth bounds buffered microphone frames; overflow drops the
	// oldest frame so the recognizer always sees the freshest audio.
	micQueueDepth = 6

	defaultHangupDrainTimeout = 6 * time.Second
	defaultASRIdleTimeout     = 20 * time.Second

	criticalSendTimeout = 600 * time.Millisecond
)

// Orchestrator owns the provider set shared by all sessions. It holds no
// mutable state: each connection gets an independent Session.
type Orchestrator struct {
	asr      ASRProvider
	llm      LLMProvider
	tts      TTSProvider
	personas *persona.Registry
	metrics  *observability.Metrics
}

func NewOrchestrator(asr ASRProvider, llm LLMProvider, tts TTSProvider, personas *persona.Registry, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		asr:      asr,
		llm:      llm,
		tts:      tts,
		personas: personas,
		metrics:  metrics,
	}
}

type sessionTimings struct {
	hangupDrain time.Duration
	asrIdle     time.Duration
}

// Session drives one websocket connection: it owns the turn slot, the
// transcript, barge-in and hangup machinery. The transport layer feeds it via
// OnInboundText/OnInboundBinary and reads everything back from the outbound
// channel passed at construction.
type Session struct {
	o        *Orchestrator
	id       string
	outbound chan<- any
	timings  sessionTimings

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	ctrl     chan any
	mic      chan []byte
	signals  chan turnSignal

	doneCh   chan struct{}
	doneOnce sync.Once
}

func (o *Orchestrator) NewSession(parent context.Context, outbound chan<- any) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		o:        o,
		id:       uuid.NewString(),
		outbound: outbound,
		timings: sessionTimings{
			hangupDrain: defaultHangupDrainTimeout,
			asrIdle:     defaultASRIdleTimeout,
		},
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		ctrl:    make(chan any, 16),
		mic:     make(chan []byte, micQueueDepth),
		signals: make(chan turnSignal, 16),
		doneCh:  make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done closes when the session has finished all work and emitted its final
// frame (or was stopped before ever starting).
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Start validates the persona and spawns the supervisor. A second call fails.
func (s *Session) Start(personaID string) error {
	p, err := s.o.personas.Lookup(personaID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errAlreadyStarted
	}
	if s.stopped {
		return errSessionStopped
	}
	s.started = true
	go s.run(p)
	return nil
}

// OnInboundText handles one JSON text frame from the client. Malformed or
// unknown frames are logged and ignored.
func (s *Session) OnInboundText(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		log.Printf("session %s: ignoring client frame: %v", s.id, err)
		s.o.metrics.SessionEvents.WithLabelValues("protocol_error").Inc()
		return
	}
	switch m := msg.(type) {
	case protocol.Start:
		if err := s.Start(m.Persona); err != nil {
			log.Printf("session %s: start rejected: %v", s.id, err)
			s.o.metrics.SessionEvents.WithLabelValues("start_rejected").Inc()
		}
	case protocol.Stop:
		s.Stop()
	case protocol.FinalAudioComplete:
		select {
		case s.ctrl <- m:
		default:
		}
	}
}

// OnInboundBinary queues one microphone frame. The queue holds at most
// micQueueDepth frames; on overflow the oldest is discarded.
func (s *Session) OnInboundBinary(frame []byte) {
	if !audio.ValidFrame(frame) {
		s.o.metrics.SessionEvents.WithLabelValues("invalid_mic_frame").Inc()
		return
	}
	for {
		select {
		case s.mic <- frame:
			return
		default:
			select {
			case <-s.mic:
				s.o.metrics.BackpressureDrops.WithLabelValues("mic").Inc()
			default:
			}
		}
	}
}

// Stop requests teardown. Non-blocking and safe to call any number of times,
// from any goroutine, started or not.
func (s *Session) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.stopped = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if !wasStarted {
		s.cancel()
		s.doneOnce.Do(func() { close(s.doneCh) })
	}
}

func (s *Session) run(p persona.Persona) {
	defer s.doneOnce.Do(func() { close(s.doneCh) })
	defer s.cancel()

	m := s.o.metrics
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("started").Inc()

	s.send(protocol.Status{Type: protocol.TypeStatus, Message: "connected"})

	asrSession, asrEvents, err := s.o.asr.StartSession(s.ctx, s.id)
	if err != nil {
		log.Printf("session %s: asr open failed: %v", s.id, err)
		m.ProviderErrors.WithLabelValues("asr", "open_failed").Inc()
		s.send(protocol.Status{Type: protocol.TypeStatus, Message: "error"})
		s.send(protocol.Done{Type: protocol.TypeDone})
		return
	}
	defer asrSession.Close()

	s.send(protocol.Status{Type: protocol.TypeStatus, Message: "initializing"})
	s.send(protocol.Status{Type: protocol.TypeStatus, Message: "ready"})

	hist := history.NewStore()
	var (
		current         *turn
		hangupRequested bool
		hangupFired     bool
		hangupTimer     *time.Timer
		hangupC         <-chan time.Time
		vadState        vadDispatchState
	)
	defer func() {
		if hangupTimer != nil {
			hangupTimer.Stop()
		}
	}()

	idle := time.NewTimer(s.timings.asrIdle)
	defer idle.Stop()

	doneSent := false
	sendDone := func() {
		if doneSent {
			return
		}
		doneSent = true
		s.send(protocol.Done{Type: protocol.TypeDone})
		m.SessionEvents.WithLabelValues("done").Inc()
	}

	// Cancel any residual pipeline and wait it out so no goroutine keeps
	// touching cancelled streams past this frame.
	dropTurn := func() {
		if current == nil {
			return
		}
		current.cancel()
		<-current.done
		current = nil
	}
	defer dropTurn()

	bargeIn := func(reason string) {
		if current == nil {
			return
		}
		dropTurn()
		s.send(protocol.Clear{Type: protocol.TypeClear})
		m.SessionEvents.WithLabelValues("barge_in_" + reason).Inc()
	}

	handleSignal := func(sig turnSignal) {
		if current == nil || sig.turnID != current.id {
			return
		}
		switch sig.kind {
		case sigHangupDetected:
			hangupRequested = true
		case sigCommit:
			hist.Append(history.RoleAssistant, sig.text)
		case sigHangupPlayed:
			hangupFired = true
			s.send(protocol.Hangup{Type: protocol.TypeHangup})
			hangupTimer = time.NewTimer(s.timings.hangupDrain)
			hangupC = hangupTimer.C
		case sigTurnClosed:
			current = nil
		}
	}

	for {
		// Drain pipeline signals first so a finished turn's history commit
		// lands before the next transcript dispatches a new turn.
		select {
		case sig := <-s.signals:
			handleSignal(sig)
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			// Transport gone: no further messages can be delivered.
			return

		case <-s.stopCh:
			bargeIn("stop")
			sendDone()
			return

		case msg := <-s.ctrl:
			if _, ok := msg.(protocol.FinalAudioComplete); ok {
				if hangupFired {
					sendDone()
					return
				}
				log.Printf("session %s: final_audio_complete before hangup, ignoring", s.id)
			}

		case frame := <-s.mic:
			if hangupRequested {
				continue
			}
			resetTimer(idle, s.timings.asrIdle)
			if err := asrSession.SendAudio(s.ctx, frame); err != nil && s.ctx.Err() == nil {
				log.Printf("session %s: asr send failed: %v", s.id, err)
				m.ProviderErrors.WithLabelValues("asr", "send_failed").Inc()
			}

		case evt, ok := <-asrEvents:
			if !ok {
				if s.ctx.Err() != nil {
					return
				}
				log.Printf("session %s: asr stream closed", s.id)
				dropTurn()
				s.send(protocol.Status{Type: protocol.TypeStatus, Message: "error"})
				sendDone()
				return
			}
			switch evt.Type {
			case ASREventFinal:
				if hangupRequested {
					continue
				}
				text := strings.TrimSpace(evt.Text)
				if text == "" {
					continue
				}
				resetTimer(idle, s.timings.asrIdle)
				bargeIn("transcript")
				hist.Append(history.RoleUser, text)
				s.send(protocol.ASRFinal{Type: protocol.TypeASRFinal, Text: text})
				current = s.startTurn(p, hist.Snapshot())
			case ASREventVAD:
				if vadState.ShouldEmit(evt.State, time.Now()) {
					s.send(protocol.VAD{Type: protocol.TypeVAD, State: evt.State, Prob: evt.Prob})
				}
			case ASREventUtterance:
				s.send(protocol.Utterance{Type: protocol.TypeUtterance, Phase: evt.Phase})
				if evt.Phase == "begin" && !hangupRequested && current != nil && current.State() == turnStateDraining {
					bargeIn("utterance_begin")
				}
			case ASREventError:
				log.Printf("session %s: asr error %s: %s", s.id, evt.Code, evt.Detail)
				m.ProviderErrors.WithLabelValues("asr", evt.Code).Inc()
				dropTurn()
				s.send(protocol.Status{Type: protocol.TypeStatus, Message: "error"})
				sendDone()
				return
			}

		case sig := <-s.signals:
			handleSignal(sig)

		case <-hangupC:
			log.Printf("session %s: hangup drain timeout", s.id)
			m.SessionEvents.WithLabelValues("hangup_timeout").Inc()
			sendDone()
			return

		case <-idle.C:
			log.Printf("session %s: no audio activity, closing", s.id)
			m.SessionEvents.WithLabelValues("asr_idle_timeout").Inc()
			dropTurn()
			sendDone()
			return
		}
	}
}

// send delivers one outbound message. Critical protocol frames block briefly
// rather than drop; token/VAD/audio bursts drop when the writer is saturated
// so producers never stall.
func (s *Session) send(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	m := s.o.metrics

	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case s.outbound <- msg:
			m.ObserveOutboundMessage(msgType, "delivered")
		case <-s.ctx.Done():
			m.ObserveOutboundMessage(msgType, "cancelled")
		case <-timer.C:
			m.ObserveOutboundMessage(msgType, "timeout")
		}
		return
	}

	select {
	case s.outbound <- msg:
		m.ObserveOutboundMessage(msgType, "delivered")
	default:
		m.ObserveOutboundMessage(msgType, "dropped")
		m.BackpressureDrops.WithLabelValues("outbound").Inc()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.Status:
		return string(m.Type), true
	case protocol.ASRFinal:
		return string(m.Type), true
	case protocol.SegmentDone:
		return string(m.Type), true
	case protocol.TurnDone:
		return string(m.Type), true
	case protocol.Hangup:
		return string(m.Type), true
	case protocol.Done:
		return string(m.Type), true
	case protocol.Clear:
		return string(m.Type), true
	case protocol.LLMToken:
		return string(m.Type), false
	case protocol.VAD:
		return string(m.Type), false
	case protocol.Utterance:
		return string(m.Type), false
	case protocol.AudioChunk:
		return "audio_chunk", false
	default:
		return "unknown", false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
