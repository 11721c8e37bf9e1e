package voice

import (
	"context"

	"github.com/coldline-ai/coldline/internal/history"
)

type ASREventType string

const (
	ASREventFinal     ASREventType = "final"
	ASREventVAD       ASREventType = "vad"
	ASREventUtterance ASREventType = "utterance"
	ASREventError     ASREventType = "error"
)

type ASREvent struct {
	Type   ASREventType
	Text   string  // final
	State  string  // vad: speech|silence|noise
	Prob   float64 // vad
	Phase  string  // utterance: begin|end
	Code   string  // error
	Detail string  // error
}

// ASRSession is one open recognizer stream. SendAudio pushes a PCM16 16 kHz
// mic frame; cancellation of the StartSession context closes the underlying
// connection promptly and the event channel with it.
type ASRSession interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

type ASRProvider interface {
	StartSession(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error)
}

type LLMEventType string

const (
	LLMEventToken LLMEventType = "token"
	LLMEventError LLMEventType = "error"
)

type LLMEvent struct {
	Type   LLMEventType
	Token  string
	Code   string
	Detail string
}

// LLMProvider streams one chat completion per call. The channel carries token
// events and closes at end of stream; cancelling ctx abandons the stream.
// Complete is the non-streaming form used by the feedback scorer.
type LLMProvider interface {
	StreamChat(ctx context.Context, system string, turns []history.Entry) (<-chan LLMEvent, error)
	Complete(ctx context.Context, model, system, user string) (string, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type   TTSEventType
	PCM    []byte // PCM16 LE mono 48 kHz
	Code   string
	Detail string
}

// TTSProvider synthesizes one segment per call. The channel closes when the
// segment's audio is fully delivered; there is no end sentinel in-band.
type TTSProvider interface {
	Speak(ctx context.Context, text string) (<-chan TTSEvent, error)
}
