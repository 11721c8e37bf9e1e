package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeStart              MessageType = "start"
	TypeStop               MessageType = "stop"
	TypeFinalAudioComplete MessageType = "final_audio_complete"

	// Server -> client.
	TypeStatus      MessageType = "status"
	TypeASRFinal    MessageType = "asr_final"
	TypeLLMToken    MessageType = "llm_token"
	TypeSegmentDone MessageType = "segment_done"
	TypeTurnDone    MessageType = "turn_done"
	TypeHangup      MessageType = "hangup"
	TypeDone        MessageType = "done"
	TypeClear       MessageType = "clear"
	TypeVAD         MessageType = "vad"
	TypeUtterance   MessageType = "utterance"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Start opens the session. Must be the first text frame on the connection.
type Start struct {
	Type    MessageType `json:"type"`
	Persona string      `json:"persona"`
}

// Stop is a user-initiated hangup.
type Stop struct {
	Type MessageType `json:"type"`
}

// FinalAudioComplete is sent by the client after local playback drains the
// closing phrase of a hangup turn.
type FinalAudioComplete struct {
	Type MessageType `json:"type"`
}

type Status struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ASRFinal struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type LLMToken struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type SegmentDone struct {
	Type    MessageType `json:"type"`
	IsFinal bool        `json:"is_final"`
}

type TurnDone struct {
	Type MessageType `json:"type"`
}

type Hangup struct {
	Type MessageType `json:"type"`
}

type Done struct {
	Type MessageType `json:"type"`
}

// Clear tells the client to fade out and discard queued playback audio.
type Clear struct {
	Type MessageType `json:"type"`
}

type VAD struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
	Prob  float64     `json:"prob"`
}

type Utterance struct {
	Type  MessageType `json:"type"`
	Phase string      `json:"phase"`
}

// AudioChunk is not a JSON payload: the gateway writes its PCM bytes as one
// binary websocket frame (PCM16 little-endian mono 48 kHz).
type AudioChunk struct {
	PCM []byte
}

type clientInbound struct {
	Type    MessageType `json:"type"`
	Persona string      `json:"persona"`
}

// ParseClientMessage decodes one inbound text frame into its typed variant.
// Unknown types return ErrUnsupportedType so the caller can log and ignore.
func ParseClientMessage(raw []byte) (any, error) {
	var inbound clientInbound
	if err := json.Unmarshal(raw, &inbound); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch inbound.Type {
	case TypeStart:
		if strings.TrimSpace(inbound.Persona) == "" {
			return nil, errors.New("invalid start: persona is required")
		}
		return Start{Type: TypeStart, Persona: strings.TrimSpace(inbound.Persona)}, nil
	case TypeStop:
		return Stop{Type: TypeStop}, nil
	case TypeFinalAudioComplete:
		return FinalAudioComplete{Type: TypeFinalAudioComplete}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
