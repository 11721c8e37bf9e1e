package app

import (
	"fmt"
	"log"

	"github.com/coldline-ai/coldline/internal/config"
	"github.com/coldline-ai/coldline/internal/feedback"
	"github.com/coldline-ai/coldline/internal/httpapi"
	"github.com/coldline-ai/coldline/internal/observability"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/voice"
)

// BuildResult bundles the wired service.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Metrics  *observability.Metrics
	Provider string
}

// Build resolves providers from config and wires the orchestrator, scorer and
// HTTP server together.
func Build(cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	personas := persona.NewRegistry()
	if cfg.PersonaFile != "" {
		var err error
		personas, err = persona.NewRegistryFromFile(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("persona registry init failed: %w", err)
		}
		log.Printf("personas loaded from %s", cfg.PersonaFile)
	}

	setup, err := resolveProviders(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("voice provider: %s", setup.detail)

	orchestrator := voice.NewOrchestrator(setup.asr, setup.llm, setup.tts, personas, metrics)
	scorer := feedback.NewScorer(setup.llm, cfg.FeedbackModel)
	api := httpapi.New(cfg, orchestrator, scorer, personas, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Metrics:  metrics,
		Provider: setup.resolved,
	}, nil
}

type providerSetup struct {
	asr      voice.ASRProvider
	llm      voice.LLMProvider
	tts      voice.TTSProvider
	resolved string
	detail   string
}

func resolveProviders(cfg config.Config) (providerSetup, error) {
	tryRealtime := func() (providerSetup, error) {
		llm, err := voice.NewChatModel(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel)
		if err != nil {
			return providerSetup{}, fmt.Errorf("llm init failed: %w", err)
		}
		return providerSetup{
			asr: voice.NewRealtimeASRProvider(voice.RealtimeASRConfig{
				APIKey:    cfg.ASRAPIKey,
				WSBaseURL: cfg.ASRWSBaseURL,
				ModelID:   cfg.ASRModelID,
			}),
			llm: llm,
			tts: voice.NewRealtimeTTSProvider(voice.RealtimeTTSConfig{
				APIKey:    cfg.TTSAPIKey,
				WSBaseURL: cfg.TTSWSBaseURL,
				VoiceID:   cfg.TTSVoiceID,
				ModelID:   cfg.TTSModelID,
			}),
			resolved: "realtime",
			detail:   "realtime (streaming asr/llm/tts)",
		}, nil
	}

	mock := func(detail string) providerSetup {
		return providerSetup{
			asr:      voice.NewMockProvider(),
			llm:      voice.NewMockLLM(),
			tts:      voice.NewMockTTS(),
			resolved: "mock",
			detail:   detail,
		}
	}

	switch cfg.VoiceProvider {
	case "realtime":
		if !cfg.RealtimeConfigured() {
			return providerSetup{}, fmt.Errorf("VOICE_PROVIDER=realtime but ASR_API_KEY, TTS_API_KEY or OPENAI_API_KEY is not set")
		}
		return tryRealtime()
	case "mock":
		return mock("mock"), nil
	default: // auto
		if cfg.RealtimeConfigured() {
			return tryRealtime()
		}
		return mock("mock (service keys not configured)"), nil
	}
}
