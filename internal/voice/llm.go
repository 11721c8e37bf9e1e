package voice

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/coldline-ai/coldline/internal/history"
)

// ChatModel streams persona replies and runs one-shot completions for the
// feedback scorer against an OpenAI-compatible chat endpoint.
type ChatModel struct {
	client oai.Client
	model  string
}

func NewChatModel(apiKey, baseURL, model string) (*ChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("llm: api key must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &ChatModel{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (m *ChatModel) StreamChat(ctx context.Context, system string, turns []history.Entry) (<-chan LLMEvent, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.model),
		Messages: buildMessages(system, turns),
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}

	ch := make(chan LLMEvent, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case ch <- LLMEvent{Type: LLMEventToken, Token: delta}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- LLMEvent{Type: LLMEventError, Code: "stream_failed", Detail: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (m *ChatModel) Complete(ctx context.Context, model, system, user string) (string, error) {
	if strings.TrimSpace(model) == "" {
		model = m.model
	}
	resp, err := m.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(system string, turns []history.Entry) []oai.ChatCompletionMessageParamUnion {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	for _, t := range turns {
		switch t.Role {
		case history.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(t.Content))
		default:
			messages = append(messages, oai.UserMessage(t.Content))
		}
	}
	return messages
}
