package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/adeshpande/callscribe/internal/ai"
	"github.com/adeshpande/callscribe/pkg/logger"
)

// Client handles communication with the Gemini API through the official SDK
type Client struct {
	client *genai.Client
	logger *logger.Logger
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, apiKey string, log *logger.Logger) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		client: client,
		logger: log.Named("gemini"),
	}, nil
}

// -- ChatProvider Implementation --

func (c *Client) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(config.Temperature)),
	}
	if config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(config.MaxTokens)
	}

	// Gemini has no "system" role; system messages become the system
	// instruction, the rest map user/assistant onto user/model turns.
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			genConfig.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no user messages to send")
	}

	resp, err := c.client.Models.GenerateContent(ctx, config.Model, contents, genConfig)
	if err != nil {
		return "", fmt.Errorf("generate content failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("no text in response")
	}

	return text, nil
}
