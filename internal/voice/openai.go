package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"surplus-service/internal/util"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const extractionPrompt = `You extract stock corrections from short cafeteria staff voice commands in Spanish or English.
Reply with a JSON object {"dish": string, "quantity": integer}.
"dish" is the dish name fragment exactly as spoken, "quantity" the number of portions to add.
If the command removes portions, use a negative quantity. If no dish or quantity is present, use "" and 0.`

// OpenAIParser asks a chat model to extract the command and falls back to the rule
// parser when the model is unavailable or answers nonsense.
type OpenAIParser struct {
	client   *openai.Client
	model    string
	fallback Parser
	logger   *zap.Logger
}

func NewOpenAIParser(apiKey, model string) *OpenAIParser {
	return NewOpenAIParserWithConfig(openai.DefaultConfig(apiKey), model)
}

func NewOpenAIParserWithConfig(cfg openai.ClientConfig, model string) *OpenAIParser {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIParser{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		fallback: RuleParser{},
		logger:   util.GetLogger(),
	}
}

func (p *OpenAIParser) Parse(ctx context.Context, transcript string) (*Command, error) {
	ctx, span := util.StartSpan(ctx, "OpenAIParser.Parse")
	defer span.End()

	cmd, err := p.extract(ctx, transcript)
	if err != nil {
		p.logger.Warn("Model extraction failed, using rule parser", zap.Error(err))
		return p.fallback.Parse(ctx, transcript)
	}
	if cmd.Quantity < 0 {
		return nil, ErrSubtractive
	}
	if cmd.Quantity == 0 {
		return nil, ErrNoQuantity
	}
	if strings.TrimSpace(cmd.DishFragment) == "" {
		return nil, ErrNoDish
	}
	return cmd, nil
}

func (p *OpenAIParser) extract(ctx context.Context, transcript string) (*Command, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		MaxTokens:      60,
		Temperature:    0,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	var cmd Command
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &cmd); err != nil {
		return nil, fmt.Errorf("model returned invalid json: %w", err)
	}
	return &cmd, nil
}
