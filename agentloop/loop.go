package agentloop

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/types"
)

// Iteration bounds. A turn that keeps requesting tools gets one final
// tool-free generation after the bound, so the model can still answer.
const (
	SingleTurnIterations    = 5
	OrchestrationIterations = 20
)

// Result is a finished turn: the model's final text plus the audit
// trail of every tool call it made.
type Result struct {
	Reply   string
	Actions []types.ActionLog
}

// Loop drives one agent through a bounded tool-calling conversation.
type Loop struct {
	model         llms.Model
	tools         *Toolset
	maxIterations int
	log           *logger.Logger
}

// New builds a loop with the single-turn bound.
func New(model llms.Model, tools *Toolset) *Loop {
	return NewWithBound(model, tools, SingleTurnIterations)
}

// NewWithBound builds a loop with an explicit iteration bound.
func NewWithBound(model llms.Model, tools *Toolset, maxIterations int) *Loop {
	return &Loop{
		model:         model,
		tools:         tools,
		maxIterations: maxIterations,
		log:           logger.Component("agentloop"),
	}
}

// Run executes one turn: system prompt, prior history, then the user
// message, iterating on tool calls until the model answers in text or
// the bound forces a final answer.
func (l *Loop) Run(ctx context.Context, systemPrompt string, history []types.ChatMessage, userMessage string) (Result, error) {
	messages := seedMessages(systemPrompt, history, userMessage)
	var actions []types.ActionLog

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		resp, err := l.model.GenerateContent(ctx, messages, llms.WithTools(l.tools.Definitions()))
		if err != nil {
			return Result{Actions: actions}, fmt.Errorf("generation failed: %w", err)
		}
		choice := firstChoice(resp)
		if choice == nil {
			return Result{Actions: actions}, fmt.Errorf("model returned no choices")
		}
		if len(choice.ToolCalls) == 0 {
			return Result{Reply: choice.Content, Actions: actions}, nil
		}

		messages = append(messages, assistantToolCallMessage(choice))
		// Results go back in request order, keyed by call id, so the
		// conversation stays deterministic.
		for _, tc := range choice.ToolCalls {
			name, args := callNameArgs(tc)
			result, action := l.tools.Execute(ctx, name, args)
			actions = append(actions, action)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    result,
				}},
			})
		}
	}

	// Bound exhausted: one last generation without tool access.
	l.log.Warnf("iteration bound reached after %d tool calls, forcing final answer", len(actions))
	resp, err := l.model.GenerateContent(ctx, messages)
	if err != nil {
		return Result{Actions: actions}, fmt.Errorf("final generation failed: %w", err)
	}
	choice := firstChoice(resp)
	if choice == nil {
		return Result{Actions: actions}, fmt.Errorf("model returned no choices")
	}
	return Result{Reply: choice.Content, Actions: actions}, nil
}

func seedMessages(systemPrompt string, history []types.ChatMessage, userMessage string) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	if userMessage != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, userMessage))
	}
	return messages
}

func assistantToolCallMessage(choice *llms.ContentChoice) llms.MessageContent {
	msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
	if choice.Content != "" {
		msg.Parts = append(msg.Parts, llms.TextContent{Text: choice.Content})
	}
	for _, tc := range choice.ToolCalls {
		msg.Parts = append(msg.Parts, tc)
	}
	return msg
}

func callNameArgs(tc llms.ToolCall) (string, string) {
	if tc.FunctionCall == nil {
		return "", ""
	}
	return tc.FunctionCall.Name, tc.FunctionCall.Arguments
}

func firstChoice(resp *llms.ContentResponse) *llms.ContentChoice {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0]
}
