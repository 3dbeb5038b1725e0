package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/perkkite/agent-commerce/agentloop"
	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/types"
)

// Runner is one member agent's turn executor. *agentloop.Loop
// satisfies it.
type Runner interface {
	Run(ctx context.Context, systemPrompt string, history []types.ChatMessage, userMessage string) (agentloop.Result, error)
}

// LoopFactory builds the loop for one member agent with the given
// iteration bound. Construction happens per round so each member gets
// a fresh session with no shared state.
type LoopFactory func(agent types.AgentInfo, maxIterations int) (Runner, error)

// ErrNoAgents is returned when a request names no team members.
var ErrNoAgents = errors.New("team: no agents in request")

// ErrNoMessage is returned when a chat request has no user message.
var ErrNoMessage = errors.New("team: no message to route")

// Coordinator fans user input or an autonomous goal out across member
// agent loops.
type Coordinator struct {
	model     llms.Model
	loops     LoopFactory
	templates *TemplateSet
	log       *logger.Logger
}

// NewCoordinator wires the coordinator's model and member factory.
func NewCoordinator(model llms.Model, loops LoopFactory, templates *TemplateSet) *Coordinator {
	return &Coordinator{
		model:     model,
		loops:     loops,
		templates: templates,
		log:       logger.Component("team"),
	}
}

// Chat runs one reactive round: route the latest message to the
// members whose specialties fit, run their loops in parallel, and
// aggregate replies plus any inline task suggestions.
func (c *Coordinator) Chat(ctx context.Context, req types.TeamChatRequest) (types.TeamChatResponse, error) {
	if len(req.Agents) == 0 {
		return types.TeamChatResponse{}, ErrNoAgents
	}
	message, history := splitLastUserMessage(req.Messages)
	if message == "" {
		return types.TeamChatResponse{}, ErrNoMessage
	}

	selected := c.route(ctx, req.Agents, message)
	replies := c.runMembers(ctx, selected, history, message, agentloop.SingleTurnIterations)

	var suggested []types.SuggestedTask
	for i := range replies {
		for _, title := range agentloop.ExtractTasks(replies[i].Reply) {
			suggested = append(suggested, types.SuggestedTask{
				Title:    title,
				AssignTo: replies[i].AgentID,
				Priority: string(types.PriorityMedium),
			})
		}
		replies[i].Reply = agentloop.StripTaskMarkers(replies[i].Reply)
	}
	return types.TeamChatResponse{Responses: replies, SuggestedTasks: suggested}, nil
}

// routeTool is the single tool the routing step may call.
func routeTool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "route_to_agents",
			Description: "Select which team members should handle the message.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_ids": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Client ids of the selected agents",
					},
				},
				"required": []string{"agent_ids"},
			},
		},
	}
}

// route picks the member subset for a message. Any failure in the
// routing step falls back to routing to every member.
func (c *Coordinator) route(ctx context.Context, agents []types.AgentInfo, message string) []types.AgentInfo {
	var roster strings.Builder
	for _, a := range agents {
		t := c.templates.Lookup(a.Template)
		fmt.Fprintf(&roster, "- id %q: %s (%s)\n", a.ClientID, a.Name, t.Specialty)
	}
	system := "You are a team router. Given a user message and the team roster, call " +
		"route_to_agents with the ids of every member whose specialty is relevant. " +
		"Pick at least one.\n\nRoster:\n" + roster.String()

	resp, err := c.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, message),
		},
		llms.WithTools([]llms.Tool{routeTool()}),
		llms.WithToolChoice(map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": "route_to_agents"},
		}),
	)
	if err != nil {
		c.log.Warnf("routing step failed, routing to all: %v", err)
		return agents
	}

	ids := parseRouteCall(resp)
	if len(ids) == 0 {
		return agents
	}
	byID := make(map[string]types.AgentInfo, len(agents))
	for _, a := range agents {
		byID[a.ClientID] = a
	}
	var selected []types.AgentInfo
	seen := make(map[string]bool)
	for _, id := range ids {
		if a, ok := byID[id]; ok && !seen[id] {
			selected = append(selected, a)
			seen[id] = true
		}
	}
	if len(selected) == 0 {
		// Only unknown ids came back.
		c.log.Warnf("routing selected no known agents, routing to all")
		return agents
	}
	return selected
}

func parseRouteCall(resp *llms.ContentResponse) []string {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	for _, tc := range resp.Choices[0].ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "route_to_agents" {
			continue
		}
		var args struct {
			AgentIDs []string `json:"agent_ids"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
			return nil
		}
		return args.AgentIDs
	}
	return nil
}

// runMembers executes the selected loops in parallel. Results land in
// selection order; a member failure becomes a reply, never an abort.
func (c *Coordinator) runMembers(ctx context.Context, selected []types.AgentInfo, history []types.ChatMessage, instruction string, bound int) []types.AgentReply {
	return c.runAssignments(ctx, selected, history, uniformInstructions(selected, instruction), bound)
}

func (c *Coordinator) runAssignments(ctx context.Context, selected []types.AgentInfo, history []types.ChatMessage, instructions map[string]string, bound int) []types.AgentReply {
	replies := make([]types.AgentReply, len(selected))
	var wg sync.WaitGroup
	for i, agent := range selected {
		wg.Add(1)
		go func(i int, agent types.AgentInfo) {
			defer wg.Done()
			t := c.templates.Lookup(agent.Template)
			reply := types.AgentReply{
				AgentID:   agent.ClientID,
				AgentName: agent.Name,
				Template:  agent.Template,
				Icon:      t.Icon,
			}
			loop, err := c.loops(agent, bound)
			if err != nil {
				reply.Reply = fmt.Sprintf("Agent unavailable: %v", err)
				replies[i] = reply
				return
			}
			res, err := loop.Run(ctx, t.SystemPrompt, history, instructions[agent.ClientID])
			if err != nil {
				c.log.WithAgent(agent.ClientID).Error("member turn failed", err)
				reply.Reply = fmt.Sprintf("Agent failed this round: %v", err)
				reply.Actions = res.Actions
				replies[i] = reply
				return
			}
			reply.Reply = res.Reply
			reply.Actions = res.Actions
			replies[i] = reply
		}(i, agent)
	}
	wg.Wait()
	return replies
}

func uniformInstructions(agents []types.AgentInfo, instruction string) map[string]string {
	m := make(map[string]string, len(agents))
	for _, a := range agents {
		m[a.ClientID] = instruction
	}
	return m
}

// splitLastUserMessage returns the newest user message and everything
// before it as history.
func splitLastUserMessage(messages []types.ChatMessage) (string, []types.ChatMessage) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, messages[:i]
		}
	}
	return "", nil
}
