package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/perkkite/agent-commerce/agentloop"
	"github.com/perkkite/agent-commerce/types"
)

// MaxRounds bounds the autonomous planning loop.
const MaxRounds = 10

// ErrNoGoal is returned when an autonomous request carries no goal.
var ErrNoGoal = errors.New("team: no goal")

// roundPlan is the coordinator step's output for one round.
type roundPlan struct {
	newTasks      []types.SuggestedTask
	assignments   map[string]string
	completedIDs  []string
	inProgressIDs []string
	summary       string
	nextAction    string
	cont          bool
	ok            bool
}

// RunRound executes one autonomous round: the coordinator step plans
// (tasks, routing, continue/stop), routed members run in parallel,
// then task state is updated for the next round.
func (c *Coordinator) RunRound(ctx context.Context, req types.AutoRequest, store *TaskStore) (types.AutoResponse, error) {
	if len(req.Agents) == 0 {
		return types.AutoResponse{}, ErrNoAgents
	}
	if strings.TrimSpace(req.Goal) == "" {
		return types.AutoResponse{}, ErrNoGoal
	}
	if req.Iteration >= MaxRounds {
		return types.AutoResponse{
			Continue: false,
			Summary:  fmt.Sprintf("Round budget (%d) exhausted.", MaxRounds),
		}, nil
	}
	store.Seed(req.Tasks)

	plan := c.plan(ctx, req, store.Open())
	if !plan.ok {
		// Coordinator-step failure ends the run rather than raising.
		return types.AutoResponse{
			Continue: false,
			Summary:  "Coordination step failed; stopping.",
		}, nil
	}

	instructions := plan.assignments
	if len(instructions) == 0 {
		// No explicit routing from the coordinator: every member works
		// the goal directly.
		instructions = uniformInstructions(req.Agents, req.Goal)
	}
	var selected []types.AgentInfo
	for _, a := range req.Agents {
		if _, ok := instructions[a.ClientID]; ok {
			selected = append(selected, a)
		}
	}
	replies := c.runAssignments(ctx, selected, req.Messages, instructions, agentloop.OrchestrationIterations)

	for _, t := range plan.newTasks {
		store.Add(t.Title, t.AssignTo, types.TaskPriority(t.Priority))
	}
	store.SetStatus(plan.completedIDs, types.TaskCompleted)
	store.SetStatus(plan.inProgressIDs, types.TaskInProgress)

	c.log.Infof("round %d: %d agents ran, %d new tasks, continue=%t", req.Iteration, len(replies), len(plan.newTasks), plan.cont)
	return types.AutoResponse{
		Responses:         replies,
		NewTasks:          plan.newTasks,
		CompletedTaskIDs:  plan.completedIDs,
		InProgressTaskIDs: plan.inProgressIDs,
		Continue:          plan.cont,
		Summary:           plan.summary,
		NextAction:        plan.nextAction,
	}, nil
}

// RunAutonomous drives rounds until the coordinator stops, the budget
// runs out, or the stop signal fires. The signal is checked only at
// round boundaries; a round in flight always finishes.
func (c *Coordinator) RunAutonomous(ctx context.Context, req types.AutoRequest, stop <-chan struct{}) ([]types.AutoResponse, error) {
	store := NewTaskStore()
	store.Seed(req.Tasks)

	var rounds []types.AutoResponse
	for i := req.Iteration; i < MaxRounds; i++ {
		select {
		case <-stop:
			c.log.Infof("stop requested, ending before round %d", i)
			return rounds, nil
		case <-ctx.Done():
			return rounds, ctx.Err()
		default:
		}
		req.Iteration = i
		req.Tasks = store.List()
		res, err := c.RunRound(ctx, req, store)
		if err != nil {
			return rounds, err
		}
		rounds = append(rounds, res)
		for _, r := range res.Responses {
			req.Messages = append(req.Messages, types.ChatMessage{
				Role:      "assistant",
				Content:   r.Reply,
				AgentName: r.AgentName,
			})
		}
		if !res.Continue {
			break
		}
	}
	return rounds, nil
}

// plan runs the coordinator step: one generation offered three tools.
// Calls are applied by type regardless of arrival order; orchestrate
// is the terminal signal and must be present for the round to count.
func (c *Coordinator) plan(ctx context.Context, req types.AutoRequest, openTasks []types.Task) roundPlan {
	resp, err := c.model.GenerateContent(ctx,
		c.planMessages(req, openTasks),
		llms.WithTools(planTools()),
	)
	if err != nil {
		c.log.Warnf("coordinator step failed: %v", err)
		return roundPlan{}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return roundPlan{}
	}

	plan := roundPlan{assignments: map[string]string{}}
	for _, tc := range resp.Choices[0].ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		switch tc.FunctionCall.Name {
		case "create_tasks":
			var args struct {
				Tasks []struct {
					Title    string `json:"title"`
					AssignTo string `json:"assign_to"`
					Priority string `json:"priority"`
				} `json:"tasks"`
			}
			if json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args) != nil {
				continue
			}
			for _, t := range args.Tasks {
				if t.Title == "" {
					continue
				}
				plan.newTasks = append(plan.newTasks, types.SuggestedTask{
					Title:    t.Title,
					AssignTo: t.AssignTo,
					Priority: t.Priority,
				})
			}
		case "route_to_agents":
			var args struct {
				Assignments []struct {
					AgentID     string `json:"agent_id"`
					Instruction string `json:"instruction"`
				} `json:"assignments"`
			}
			if json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args) != nil {
				continue
			}
			for _, a := range args.Assignments {
				if a.AgentID == "" {
					continue
				}
				instruction := a.Instruction
				if instruction == "" {
					instruction = req.Goal
				}
				plan.assignments[a.AgentID] = instruction
			}
		case "orchestrate":
			var args struct {
				Summary           string   `json:"summary"`
				Continue          bool     `json:"continue"`
				NextAction        string   `json:"next_action"`
				CompletedTaskIDs  []string `json:"completed_task_ids"`
				InProgressTaskIDs []string `json:"in_progress_task_ids"`
			}
			if json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args) != nil {
				continue
			}
			plan.summary = args.Summary
			plan.cont = args.Continue
			plan.nextAction = args.NextAction
			plan.completedIDs = args.CompletedTaskIDs
			plan.inProgressIDs = args.InProgressTaskIDs
			plan.ok = true
		}
	}
	return plan
}

func (c *Coordinator) planMessages(req types.AutoRequest, openTasks []types.Task) []llms.MessageContent {
	var roster strings.Builder
	for _, a := range req.Agents {
		t := c.templates.Lookup(a.Template)
		fmt.Fprintf(&roster, "- id %q: %s (%s)\n", a.ClientID, a.Name, t.Specialty)
	}
	var tasks strings.Builder
	if len(openTasks) == 0 {
		tasks.WriteString("(none)\n")
	}
	for _, t := range openTasks {
		fmt.Fprintf(&tasks, "- [%s] %q id=%s assigned=%s\n", t.Status, t.Title, t.ID, t.AssignedTo)
	}
	system := fmt.Sprintf(
		"You coordinate a team of agents toward a goal, one round at a time. "+
			"Plan the round by calling the tools: create_tasks for new work items, "+
			"route_to_agents with a concrete instruction per agent that should act this round, "+
			"and finally orchestrate with the round summary, task status updates, and whether "+
			"another round is needed. Always call orchestrate last.\n\n"+
			"Round %d of %d.\nTeam:\n%sOpen tasks:\n%s",
		req.Iteration+1, MaxRounds, roster.String(), tasks.String(),
	)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, "Goal: "+req.Goal),
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	return messages
}

func planTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "create_tasks",
				Description: "Create new shared tasks for the team.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"tasks": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"title":     map[string]interface{}{"type": "string"},
									"assign_to": map[string]interface{}{"type": "string"},
									"priority":  map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high"}},
								},
								"required": []string{"title"},
							},
						},
					},
					"required": []string{"tasks"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "route_to_agents",
				Description: "Give each acting agent its instruction for this round.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"assignments": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"agent_id":    map[string]interface{}{"type": "string"},
									"instruction": map[string]interface{}{"type": "string"},
								},
								"required": []string{"agent_id", "instruction"},
							},
						},
					},
					"required": []string{"assignments"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "orchestrate",
				Description: "Close the round: summary, task status updates, and whether to continue. Must be the final call.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"summary":              map[string]interface{}{"type": "string"},
						"continue":             map[string]interface{}{"type": "boolean"},
						"next_action":          map[string]interface{}{"type": "string"},
						"completed_task_ids":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"in_progress_task_ids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
					"required": []string{"summary", "continue"},
				},
			},
		},
	}
}
