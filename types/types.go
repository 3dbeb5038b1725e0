// Package types holds the wire and domain types shared by the agent
// loop, the team coordinator, and the HTTP API.
package types

// ActionLog is the append-only audit record of one tool invocation.
// Produced exactly once per tool call, never mutated afterwards.
type ActionLog struct {
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Result      interface{}            `json:"result"`
	Timestamp   string                 `json:"timestamp"`
	TxHash      string                 `json:"txHash,omitempty"`
	ExplorerURL string                 `json:"explorerUrl,omitempty"`
	// Trace holds the payment-resolution steps for tools that ran the
	// 402 protocol; empty for everything else.
	Trace []string `json:"trace,omitempty"`
}

// ChatMessage is one turn of conversation history. AgentName is set on
// assistant messages that originate from a named team member.
type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agentName,omitempty"`
}

// ChatRequest is the inbound single-agent chat payload.
type ChatRequest struct {
	Messages     []ChatMessage `json:"messages"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	AgentID      string        `json:"agentId"`
	AccessToken  string        `json:"accessToken,omitempty"`
}

// ChatResponse carries the model's final text plus the audit trail of
// every tool call made during the turn.
type ChatResponse struct {
	Reply   string      `json:"reply"`
	Actions []ActionLog `json:"actions"`
}

// AgentInfo identifies one member of a team.
type AgentInfo struct {
	ClientID    string `json:"clientId"`
	Name        string `json:"name"`
	Template    string `json:"template"`
	AccessToken string `json:"accessToken,omitempty"`
}

// AgentReply is one team member's contribution to a round.
type AgentReply struct {
	AgentID   string      `json:"agentId"`
	AgentName string      `json:"agentName"`
	Template  string      `json:"template"`
	Icon      string      `json:"icon"`
	Reply     string      `json:"reply"`
	Actions   []ActionLog `json:"actions"`
}

// TaskStatus is the lifecycle state of a coordination task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority orders tasks for the coordinator.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is the shared coordination unit. Tasks are created by users or
// by the coordinator and are never deleted automatically.
type Task struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Status     TaskStatus   `json:"status"`
	AssignedTo string       `json:"assignedTo,omitempty"`
	Priority   TaskPriority `json:"priority"`
}

// SuggestedTask is a task proposal extracted from an agent reply or
// produced by the coordinator; the caller decides whether to accept it.
type SuggestedTask struct {
	Title    string `json:"title"`
	AssignTo string `json:"assignTo"`
	Priority string `json:"priority"`
}

// TeamChatRequest is the inbound payload for a reactive team round.
type TeamChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Agents   []AgentInfo   `json:"agents"`
}

// TeamChatResponse aggregates the selected agents' replies.
type TeamChatResponse struct {
	Responses      []AgentReply    `json:"responses"`
	SuggestedTasks []SuggestedTask `json:"suggestedTasks,omitempty"`
}

// AutoRequest drives one round of the autonomous coordinator.
type AutoRequest struct {
	Goal      string        `json:"goal"`
	Agents    []AgentInfo   `json:"agents"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	Tasks     []Task        `json:"tasks,omitempty"`
	Iteration int           `json:"iteration"`
}

// AutoResponse is the outcome of one autonomous round.
type AutoResponse struct {
	Responses         []AgentReply    `json:"responses"`
	NewTasks          []SuggestedTask `json:"newTasks"`
	CompletedTaskIDs  []string        `json:"completedTaskIds"`
	InProgressTaskIDs []string        `json:"inProgressTaskIds"`
	Continue          bool            `json:"continue"`
	Summary           string          `json:"summary"`
	NextAction        string          `json:"nextAction"`
}

// ErrorResponse is the uniform error body for all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
