package messagequeue

import "time"

// RunStartPayload is the schema for runs.start messages.
type RunStartPayload struct {
	DispatchID  string            `json:"dispatch_id"`
	TaskID      string            `json:"task_id"`
	AgentType   string            `json:"agent_type,omitempty"`
	Model       string            `json:"model,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	ExtraArgs   []string          `json:"extra_args,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

// RunCancelPayload is the schema for runs.cancel messages.
type RunCancelPayload struct {
	TaskID string `json:"task_id"`
}

// TaskOutputPayload is the schema for tasks.output messages.
type TaskOutputPayload struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
	Stream string `json:"stream"`
}

// TaskStatusPayload is the schema for tasks.status messages.
type TaskStatusPayload struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
