package models

// AgentRun is one phone-agent invocation against a device.
type AgentRun struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	Instruction string `json:"instruction"`
	Status      string `json:"status"` // running, done, failed, cancelled
	Result      string `json:"result,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
}

// LogEntry is one classified agent log line pushed to log subscribers.
type LogEntry struct {
	DeviceID  string      `json:"device_id"`
	Category  string      `json:"category"`
	Message   string      `json:"message"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

// Log categories emitted by the agent log broker.
const (
	LogInfo          = "info"
	LogStep          = "step"
	LogModelRequest  = "model_request"
	LogModelResponse = "model_response"
	LogAction        = "action"
	LogError         = "error"
)
