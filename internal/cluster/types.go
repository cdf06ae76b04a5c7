// Package cluster implements the optional master-worker deployment: a
// websocket control bus, an agent registry with heartbeat liveness, and the
// master-side request router that fans reasoning work out to worker
// processes and reclaims it when one dies.
package cluster

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentType classifies a cluster member.
type AgentType string

const (
	AgentMaster      AgentType = "master"
	AgentWorker      AgentType = "worker"
	AgentSpecialized AgentType = "specialized"
)

// AgentStatus is the registry's view of a member's availability.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentDead     AgentStatus = "dead"
	AgentStopping AgentStatus = "stopping"
)

// AgentInfo is one registry entry. CurrentTask is the session key the agent
// is working on, empty when idle.
type AgentInfo struct {
	ID             string      `json:"id"`
	Type           AgentType   `json:"type"`
	Status         AgentStatus `json:"status"`
	Capabilities   []string    `json:"capabilities,omitempty"`
	CurrentTask    string      `json:"current_task,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
	RegisteredAt   time.Time   `json:"registered_at"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// Clone returns a deep copy.
func (a *AgentInfo) Clone() *AgentInfo {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Capabilities = append([]string(nil), a.Capabilities...)
	return &clone
}

// MessageType is the envelope discriminator on the control bus.
type MessageType string

const (
	TypeCommand   MessageType = "command"
	TypeResponse  MessageType = "response"
	TypeHeartbeat MessageType = "heartbeat"
	TypeEvent     MessageType = "event"
)

// Command types carried by TypeCommand envelopes.
const (
	CmdRegister      = "register"
	CmdHandleRequest = "handle_request"
	CmdShutdown      = "shutdown"
)

// Envelope is one frame on the control bus. CorrelationID ties a response
// back to the command that caused it.
type Envelope struct {
	MsgID         string          `json:"msg_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SenderID      string          `json:"sender_id"`
	TargetID      string          `json:"target_id,omitempty"`
	Type          MessageType     `json:"type"`
	CommandType   string          `json:"command_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// NewEnvelope stamps a fresh envelope.
func NewEnvelope(sender, target string, typ MessageType, commandType string, payload json.RawMessage) *Envelope {
	return &Envelope{
		MsgID:       uuid.NewString(),
		SenderID:    sender,
		TargetID:    target,
		Type:        typ,
		CommandType: commandType,
		Payload:     payload,
		SentAt:      time.Now(),
	}
}

// RequestPayload is the handle_request command body: everything a worker
// needs to run one reasoning turn.
type RequestPayload struct {
	SessionKey string `json:"session_key"`
	Channel    string `json:"channel"`
	ChatID     string `json:"chat_id"`
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
}

// ResponsePayload is a worker's reply to handle_request.
type ResponsePayload struct {
	SessionKey string `json:"session_key"`
	Reply      string `json:"reply,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RegisterPayload announces a worker to the master.
type RegisterPayload struct {
	Agent AgentInfo `json:"agent"`
}

// HeartbeatPayload refreshes liveness and mirrors load counters.
type HeartbeatPayload struct {
	Status         AgentStatus `json:"status"`
	CurrentTask    string      `json:"current_task,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
}
