package conversation

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// Phase is the coarse position of a conversation. Phases are ordered and a
// thread only moves forward through them.
type Phase string

const (
	PhaseGreeting     Phase = "greeting"
	PhaseDiscovery    Phase = "discovery"
	PhaseNegotiation  Phase = "negotiation"
	PhaseConfirmation Phase = "confirmation"
	PhaseClosing      Phase = "closing"
	PhaseCompleted    Phase = "completed"
)

var phaseRank = map[Phase]int{
	PhaseGreeting:     0,
	PhaseDiscovery:    1,
	PhaseNegotiation:  2,
	PhaseConfirmation: 3,
	PhaseClosing:      4,
	PhaseCompleted:    5,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return phaseRank[p] < phaseRank[other]
}

// Turn is one recorded exchange.
type Turn struct {
	Seq            uint64    `json:"seq"`
	ThreadID       string    `json:"thread_id"`
	Speaker        Speaker   `json:"speaker"`
	Content        string    `json:"content"`
	Phase          Phase     `json:"phase,omitempty"`
	ActionID       string    `json:"action_id,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	FunctionCalled string    `json:"function_called,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NodeType classifies a flow node.
type NodeType string

const (
	NodeInstruction NodeType = "instruction"
	NodeQuestion    NodeType = "question"
	NodeTool        NodeType = "tool"
	NodeExplanation NodeType = "explanation"
	NodeReact       NodeType = "react"
)

// Node is one step of a scripted conversation flow.
type Node struct {
	ID             string   `json:"id" yaml:"id"`
	Type           NodeType `json:"type" yaml:"type"`
	Prompt         string   `json:"prompt" yaml:"prompt"`
	Next           string   `json:"next,omitempty" yaml:"next,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
}

// Topic is a block of information the agent intends to deliver.
type Topic struct {
	ID        string `json:"id" yaml:"id"`
	Content   string `json:"content" yaml:"content"`
	Order     int    `json:"order" yaml:"order"`
	Delivered bool   `json:"delivered" yaml:"-"`
}

// DeliveryProgress counts delivered topics.
type DeliveryProgress struct {
	Delivered int `json:"delivered"`
	Total     int `json:"total"`
	Remaining int `json:"remaining"`
}

// Stats is a monitoring snapshot of one thread.
type Stats struct {
	ThreadID       string           `json:"thread_id"`
	Phase          Phase            `json:"phase"`
	TurnsRecorded  uint64           `json:"turns_recorded"`
	TurnsInWindow  int              `json:"turns_in_window"`
	CompletedNodes int              `json:"completed_nodes"`
	PendingNodes   int              `json:"pending_nodes"`
	UserInfoItems  int              `json:"user_info_items"`
	Delivery       DeliveryProgress `json:"delivery"`
	CachedResults  int              `json:"cached_results"`
	WaitingForTask bool             `json:"waiting_for_task"`
	Uptime         time.Duration    `json:"uptime"`
}
