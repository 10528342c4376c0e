package schema

import "time"

// TriggerType is how a flow gets started.
type TriggerType string

const (
	TriggerKeyword      TriggerType = "keyword"
	TriggerFirstMessage TriggerType = "first_message"
	TriggerSchedule     TriggerType = "schedule"
	TriggerWebhook      TriggerType = "webhook"
)

// NodeType enumerates the kinds of nodes in a flow graph.
type NodeType string

const (
	NodeTypeMessage   NodeType = "message"
	NodeTypeQuestion  NodeType = "question"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeTransfer  NodeType = "transfer"
)

// Action types available to action nodes.
const (
	ActionSetVariable     = "set_variable"
	ActionAssignAgent     = "assign_agent"
	ActionTagConversation = "tag_conversation"
	ActionHTTPRequest     = "http_request"
)

// Flow is an authored conversational script: a trigger plus a directed node graph.
type Flow struct {
	ID               string      `json:"id" yaml:"id"`
	Name             string      `json:"name" yaml:"name"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType      TriggerType `json:"trigger_type" yaml:"trigger_type"`
	TriggerValue     string      `json:"trigger_value,omitempty" yaml:"trigger_value,omitempty"`
	TriggerCondition string      `json:"trigger_condition,omitempty" yaml:"trigger_condition,omitempty"` // CEL, evaluated after the trigger matches
	IsActive         bool        `json:"is_active" yaml:"is_active"`
	EntryNodeID      string      `json:"entry_node_id" yaml:"entry_node_id"`
	Nodes            []Node      `json:"nodes" yaml:"nodes"`
	Version          int         `json:"version" yaml:"version,omitempty"`
	CreatedAt        time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time   `json:"updated_at" yaml:"-"`
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Node is one step of a flow.
type Node struct {
	ID          string       `json:"id" yaml:"id"`
	Type        NodeType     `json:"type" yaml:"type"`
	Data        NodeData     `json:"data" yaml:"data"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// NodeData holds the type-specific payload of a node. Only the fields relevant
// to the node's type are set.
type NodeData struct {
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	Question     string `json:"question,omitempty" yaml:"question,omitempty"`
	VariableName string `json:"variable_name,omitempty" yaml:"variable_name,omitempty"`

	Condition *ConditionSpec `json:"condition,omitempty" yaml:"condition,omitempty"`

	ActionType   string         `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	ActionConfig map[string]any `json:"action_config,omitempty" yaml:"action_config,omitempty"`

	DelaySeconds int `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`

	TransferMessage string `json:"transfer_message,omitempty" yaml:"transfer_message,omitempty"`
	DepartmentID    string `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
}

// ConditionSpec is the test performed by a condition node.
type ConditionSpec struct {
	Variable string `json:"variable" yaml:"variable"`
	Operator string `json:"operator" yaml:"operator"` // equals | not_equals | contains | not_contains | starts_with | ends_with | greater_than | less_than | is_empty | is_not_empty | expression
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Connection is a directed edge from a node to a target node.
type Connection struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	TargetNodeID string `json:"target_node_id" yaml:"target_node_id"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`         // "true"/"false" after condition nodes
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"` // literal answer match after question nodes
}

// Unconditioned reports whether the connection carries neither a label nor a condition.
func (c Connection) Unconditioned() bool {
	return c.Label == "" && c.Condition == ""
}

// MessageContext describes one inbound chat message.
type MessageContext struct {
	ConversationID string `json:"conversation_id"`
	Phone          string `json:"phone"`
	ContactName    string `json:"contact_name,omitempty"`
	MessageText    string `json:"message_text"`
	MessageType    string `json:"message_type,omitempty"`
}
