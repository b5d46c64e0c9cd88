package nodeflow

import (
	"log/slog"
	"time"
)

// NodeType identifies which executor runs a node.
type NodeType string

const (
	NodeTypeInitial        NodeType = "INITIAL"
	NodeTypeManualTrigger  NodeType = "MANUAL_TRIGGER"
	NodeTypeFormTrigger    NodeType = "GOOGLE_FORM_TRIGGER"
	NodeTypePaymentTrigger NodeType = "STRIPE_TRIGGER"
	NodeTypeHTTPRequest    NodeType = "HTTP_REQUEST"
	NodeTypeOpenAI         NodeType = "OPENAI"
	NodeTypeAnthropic      NodeType = "ANTHROPIC"
	NodeTypeGemini         NodeType = "GEMINI"
	NodeTypeDiscord        NodeType = "DISCORD"
	NodeTypeSlack          NodeType = "SLACK"
)

// NodeTypes lists every built-in node type.
var NodeTypes = []NodeType{
	NodeTypeInitial,
	NodeTypeManualTrigger,
	NodeTypeFormTrigger,
	NodeTypePaymentTrigger,
	NodeTypeHTTPRequest,
	NodeTypeOpenAI,
	NodeTypeAnthropic,
	NodeTypeGemini,
	NodeTypeDiscord,
	NodeTypeSlack,
}

// IsTrigger reports whether the type is a workflow entry point.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeTypeManualTrigger, NodeTypeFormTrigger, NodeTypePaymentTrigger:
		return true
	}
	return false
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Node is a typed unit of work in a workflow graph. Data is interpreted only
// by the executor registered for Type.
type Node struct {
	ID   string         `json:"id"`
	Type NodeType       `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// StringField returns Data[key] when it is a string.
func (n Node) StringField(key string) string {
	if n.Data == nil {
		return ""
	}
	s, _ := n.Data[key].(string)
	return s
}

// Connection is a directed edge: To runs after From.
type Connection struct {
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
}

// Workflow is a user owned graph of nodes and connections.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	OwnerID     string       `json:"ownerId"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// CanTransition reports whether moving from s to next is legal. Transitions
// are monotonic: PENDING -> RUNNING -> SUCCESS|FAILED. A pending execution may
// fail directly when it cannot be started (for example a cyclic graph).
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionSuccess || next == ExecutionFailed
	}
	return false
}

// Execution is one run of a workflow.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflowId"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	InitialContext Context         `json:"initialContext"`
	FinalContext   Context         `json:"finalContext,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// CredentialType names the provider a secret belongs to.
type CredentialType string

const (
	CredentialOpenAI    CredentialType = "OPENAI"
	CredentialAnthropic CredentialType = "ANTHROPIC"
	CredentialGemini    CredentialType = "GEMINI"
)

// Credential is a stored secret. Value is ciphertext.
type Credential struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      CredentialType `json:"type"`
	Name      string         `json:"name"`
	Value     string         `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ResolvedCredential carries a decrypted secret for the duration of one node
// execution. It is never persisted or published.
type ResolvedCredential struct {
	ID    string
	Type  CredentialType
	Value string
}

// String hides the secret from logs and fmt verbs.
func (c ResolvedCredential) String() string {
	return "credential(" + c.ID + ")"
}

// LogValue hides the secret from slog.
func (c ResolvedCredential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
