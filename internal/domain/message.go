package domain

// Role tags who a message is attributed to when the history is replayed to
// the model.
type Role string

const (
	// RoleUser marks instructions: the seed and every adapted critique.
	RoleUser Role = "user"
	// RoleAssistant marks generation output.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used for framing text at the model boundary and is
	// never stored in a run's history.
	RoleSystem Role = "system"
)

// Message is the provider-agnostic chat message shape shared by the workflow,
// the exchange layer and the LLM integrations.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}
