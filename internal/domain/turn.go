package domain

// Role identifies the speaker of a normalized turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// RawKind records which lookup style the normalizer used for the source record.
type RawKind string

const (
	RawKindMapping RawKind = "mapping"
	RawKindObject  RawKind = "object"
)

// ToolCall is a tool invocation referenced by a turn. Arguments is never nil
// once produced by the normalizer.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Turn is the canonical conversation unit. Every field is populated after
// normalization; ToolCalls is an empty slice rather than nil.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
	RawKind   RawKind    `json:"raw_kind"`
}
