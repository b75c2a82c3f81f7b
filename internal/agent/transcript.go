package agent

// Role is the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one action requested by the model.
type ToolCall struct {
	ID   string
	Name string
	// Arguments is the decoded argument object.
	Arguments map[string]any
	// RawArguments is the JSON sent back to the model on later turns.
	RawArguments string
}

// Message is one immutable conversation turn. Images are never retained.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Transcript is the append-only conversation for one run. The system prompt
// is fixed at construction. A Transcript belongs to exactly one Driver run.
type Transcript struct {
	system   string
	messages []Message
}

// NewTranscript starts a conversation primed with a system prompt.
func NewTranscript(system string) *Transcript {
	return &Transcript{system: system}
}

// System returns the system prompt.
func (t *Transcript) System() string { return t.system }

// Append adds a turn at the end.
func (t *Transcript) Append(m Message) {
	if len(m.ToolCalls) > 0 {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	t.messages = append(t.messages, m)
}

// AppendToolResult records the outcome of a tool call.
func (t *Transcript) AppendToolResult(callID, content string) {
	t.Append(Message{Role: RoleTool, ToolCallID: callID, Content: content})
}

// Messages returns a copy of the turns in order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len is the number of turns, excluding the system prompt.
func (t *Transcript) Len() int { return len(t.messages) }

// ToolName resolves the function name of an earlier tool call by id.
func (t *Transcript) ToolName(callID string) string {
	for i := len(t.messages) - 1; i >= 0; i-- {
		for _, c := range t.messages[i].ToolCalls {
			if c.ID == callID {
				return c.Name
			}
		}
	}
	return ""
}
