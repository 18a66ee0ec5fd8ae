// Package notify defines the narrow capability surfaces through which the
// core talks to the chat platform, plus the Telegram implementation. The
// gate, runner, and handlers depend only on the interfaces here.
package notify

import (
	"context"
)

// Kind distinguishes inbound interaction shapes.
type Kind int

const (
	KindCommand Kind = iota
	KindModal
	KindComponent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindModal:
		return "modal"
	case KindComponent:
		return "component"
	default:
		return "unknown"
	}
}

// Interaction is one inbound event from the chat platform, normalized
// away from any one platform's update shape.
type Interaction struct {
	Kind     Kind
	Audience string

	// Command and Options are set for KindCommand.
	Command string
	Options map[string]string

	// CorrelationID is the raw routing id for KindModal and KindComponent.
	CorrelationID string

	// Values holds submitted modal field values for KindModal.
	Values map[string]string

	UserID string
	ChatID int64

	// MessageRef points at the message carrying the component, when the
	// platform provides one (used by recovery resend to delete its prompt).
	MessageRef MessageRef

	// Acked and Deferred track acknowledgment state so the gate's ack
	// helper can choose between an initial reply and a follow-up.
	Acked    bool
	Deferred bool
}

// MessageRef identifies a sent message for later edit or deletion.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Zero reports whether the ref points at nothing.
func (r MessageRef) Zero() bool {
	return r.ChatID == 0 && r.MessageID == 0
}

// Button is an interactive affordance attached to a message. Pressing it
// returns CorrelationID verbatim as a component interaction.
type Button struct {
	Label         string
	CorrelationID string
}

// Message is outbound rich content.
type Message struct {
	Text    string
	Buttons []Button

	// Ephemeral asks the notifier to delete the message after a short
	// fixed delay (fire-and-forget; deletion failures are swallowed).
	Ephemeral bool
}

// ModalField is one input in a modal form.
type ModalField struct {
	Name    string
	Label   string
	Default string
}

// ModalDef is a modal form definition. CorrelationID routes the eventual
// submission back to the owning command's sub-handler.
type ModalDef struct {
	CorrelationID string
	Title         string
	Fields        []ModalField
}

// User is the minimal identity the core needs.
type User struct {
	ID   string
	Name string
}

// Notifier is the outbound chat-platform capability. Every call may fail
// (network, permissions); callers must treat failures as non-fatal.
type Notifier interface {
	// Reply sends the initial response to an interaction. The ack helper
	// in the gate decides between Reply and FollowUp; handlers should go
	// through the gate's helper rather than tracking Acked themselves.
	Reply(ctx context.Context, ic *Interaction, msg Message) error

	// DeferReply acknowledges the interaction without content.
	DeferReply(ctx context.Context, ic *Interaction) error

	// EditReply replaces the deferred or initial response.
	EditReply(ctx context.Context, ic *Interaction, msg Message) error

	// FollowUp sends an additional response after Reply or DeferReply.
	FollowUp(ctx context.Context, ic *Interaction, msg Message) error

	SendDirectMessage(ctx context.Context, userID string, msg Message) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// ShowModal opens a modal form for the interacting user.
	ShowModal(ctx context.Context, ic *Interaction, def ModalDef) error

	FetchUser(ctx context.Context, userID string) (User, error)
}

// CommandSchema is the declarative surface of one command, published in
// bulk to the platform.
type CommandSchema struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Options     []OptionSchema `yaml:"options"`
}

// OptionSchema is one typed command option.
type OptionSchema struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"` // "string", "integer", "boolean", "user"
	Required    bool   `yaml:"required"`
}

// Publisher replaces the registered command set for one audience
// destination. The replace is an idempotent bulk operation, not a diff.
type Publisher interface {
	ReplaceCommands(ctx context.Context, chatID int64, schemas []CommandSchema) error
}
