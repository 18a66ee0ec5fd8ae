package notify

import "context"

// Discard is a Notifier that drops everything. It stands in when no chat
// transport is configured, so handlers and tasks can still run (and be
// exercised from tests) without a live platform.
type Discard struct{}

func (Discard) Reply(ctx context.Context, ic *Interaction, msg Message) error     { return nil }
func (Discard) DeferReply(ctx context.Context, ic *Interaction) error             { return nil }
func (Discard) EditReply(ctx context.Context, ic *Interaction, msg Message) error { return nil }
func (Discard) FollowUp(ctx context.Context, ic *Interaction, msg Message) error  { return nil }
func (Discard) SendDirectMessage(ctx context.Context, userID string, msg Message) (MessageRef, error) {
	return MessageRef{}, nil
}
func (Discard) DeleteMessage(ctx context.Context, ref MessageRef) error          { return nil }
func (Discard) ShowModal(ctx context.Context, ic *Interaction, def ModalDef) error { return nil }
func (Discard) FetchUser(ctx context.Context, userID string) (User, error) {
	return User{ID: userID}, nil
}
