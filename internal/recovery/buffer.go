// Package recovery buffers modal submissions that arrive while the bot is
// locked for a reload. A modal the user already spent time filling in
// cannot be re-prompted by the platform, so the gate captures the values
// here and, once the lock clears, the buffer DMs the submitter a one-tap
// resend that reopens the form pre-filled.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/config"
	"github.com/basket/quartermaster/internal/corrid"
	"github.com/basket/quartermaster/internal/notify"
	qmotel "github.com/basket/quartermaster/internal/otel"
)

// resendHandler is the sub-handler name encoded into resend button ids.
const resendHandler = "recovery.resend"

// defaultDrainWait bounds how long a drain waits for the lock to clear.
// An admin who locks and walks away would otherwise pin the drain
// goroutine forever; giving up keeps the captures buffered for the
// drain the eventual unlock kicks off.
const defaultDrainWait = 30 * time.Minute

// capture is one buffered modal submission.
type capture struct {
	UserID        string
	CorrelationID string
	Title         string
	Fields        []notify.ModalField
	Values        map[string]string
	CapturedAt    time.Time
	PromptRef     notify.MessageRef // the DM prompt, deleted on resend
}

// Buffer holds captured submissions keyed by user and correlation id.
// Capturing the same key twice keeps the later values.
type Buffer struct {
	state    *config.State
	notifier notify.Notifier
	events   *bus.Bus
	metrics  *qmotel.Metrics
	logger   *slog.Logger

	drainWait time.Duration

	mu       sync.Mutex
	captured map[string]*capture
	draining bool
}

// Config holds the dependencies for the buffer.
type Config struct {
	State    *config.State
	Notifier notify.Notifier
	Events   *bus.Bus
	Metrics  *qmotel.Metrics
	Logger   *slog.Logger
}

func NewBuffer(cfg Config) *Buffer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		state:     cfg.State,
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    logger,
		drainWait: defaultDrainWait,
		captured:  make(map[string]*capture),
	}
}

func captureKey(userID, correlationID string) string {
	return userID + "\x00" + correlationID
}

// Capture buffers one locked-out modal submission. The modal definition is
// rebuilt from the submitted values so the eventual resend shows the form
// exactly as the user left it.
func (b *Buffer) Capture(ctx context.Context, ic *notify.Interaction, def notify.ModalDef) {
	values := make(map[string]string, len(ic.Values))
	for k, v := range ic.Values {
		values[k] = v
	}

	b.mu.Lock()
	b.captured[captureKey(ic.UserID, ic.CorrelationID)] = &capture{
		UserID:        ic.UserID,
		CorrelationID: ic.CorrelationID,
		Title:         def.Title,
		Fields:        def.Fields,
		Values:        values,
		CapturedAt:    time.Now(),
	}
	b.mu.Unlock()

	b.logger.Info("modal submission captured during lock",
		"user", ic.UserID, "correlation_id", ic.CorrelationID)
	if b.events != nil {
		b.events.Publish(bus.TopicModalCaptured, bus.ModalEvent{
			CorrelationID: ic.CorrelationID, UserID: ic.UserID,
		})
	}
	if b.metrics != nil {
		b.metrics.ModalCaptures.Add(ctx, 1, metric.WithAttributes(
			qmotel.AttrCorrelationID.String(ic.CorrelationID),
			qmotel.AttrUserID.String(ic.UserID)))
	}
}

// Size reports how many submissions are buffered.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.captured)
}

// WaitAndReplay blocks until the lock clears, then offers every buffered
// submission back to its submitter over DM. Only one drain runs at a
// time; a second call while one is in flight returns immediately.
// Submissions captured after the drain snapshot carry over to the next
// drain rather than being lost.
func (b *Buffer) WaitAndReplay(ctx context.Context) {
	b.mu.Lock()
	if b.draining || len(b.captured) == 0 {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	if !b.waitUnlocked(ctx) {
		return
	}

	// Snapshot the keys: captures landing mid-drain stay buffered.
	b.mu.Lock()
	keys := make([]string, 0, len(b.captured))
	for key := range b.captured {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.mu.Lock()
		c, ok := b.captured[key]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := b.offer(ctx, c); err != nil {
			b.logger.Error("modal replay offer failed",
				"user", c.UserID, "error", err)
		}
	}
}

// waitUnlocked polls the lock until it clears, the context ends, or the
// drain wait limit expires.
func (b *Buffer) waitUnlocked(ctx context.Context) bool {
	start := time.Now()
	deadline := time.NewTimer(b.drainWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for b.state.Locked() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			b.logger.Warn("gave up waiting for unlock, submissions stay buffered",
				"waited", time.Since(start), "buffered", b.Size())
			return false
		case <-ticker.C:
		}
	}
	if b.metrics != nil {
		b.metrics.LockWaitDuration.Record(ctx, time.Since(start).Seconds())
	}
	return true
}

// offer DMs the submitter a resend button carrying enough routing to
// reopen the form. The capture stays buffered until the button is pressed.
func (b *Buffer) offer(ctx context.Context, c *capture) error {
	resendID, err := resendCorrelationID(c)
	if err != nil {
		return err
	}

	ref, err := b.notifier.SendDirectMessage(ctx, c.UserID, notify.Message{
		Text: "Your form submission arrived while commands were being reloaded and was not processed. Tap below to resend it.",
		Buttons: []notify.Button{
			{Label: "Resend " + c.Title, CorrelationID: resendID},
		},
	})
	if err != nil {
		return fmt.Errorf("send recovery prompt: %w", err)
	}

	b.mu.Lock()
	if held, ok := b.captured[captureKey(c.UserID, c.CorrelationID)]; ok {
		held.PromptRef = ref
	}
	b.mu.Unlock()

	if b.events != nil {
		b.events.Publish(bus.TopicModalReplayed, bus.ModalEvent{
			CorrelationID: c.CorrelationID, UserID: c.UserID,
		})
	}
	if b.metrics != nil {
		b.metrics.ModalReplays.Add(ctx, 1, metric.WithAttributes(
			qmotel.AttrCorrelationID.String(c.CorrelationID),
			qmotel.AttrUserID.String(c.UserID)))
	}
	return nil
}

// resendCorrelationID wraps the original routing id so the gate can route
// the button press back to Resend. The original's handler and extras ride
// along as extra fields; IsResend reassembles them.
func resendCorrelationID(c *capture) (string, error) {
	original, err := corrid.Decode(c.CorrelationID)
	if err != nil {
		return "", fmt.Errorf("captured correlation id: %w", err)
	}
	extras := append([]string{original.Handler}, original.Extra...)
	return corrid.Encode(original.Audience, original.Command, resendHandler, extras...)
}

// IsResend reports whether a decoded component id targets the recovery
// resend flow, returning the original modal correlation id it wraps.
func IsResend(id corrid.ID) (string, bool) {
	if id.Handler != resendHandler || len(id.Extra) == 0 {
		return "", false
	}
	original := corrid.ID{
		Audience: id.Audience,
		Command:  id.Command,
		Handler:  id.Extra[0],
		Extra:    id.Extra[1:],
	}
	return original.String(), true
}

// Resend handles the button press: it deletes the prompt, reopens the
// modal pre-filled with the captured values, and evicts the capture. The
// field labels gain a "(resent)" marker so the user can tell the reopened
// form from a fresh one.
func (b *Buffer) Resend(ctx context.Context, ic *notify.Interaction, originalID string) error {
	key := captureKey(ic.UserID, originalID)

	b.mu.Lock()
	c, ok := b.captured[key]
	if ok {
		delete(b.captured, key)
	}
	b.mu.Unlock()

	if !ok {
		return b.notifier.Reply(ctx, ic, notify.Message{
			Text: "That submission has already been resent or expired.",
		})
	}

	if !c.PromptRef.Zero() {
		if err := b.notifier.DeleteMessage(ctx, c.PromptRef); err != nil {
			b.logger.Warn("delete recovery prompt failed", "error", err)
		}
	}

	fields := make([]notify.ModalField, len(c.Fields))
	for i, f := range c.Fields {
		fields[i] = notify.ModalField{
			Name:    f.Name,
			Label:   f.Label + " (resent)",
			Default: c.Values[f.Name],
		}
	}

	return b.notifier.ShowModal(ctx, ic, notify.ModalDef{
		CorrelationID: c.CorrelationID,
		Title:         c.Title,
		Fields:        fields,
	})
}
