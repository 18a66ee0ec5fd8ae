package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ephemeralDelay is how long a self-clearing status message survives.
const ephemeralDelay = 10 * time.Second

// Dispatcher receives normalized interactions from the channel. The gate
// implements this; the adapter knows nothing about routing.
type Dispatcher interface {
	Dispatch(ctx context.Context, ic *Interaction)
}

// Telegram implements Notifier and Publisher on the Telegram Bot API, and
// runs the inbound long-poll loop that feeds the dispatcher.
//
// Telegram has no native modal dialogs; ShowModal renders the form as a
// force-reply prompt and the adapter reassembles the user's reply into a
// modal submission with the original correlation id.
type Telegram struct {
	token     string
	audiences map[int64]string // chat id -> audience name
	dispatch  Dispatcher
	logger    *slog.Logger

	bot botAPI

	// pendingModals maps a sent prompt's message id to its definition so a
	// reply to it can be decoded as a submission.
	pendingMu     sync.Mutex
	pendingModals map[int]ModalDef

	wg sync.WaitGroup
}

// botAPI is the slice of *tgbotapi.BotAPI the adapter uses, extracted so
// tests can substitute a recorder.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewTelegram creates the adapter. audiences maps destination chat ids to
// audience names for inbound routing.
func NewTelegram(token string, audiences map[int64]string, dispatch Dispatcher, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:         token,
		audiences:     audiences,
		dispatch:      dispatch,
		logger:        logger,
		pendingModals: make(map[int]ModalDef),
	}
}

// Start connects and runs the long-poll loop until ctx is canceled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// stream stalls past the long-poll window.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			t.handleUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	audience, ok := t.audiences[msg.Chat.ID]
	if !ok {
		// Direct messages route through the production audience so that
		// recovery resends and form replies work outside the main chats.
		audience = t.dmAudience()
	}

	// A reply to one of our modal prompts is a modal submission.
	if msg.ReplyToMessage != nil {
		if def, pending := t.takePendingModal(msg.ReplyToMessage.MessageID); pending {
			t.dispatch.Dispatch(ctx, &Interaction{
				Kind:          KindModal,
				Audience:      audience,
				CorrelationID: def.CorrelationID,
				Values:        parseFormReply(def, msg.Text),
				UserID:        strconv.FormatInt(msg.From.ID, 10),
				ChatID:        msg.Chat.ID,
			})
			return
		}
	}

	if msg.IsCommand() {
		t.dispatch.Dispatch(ctx, &Interaction{
			Kind:     KindCommand,
			Audience: audience,
			Command:  msg.Command(),
			Options:  parseCommandOptions(msg.CommandArguments()),
			UserID:   strconv.FormatInt(msg.From.ID, 10),
			ChatID:   msg.Chat.ID,
		})
	}
}

func (t *Telegram) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Stop the client-side spinner; failures are cosmetic.
	if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		t.logger.Debug("callback ack failed", "error", err)
	}
	if cb.Message == nil {
		return
	}

	audience, ok := t.audiences[cb.Message.Chat.ID]
	if !ok {
		audience = t.dmAudience()
	}
	t.dispatch.Dispatch(ctx, &Interaction{
		Kind:          KindComponent,
		Audience:      audience,
		CorrelationID: cb.Data,
		UserID:        strconv.FormatInt(cb.From.ID, 10),
		ChatID:        cb.Message.Chat.ID,
		MessageRef: MessageRef{
			ChatID:    cb.Message.Chat.ID,
			MessageID: cb.Message.MessageID,
		},
	})
}

// dmAudience picks the audience used for interactions arriving outside the
// configured chats.
func (t *Telegram) dmAudience() string {
	for _, name := range t.audiences {
		if name == "production" {
			return name
		}
	}
	for _, name := range t.audiences {
		return name
	}
	return "production"
}

func (t *Telegram) takePendingModal(messageID int) (ModalDef, bool) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	def, ok := t.pendingModals[messageID]
	if ok {
		delete(t.pendingModals, messageID)
	}
	return def, ok
}

// Notifier implementation.

func (t *Telegram) Reply(ctx context.Context, ic *Interaction, msg Message) error {
	ref, err := t.send(ic.ChatID, msg)
	if err != nil {
		return err
	}
	ic.Acked = true
	t.scheduleEphemeral(msg, ref)
	return nil
}

func (t *Telegram) DeferReply(ctx context.Context, ic *Interaction) error {
	// Telegram has no explicit defer; sending a typing action is the
	// closest visible acknowledgment.
	if _, err := t.bot.Request(tgbotapi.NewChatAction(ic.ChatID, tgbotapi.ChatTyping)); err != nil {
		return err
	}
	ic.Acked = true
	ic.Deferred = true
	return nil
}

func (t *Telegram) EditReply(ctx context.Context, ic *Interaction, msg Message) error {
	// Deferred acknowledgments have no message to edit on Telegram, so
	// the edit degrades to a fresh send.
	_, err := t.send(ic.ChatID, msg)
	return err
}

func (t *Telegram) FollowUp(ctx context.Context, ic *Interaction, msg Message) error {
	ref, err := t.send(ic.ChatID, msg)
	if err != nil {
		return err
	}
	t.scheduleEphemeral(msg, ref)
	return nil
}

func (t *Telegram) SendDirectMessage(ctx context.Context, userID string, msg Message) (MessageRef, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("bad user id %q: %w", userID, err)
	}
	return t.send(id, msg)
}

func (t *Telegram) DeleteMessage(ctx context.Context, ref MessageRef) error {
	if ref.Zero() {
		return nil
	}
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID))
	return err
}

func (t *Telegram) ShowModal(ctx context.Context, ic *Interaction, def ModalDef) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nReply to this message with one line per field:\n", def.Title)
	for _, f := range def.Fields {
		if f.Default != "" {
			fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Default)
		} else {
			fmt.Fprintf(&b, "%s: \n", f.Name)
		}
	}

	out := tgbotapi.NewMessage(ic.ChatID, b.String())
	out.ReplyMarkup = tgbotapi.ForceReply{ForceReply: true, Selective: true}
	sent, err := t.bot.Send(out)
	if err != nil {
		return fmt.Errorf("show modal: %w", err)
	}

	t.pendingMu.Lock()
	t.pendingModals[sent.MessageID] = def
	t.pendingMu.Unlock()
	return nil
}

func (t *Telegram) FetchUser(ctx context.Context, userID string) (User, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("bad user id %q: %w", userID, err)
	}
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: id},
	})
	if err != nil {
		return User{}, fmt.Errorf("fetch user %s: %w", userID, err)
	}
	name := chat.UserName
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return User{ID: userID, Name: name}, nil
}

// Publisher implementation.

func (t *Telegram) ReplaceCommands(ctx context.Context, chatID int64, schemas []CommandSchema) error {
	commands := make([]tgbotapi.BotCommand, 0, len(schemas))
	for _, s := range schemas {
		commands = append(commands, tgbotapi.BotCommand{
			Command:     s.Name,
			Description: s.Description,
		})
	}
	scope := tgbotapi.NewBotCommandScopeChat(chatID)
	cfg := tgbotapi.NewSetMyCommandsWithScope(scope, commands...)
	if _, err := t.bot.Request(cfg); err != nil {
		return fmt.Errorf("replace commands for chat %d: %w", chatID, err)
	}
	return nil
}

// Wait blocks until all fire-and-forget deletions have finished. Used by
// shutdown and tests.
func (t *Telegram) Wait() {
	t.wg.Wait()
}

func (t *Telegram) send(chatID int64, msg Message) (MessageRef, error) {
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, btn := range msg.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.CorrelationID),
			))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	sent, err := t.bot.Send(out)
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// scheduleEphemeral deletes the message after a fixed delay. Failures are
// swallowed: a stale status message is harmless.
func (t *Telegram) scheduleEphemeral(msg Message, ref MessageRef) {
	if !msg.Ephemeral || ref.Zero() {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		time.Sleep(ephemeralDelay)
		if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID)); err != nil {
			t.logger.Debug("ephemeral delete failed", "error", err)
		}
	}()
}

// parseCommandOptions parses "key=value key2=value with spaces" argument
// strings into an option map. Bare words accumulate under "args".
func parseCommandOptions(raw string) map[string]string {
	opts := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return opts
	}
	var bare []string
	for _, tok := range strings.Fields(raw) {
		if key, value, found := strings.Cut(tok, "="); found && key != "" {
			opts[key] = value
			continue
		}
		bare = append(bare, tok)
	}
	if len(bare) > 0 {
		opts["args"] = strings.Join(bare, " ")
	}
	return opts
}

// parseFormReply matches "name: value" lines from a form reply against the
// modal's declared fields. Unmatched fields keep their defaults.
func parseFormReply(def ModalDef, text string) map[string]string {
	values := make(map[string]string, len(def.Fields))
	for _, f := range def.Fields {
		values[f.Name] = f.Default
	}
	for _, line := range strings.Split(text, "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if _, known := values[name]; known {
			values[name] = strings.TrimSpace(value)
		}
	}
	return values
}
