package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestParseCommandOptions(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"keyed", "item=iron qty=20", map[string]string{"item": "iron", "qty": "20"}},
		{"bare words", "iron ingot", map[string]string{"args": "iron ingot"}},
		{"mixed", "qty=3 iron ingot", map[string]string{"qty": "3", "args": "iron ingot"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseCommandOptions(tc.raw)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("option %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestParseFormReply(t *testing.T) {
	def := ModalDef{
		Fields: []ModalField{
			{Name: "item", Default: "iron"},
			{Name: "qty", Default: "1"},
		},
	}

	values := parseFormReply(def, "item: copper\nunknown: x\nqty: 5")
	if values["item"] != "copper" || values["qty"] != "5" {
		t.Fatalf("values = %v", values)
	}
	if _, ok := values["unknown"]; ok {
		t.Fatal("undeclared field must be ignored")
	}

	// Missing lines keep defaults.
	values = parseFormReply(def, "item: copper")
	if values["qty"] != "1" {
		t.Fatalf("qty = %q, want default", values["qty"])
	}
}

func TestKindString(t *testing.T) {
	if KindCommand.String() != "command" || KindModal.String() != "modal" || KindComponent.String() != "component" {
		t.Fatal("kind names changed")
	}
}

// fakeBot records requests without talking to Telegram.
type fakeBot struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetChat(tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return tgbotapi.Chat{UserName: "tester"}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	ch := make(chan tgbotapi.Update)
	close(ch)
	return ch
}

func (f *fakeBot) StopReceivingUpdates() {}

func newTestTelegram(bot botAPI) *Telegram {
	tg := NewTelegram("", map[int64]string{10: "production"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tg.bot = bot
	return tg
}

func TestReplaceCommands_BulkReplace(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(bot)

	schemas := []CommandSchema{
		{Name: "order", Description: "Manage orders"},
		{Name: "supplier", Description: "Register as supplier"},
	}
	if err := tg.ReplaceCommands(context.Background(), 10, schemas); err != nil {
		t.Fatalf("ReplaceCommands: %v", err)
	}
	if len(bot.requests) != 1 {
		t.Fatalf("requests = %d, want 1 bulk call", len(bot.requests))
	}
	cfg, ok := bot.requests[0].(tgbotapi.SetMyCommandsConfig)
	if !ok {
		t.Fatalf("request type = %T", bot.requests[0])
	}
	if len(cfg.Commands) != 2 || cfg.Commands[0].Command != "order" {
		t.Fatalf("commands = %+v", cfg.Commands)
	}
}

func TestShowModal_TracksPendingPrompt(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(bot)

	def := ModalDef{
		CorrelationID: "v1|production|order|modalSubmit",
		Title:         "New order",
		Fields:        []ModalField{{Name: "item"}},
	}
	ic := &Interaction{ChatID: 10}
	if err := tg.ShowModal(context.Background(), ic, def); err != nil {
		t.Fatalf("ShowModal: %v", err)
	}

	got, ok := tg.takePendingModal(1)
	if !ok {
		t.Fatal("prompt not tracked")
	}
	if got.CorrelationID != def.CorrelationID {
		t.Fatalf("correlation id = %q", got.CorrelationID)
	}
	// Consumed: a second take misses.
	if _, ok := tg.takePendingModal(1); ok {
		t.Fatal("pending modal should be consumed")
	}
}

func TestReply_MarksAcked(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(bot)

	ic := &Interaction{ChatID: 10}
	if err := tg.Reply(context.Background(), ic, Message{Text: "done"}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !ic.Acked {
		t.Fatal("expected Acked after Reply")
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent = %d", len(bot.sent))
	}
}
