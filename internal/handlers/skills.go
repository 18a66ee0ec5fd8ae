package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/quartermaster/internal/gate"
	"github.com/basket/quartermaster/internal/notify"
	"github.com/basket/quartermaster/internal/registry"
)

func registerSkillHandlers(table *registry.HandlerTable) {
	table.RegisterCommand("skill.lookup", lookupSkill)
}

// lookupSkill answers a skill query from the skills table, falling back to
// the hot-reloadable reference fragments for skills the table does not
// track yet.
func lookupSkill(ctx context.Context, ic *notify.Interaction, hc *registry.HandlerContext) error {
	name := strings.ToLower(strings.TrimSpace(ic.Options["name"]))
	if name == "" {
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: "Usage: name=<skill>", Ephemeral: true,
		})
	}

	rows, err := hc.Store.SelectWhere(ctx, "skills", map[string]any{"name": name}, 1)
	if err != nil {
		return fmt.Errorf("look up skill: %w", err)
	}
	if len(rows) > 0 {
		row := rows[0]
		desc, _ := row["description"].(string)
		return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
			Text: fmt.Sprintf("%s (level %v): %s", name, row["level"], desc),
		})
	}

	if ref := hc.Fragments.Get("skills"); ref != nil {
		if entry, ok := ref[name]; ok {
			return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
				Text: fmt.Sprintf("%s: %v", name, entry),
			})
		}
	}
	return gate.Ack(ctx, hc.Notifier, ic, notify.Message{
		Text: fmt.Sprintf("No skill named %q.", name), Ephemeral: true,
	})
}
