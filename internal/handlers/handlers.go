// Package handlers holds the compiled-in entry points that definition
// files bind to by name. Definitions on disk decide which commands exist
// and how they recur; the functions here decide what they do.
package handlers

import (
	"sync"

	"github.com/basket/quartermaster/internal/bus"
	"github.com/basket/quartermaster/internal/registry"
)

// Deps carries collaborators that live outside the per-dispatch
// HandlerContext. The catalogs are included so the admin status command
// can report what is loaded.
type Deps struct {
	Status   *Status
	Commands *registry.Commands
	Tasks    *registry.Tasks
}

// Register installs every handler into the table. Called once at startup,
// before any definition is loaded.
func Register(table *registry.HandlerTable, deps Deps) {
	registerOrderHandlers(table)
	registerSupplierHandlers(table)
	registerSkillHandlers(table)
	registerAdminHandlers(table, deps)

	table.RegisterTask("order.expire", expireOrdersTask)
	table.RegisterTask("supplier.digest", supplierDigestTask)
	table.RegisterTask("skill.refresh", refreshSkillsTask)
}

// Status keeps a short ring of recent reload outcomes for the admin
// status command. It consumes reload events off the bus.
type Status struct {
	mu     sync.Mutex
	recent []statusEntry
}

type statusEntry struct {
	Kind     string
	Audience string
	Err      string
}

const statusRingSize = 10

func NewStatus() *Status {
	return &Status{}
}

// Watch consumes one reload subscription until its channel closes. Run it
// in its own goroutine.
func (s *Status) Watch(sub *bus.Subscription) {
	for ev := range sub.Ch() {
		reload, ok := ev.Payload.(bus.ReloadEvent)
		if !ok {
			continue
		}
		if ev.Topic == bus.TopicReloadStarted {
			continue
		}
		entry := statusEntry{Kind: reload.Kind, Audience: reload.Audience, Err: reload.Err}
		s.mu.Lock()
		s.recent = append(s.recent, entry)
		if len(s.recent) > statusRingSize {
			s.recent = s.recent[len(s.recent)-statusRingSize:]
		}
		s.mu.Unlock()
	}
}

func (s *Status) snapshot() []statusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statusEntry, len(s.recent))
	copy(out, s.recent)
	return out
}
