package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/quartermaster/internal/notify"
)

// maxDefinitionSize caps a definition file at 256 KiB.
const maxDefinitionSize = 256 << 10

// Command is a loaded command definition: its published schema, a primary
// handler, and zero or more named sub-handlers addressed by correlation
// ids from buttons, menus, and modals.
type Command struct {
	Schema      notify.CommandSchema
	Help        string
	Run         CommandFunc
	SubHandlers map[string]CommandFunc
}

// Sub resolves a named sub-handler.
func (c *Command) Sub(name string) (CommandFunc, bool) {
	fn, ok := c.SubHandlers[name]
	return fn, ok
}

// commandFile is the on-disk YAML shape of a command definition.
type commandFile struct {
	notify.CommandSchema `yaml:",inline"`

	Help        string            `yaml:"help"`
	Handler     string            `yaml:"handler"`
	SubHandlers map[string]string `yaml:"subhandlers"`
}

// IsDefinitionFile reports whether path names a recognized definition file.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// parseCommandFile reads and fully validates one command definition,
// resolving every handler name against the table. Nothing is installed
// here: validation failures leave any previously loaded definition alone.
func parseCommandFile(path string, table *HandlerTable) (*Command, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definition: %w", err)
	}
	if fi.Size() > maxDefinitionSize {
		return nil, fmt.Errorf("definition too large: %d bytes (max %d)", fi.Size(), maxDefinitionSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var file commandFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if strings.TrimSpace(file.Name) == "" {
		return nil, fmt.Errorf("%s: missing name", filepath.Base(path))
	}
	if file.Handler == "" {
		return nil, fmt.Errorf("command %q: missing handler", file.Name)
	}
	run, ok := table.Command(file.Handler)
	if !ok {
		return nil, fmt.Errorf("command %q: unknown handler %q", file.Name, file.Handler)
	}

	subs := make(map[string]CommandFunc, len(file.SubHandlers))
	for subName, handlerName := range file.SubHandlers {
		fn, ok := table.Command(handlerName)
		if !ok {
			return nil, fmt.Errorf("command %q: sub-handler %q: unknown handler %q",
				file.Name, subName, handlerName)
		}
		subs[subName] = fn
	}

	return &Command{
		Schema:      file.CommandSchema,
		Help:        file.Help,
		Run:         run,
		SubHandlers: subs,
	}, nil
}
