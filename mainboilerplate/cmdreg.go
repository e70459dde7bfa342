package mainboilerplate

import (
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// CommandRegistry collects go-flags commands to be added beneath parent
// commands, which are named by their dot-separated path from the root
// (eg, "checkpoints" or "checkpoints.list"). It allows sub-commands to be
// declared alongside their implementations, and assembled into a tree by main.
type CommandRegistry map[string][]registeredCommand

type registeredCommand struct {
	name, short, long string
	data              interface{}
}

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry { return make(CommandRegistry) }

// AddCommand registers a command |name| beneath |parentPath|, which is empty
// for commands of the root.
func (cr CommandRegistry) AddCommand(parentPath, name, short, long string, data interface{}) {
	cr[parentPath] = append(cr[parentPath], registeredCommand{name, short, long, data})
}

// AddCommands adds registered commands of |path| to |cmd|, and then
// recursively adds registered sub-commands of each of its commands.
func (cr CommandRegistry) AddCommands(path string, cmd *flags.Command) error {
	for _, rc := range cr[path] {
		if _, err := cmd.AddCommand(rc.name, rc.short, rc.long, rc.data); err != nil {
			return errors.WithMessagef(err, "adding command %q", joinPath(path, rc.name))
		}
	}
	for _, child := range cmd.Commands() {
		if err := cr.AddCommands(joinPath(path, child.Name), child); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return strings.Join([]string{parent, name}, ".")
}
