package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mlevkov/command-platform/internal/domain"
)

// HandlerFunc executes one command and returns the reply payload.
// Return a *domain.PermanentError to fail without retry; any other error is
// treated as transient.
type HandlerFunc func(ctx context.Context, cmd *domain.Command) (json.RawMessage, error)

// Registry maps command names to handlers. It is frozen after startup
// wiring; registration is exclusive and a duplicate is a configuration bug,
// so it panics rather than limping along with ambiguous dispatch.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(commandName string, h HandlerFunc) {
	name := strings.TrimSpace(commandName)
	if name == "" {
		panic("worker.Registry: empty command name")
	}
	if h == nil {
		panic(fmt.Sprintf("worker.Registry: nil handler for %q", name))
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("worker.Registry: duplicate handler for %q", name))
	}
	r.handlers[name] = h
}

func (r *Registry) Get(commandName string) (HandlerFunc, bool) {
	h, ok := r.handlers[commandName]
	return h, ok
}

// Names lists registered command types; the transport uses it to declare and
// subscribe the per-command queues.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
