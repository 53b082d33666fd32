package process

import (
	"fmt"
	"strings"
)

type strategyKind int

const (
	kindDirect strategyKind = iota + 1
	kindConditional
	kindTerminal
	kindParallel
)

// Predicate picks the next step name from the process data.
type Predicate func(data map[string]any) string

// Strategy is a tagged variant: exactly one of the constructors below.
type Strategy struct {
	kind     strategyKind
	next     string
	choose   Predicate
	branches []string
	join     string
}

func Direct(next string) Strategy { return Strategy{kind: kindDirect, next: next} }
func Conditional(choose Predicate) Strategy {
	return Strategy{kind: kindConditional, choose: choose}
}
func Terminal() Strategy { return Strategy{kind: kindTerminal} }
func Parallel(join string, branches ...string) Strategy {
	return Strategy{kind: kindParallel, branches: branches, join: join}
}

// Step is one node of the process graph. Command is the command type the bus
// dispatches when the step runs; Compensation names another declared step that
// undoes this one.
type Step struct {
	Name         string
	Command      string
	Compensation string
	Strategy     Strategy
}

// Config declares a process type: a start step and a name-keyed step graph.
// The graph is a DAG; compensation is derived from execution history, so steps
// hold no back-pointers.
type Config struct {
	Type  string
	Start string
	Steps map[string]Step
}

// Validate checks the graph is self-consistent. Called from the registry at
// startup; any error here is a programming bug, not an operational condition.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("process config: empty type")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("process %q: no steps", c.Type)
	}
	if _, ok := c.Steps[c.Start]; !ok {
		return fmt.Errorf("process %q: start step %q not declared", c.Type, c.Start)
	}

	for name, step := range c.Steps {
		if step.Name != name {
			return fmt.Errorf("process %q: step keyed %q names itself %q", c.Type, name, step.Name)
		}
		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("process %q: step %q has no command", c.Type, name)
		}
		if step.Compensation != "" {
			if _, ok := c.Steps[step.Compensation]; !ok {
				return fmt.Errorf("process %q: step %q compensation %q not declared", c.Type, name, step.Compensation)
			}
		}

		s := step.Strategy
		switch s.kind {
		case kindDirect:
			if _, ok := c.Steps[s.next]; !ok {
				return fmt.Errorf("process %q: step %q successor %q not declared", c.Type, name, s.next)
			}
		case kindConditional:
			if s.choose == nil {
				return fmt.Errorf("process %q: step %q has nil predicate", c.Type, name)
			}
		case kindTerminal:
		case kindParallel:
			if len(s.branches) == 0 {
				return fmt.Errorf("process %q: step %q parallel with no branches", c.Type, name)
			}
			seen := map[string]bool{}
			for _, b := range s.branches {
				if seen[b] {
					return fmt.Errorf("process %q: step %q duplicate branch %q", c.Type, name, b)
				}
				seen[b] = true
				if _, ok := c.Steps[b]; !ok {
					return fmt.Errorf("process %q: step %q branch %q not declared", c.Type, name, b)
				}
			}
			if _, ok := c.Steps[s.join]; !ok {
				return fmt.Errorf("process %q: step %q join %q not declared", c.Type, name, s.join)
			}
		default:
			return fmt.Errorf("process %q: step %q has no strategy", c.Type, name)
		}
	}
	return nil
}

func (c *Config) step(name string) (Step, bool) {
	s, ok := c.Steps[name]
	return s, ok
}

// Registry holds process configurations. Frozen after startup wiring; an
// invalid or ambiguous registration panics.
type Registry struct {
	configs map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{configs: map[string]*Config{}}
}

func (r *Registry) Register(cfg *Config) {
	if err := cfg.Validate(); err != nil {
		panic("process.Registry: " + err.Error())
	}
	if _, exists := r.configs[cfg.Type]; exists {
		panic(fmt.Sprintf("process.Registry: duplicate process type %q", cfg.Type))
	}
	r.configs[cfg.Type] = cfg
}

func (r *Registry) Get(processType string) (*Config, bool) {
	cfg, ok := r.configs[processType]
	return cfg, ok
}
