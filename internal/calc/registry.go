package calc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCalculatorExists   = errors.New("calculator kind already registered")
	ErrCalculatorNotFound = errors.New("calculator kind not found")
)

// Spec is the declarative description of a calculator, as read from config.
type Spec struct {
	Kind        string                 `yaml:"kind" json:"kind"`
	Label       string                 `yaml:"label,omitempty" json:"label,omitempty"`
	Cutoff      float64                `yaml:"cutoff,omitempty" json:"cutoff,omitempty"`
	Combo       string                 `yaml:"combo,omitempty" json:"combo,omitempty"`
	Morse       map[string]MorseParams `yaml:"morse,omitempty" json:"morse,omitempty"`
	Command     string                 `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string               `yaml:"args,omitempty" json:"args,omitempty"`
	Env         []string               `yaml:"env,omitempty" json:"env,omitempty"`
	ScratchRoot string                 `yaml:"scratch_root,omitempty" json:"scratch_root,omitempty"`
	// Memoize wraps the calculator in an LRU of that many entries.
	Memoize int `yaml:"memoize,omitempty" json:"memoize,omitempty"`
}

// Factory builds a calculator that must handle the given species.
type Factory func(spec Spec, species []string) (Calculator, error)

var calculatorRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	initializeBuiltInCalculators()
}

func initializeBuiltInCalculators() {
	MustRegister("morse", func(spec Spec, species []string) (Calculator, error) {
		m, err := NewMorse(MorseConfig{Cutoff: spec.Cutoff, Combo: spec.Combo, Params: spec.Morse, Species: species})
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	MustRegister("exec", func(spec Spec, _ []string) (Calculator, error) {
		if spec.Command == "" {
			return nil, errors.New("exec calculator requires a command")
		}
		return &Exec{Label: spec.Label, Command: spec.Command, Args: spec.Args, Env: spec.Env, ScratchRoot: spec.ScratchRoot}, nil
	})
}

func Register(kind string, factory Factory) error {
	if kind == "" {
		return errors.New("calculator kind is required")
	}
	if factory == nil {
		return errors.New("calculator factory is required")
	}
	calculatorRegistry.mu.Lock()
	defer calculatorRegistry.mu.Unlock()

	if _, exists := calculatorRegistry.m[kind]; exists {
		return fmt.Errorf("%w: %s", ErrCalculatorExists, kind)
	}
	calculatorRegistry.m[kind] = factory
	return nil
}

func MustRegister(kind string, factory Factory) {
	if err := Register(kind, factory); err != nil {
		panic(err)
	}
}

func Lookup(kind string) (Factory, error) {
	calculatorRegistry.mu.RLock()
	defer calculatorRegistry.mu.RUnlock()

	factory, ok := calculatorRegistry.m[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCalculatorNotFound, kind)
	}
	return factory, nil
}

func ListKinds() []string {
	calculatorRegistry.mu.RLock()
	defer calculatorRegistry.mu.RUnlock()

	kinds := make([]string, 0, len(calculatorRegistry.m))
	for kind := range calculatorRegistry.m {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build resolves spec through the registry and applies memoization.
func Build(spec Spec, species []string) (Calculator, error) {
	factory, err := Lookup(spec.Kind)
	if err != nil {
		return nil, err
	}
	c, err := factory(spec, species)
	if err != nil {
		return nil, fmt.Errorf("build %s calculator: %w", spec.Kind, err)
	}
	if spec.Memoize > 0 {
		memo, err := NewMemo(c, spec.Memoize)
		if err != nil {
			return nil, err
		}
		return memo, nil
	}
	return c, nil
}

func resetRegistryForTests() {
	calculatorRegistry.mu.Lock()
	calculatorRegistry.m = make(map[string]Factory)
	calculatorRegistry.mu.Unlock()
	initializeBuiltInCalculators()
}
