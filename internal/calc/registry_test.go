package calc

import (
	"context"
	"errors"
	"testing"

	"almlp/internal/model"
)

func TestRegisterAndBuildCalculator(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	err := Register("constant", func(spec Spec, _ []string) (Calculator, error) {
		return Func{Label: spec.Label, Fn: func(_ context.Context, s model.Structure) (model.Result, error) {
			return model.Result{Energy: 1, Forces: make([]model.Vec3, s.Len())}, nil
		}}, nil
	})
	if err != nil {
		t.Fatalf("register constant: %v", err)
	}
	c, err := Build(Spec{Kind: "constant", Label: "one"}, nil)
	if err != nil {
		t.Fatalf("build constant: %v", err)
	}
	if c.Name() != "one" {
		t.Fatalf("unexpected calculator name: %s", c.Name())
	}
}

func TestRegisterCalculatorValidation(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if err := Register("", func(Spec, []string) (Calculator, error) { return nil, nil }); err == nil {
		t.Fatal("expected empty kind error")
	}
	if err := Register("nil", nil); err == nil {
		t.Fatal("expected nil factory error")
	}
	if err := Register("morse", func(Spec, []string) (Calculator, error) { return nil, nil }); !errors.Is(err, ErrCalculatorExists) {
		t.Fatalf("expected ErrCalculatorExists, got: %v", err)
	}
}

func TestBuildUnknownKind(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if _, err := Build(Spec{Kind: "vasp"}, nil); !errors.Is(err, ErrCalculatorNotFound) {
		t.Fatalf("expected ErrCalculatorNotFound, got: %v", err)
	}
}

func TestBuildBuiltIns(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	kinds := ListKinds()
	if len(kinds) != 2 || kinds[0] != "exec" || kinds[1] != "morse" {
		t.Fatalf("unexpected built-in kinds: %+v", kinds)
	}

	c, err := Build(Spec{Kind: "morse", Cutoff: 5, Memoize: 8}, []string{"Cu", "Ni"})
	if err != nil {
		t.Fatalf("build morse: %v", err)
	}
	if _, ok := c.(*Memo); !ok {
		t.Fatalf("expected memoized calculator, got %T", c)
	}
	if _, err := Build(Spec{Kind: "morse", Cutoff: 5}, []string{"Zz"}); err == nil {
		t.Fatal("expected missing morse parameter error")
	}
	if _, err := Build(Spec{Kind: "exec"}, nil); err == nil {
		t.Fatal("expected missing command error")
	}
}
