package registry

import (
	"errors"
	"testing"
)

func TestShutdownRunsEveryStepInOrder(t *testing.T) {
	var order []string
	r := New(nil)
	r.Add("a", func() error { order = append(order, "a"); return nil })
	r.Add("b", func() error { order = append(order, "b"); return errors.New("boom") })
	r.Add("c", func() error { order = append(order, "c"); return nil })

	err := r.Shutdown()
	if err == nil {
		t.Fatal("expected combined error from step b")
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v, want [a b c] (step b failing must not skip c)", order)
	}
}

func TestShutdownNilOnAllSuccess(t *testing.T) {
	r := New(nil)
	r.Add("a", func() error { return nil })
	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
}
