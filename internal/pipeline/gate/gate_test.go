package gate

import (
	"testing"
	"time"
)

func TestAdmitEnforcesInterval(t *testing.T) {
	g := New(time.Second)
	t0 := time.Now()
	if !g.Admit("detector", t0) {
		t.Fatal("first admission should succeed")
	}
	if g.Admit("detector", t0.Add(500*time.Millisecond)) {
		t.Fatal("admission inside interval should be rejected")
	}
	if !g.Admit("detector", t0.Add(time.Second)) {
		t.Fatal("admission at exactly the interval should succeed")
	}
}

func TestAdmitIsPerStage(t *testing.T) {
	g := New(time.Second)
	t0 := time.Now()
	if !g.Admit("detector", t0) {
		t.Fatal("detector admission should succeed")
	}
	if !g.Admit("classifier", t0) {
		t.Fatal("classifier stage should be independent of detector stage")
	}
}
