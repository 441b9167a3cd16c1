package runtimevars

import (
	"errors"
	"strings"
	"testing"

	"github.com/nvecd/nvecd/internal/serverconfig"
)

func TestSetMutableAppliesCallback(t *testing.T) {
	m := NewManager(serverconfig.Default())

	var applied string
	m.RegisterApplier("cache.enabled", func(v string) error {
		applied = v
		return nil
	})

	if err := m.Set("cache.enabled", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if applied != "false" {
		t.Errorf("applier got %q, want \"false\"", applied)
	}
	if got, _ := m.Get("cache.enabled"); got != "false" {
		t.Errorf("Get = %q, want \"false\"", got)
	}
}

func TestSetImmutableFails(t *testing.T) {
	m := NewManager(serverconfig.Default())
	err := m.Set("api.tcp.port", "1234")
	if err == nil {
		t.Fatal("SET on an immutable variable should fail")
	}
	if !strings.Contains(err.Error(), "read-only") {
		t.Errorf("error %q should mention read-only", err)
	}
	// Value unchanged.
	if got, _ := m.Get("api.tcp.port"); got == "1234" {
		t.Error("immutable variable was modified")
	}
}

func TestSetUnknownFails(t *testing.T) {
	m := NewManager(serverconfig.Default())
	if err := m.Set("no.such.variable", "x"); err == nil {
		t.Fatal("SET on an unknown variable should fail")
	}
}

func TestSetApplierRejectionKeepsOldValue(t *testing.T) {
	m := NewManager(serverconfig.Default())
	m.RegisterApplier("logging.level", func(v string) error {
		return errors.New("bad level")
	})
	old, _ := m.Get("logging.level")
	if err := m.Set("logging.level", "nonsense"); err == nil {
		t.Fatal("applier rejection should fail the SET")
	}
	if got, _ := m.Get("logging.level"); got != old {
		t.Errorf("value changed despite applier rejection: %q", got)
	}
}

func TestShowPrefixFilter(t *testing.T) {
	m := NewManager(serverconfig.Default())

	all := m.Show("")
	if len(all) == 0 {
		t.Fatal("empty registry")
	}
	cacheVars := m.Show("cache.")
	for _, v := range cacheVars {
		if !strings.HasPrefix(v.Name, "cache.") {
			t.Errorf("prefix filter leaked %q", v.Name)
		}
	}
	if len(cacheVars) >= len(all) {
		t.Error("prefix filter did not narrow the listing")
	}
	// Sorted by name.
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("listing not sorted at %d: %q >= %q", i, all[i-1].Name, all[i].Name)
		}
	}
}
