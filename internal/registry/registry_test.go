package registry

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/bytesonus/juno/internal/idgen"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatalf("semver.NewVersion(%q): %v", s, err)
	}
	return v
}

func TestInsertAndGet(t *testing.T) {
	r := New()
	m := NewModule("A", mustVersion(t, "1.0.0"), nil, idgen.ConnID{1}, nil)
	r.Insert(m, true)

	if !r.Exists("A") {
		t.Fatalf("expected A to exist")
	}
	got, ok := r.GetRegistered("A")
	if !ok || got != m {
		t.Fatalf("GetRegistered(A) = %v, %v; want %v, true", got, ok, m)
	}
}

func TestInsertUnregisteredNotGetRegistered(t *testing.T) {
	r := New()
	m := NewModule("B", mustVersion(t, "1.0.0"), nil, idgen.ConnID{2}, nil)
	r.Insert(m, false)

	if _, ok := r.GetRegistered("B"); ok {
		t.Fatalf("GetRegistered should not find an unregistered module")
	}
	got, ok := r.Get("B")
	if !ok || got != m {
		t.Fatalf("Get(B) = %v, %v; want %v, true", got, ok, m)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	m := NewModule("C", mustVersion(t, "1.0.0"), nil, idgen.ConnID{3}, nil)
	r.Insert(m, true)

	got, ok := r.Remove("C")
	if !ok || got != m {
		t.Fatalf("Remove(C) = %v, %v; want %v, true", got, ok, m)
	}
	if r.Exists("C") {
		t.Fatalf("C should no longer exist after Remove")
	}
	if _, ok := r.Remove("C"); ok {
		t.Fatalf("second Remove(C) should report false")
	}
}

func TestPromoteDemote(t *testing.T) {
	r := New()
	m := NewModule("D", mustVersion(t, "1.0.0"), nil, idgen.ConnID{4}, nil)
	r.Insert(m, false)

	r.Mutate(func(tx *Tx) { tx.Promote("D") })
	if _, ok := r.GetRegistered("D"); !ok {
		t.Fatalf("expected D registered after Promote")
	}
	if !m.Registered {
		t.Fatalf("expected Module.Registered to flip true on Promote")
	}

	r.Mutate(func(tx *Tx) { tx.Demote("D") })
	if _, ok := r.GetRegistered("D"); ok {
		t.Fatalf("expected D unregistered after Demote")
	}
	if m.Registered {
		t.Fatalf("expected Module.Registered to flip false on Demote")
	}
}

func TestDeclareFunctionIdempotent(t *testing.T) {
	m := NewModule("E", mustVersion(t, "1.0.0"), nil, idgen.ConnID{5}, nil)
	if added := m.DeclareFunction("echo"); !added {
		t.Fatalf("first DeclareFunction should report added=true")
	}
	if added := m.DeclareFunction("echo"); added {
		t.Fatalf("second DeclareFunction should report added=false")
	}
	funcs := m.DeclaredFunctions()
	if len(funcs) != 1 || funcs[0] != "echo" {
		t.Fatalf("DeclaredFunctions = %v, want [echo]", funcs)
	}
	if !m.HasFunction("echo") {
		t.Fatalf("HasFunction(echo) should be true")
	}
}

func TestRegisterHookIdempotent(t *testing.T) {
	m := NewModule("F", mustVersion(t, "1.0.0"), nil, idgen.ConnID{6}, nil)
	if added := m.RegisterHook("S.evt"); !added {
		t.Fatalf("first RegisterHook should report added=true")
	}
	if added := m.RegisterHook("S.evt"); added {
		t.Fatalf("second RegisterHook should report added=false")
	}
	if !m.Subscribes("S.evt") {
		t.Fatalf("Subscribes(S.evt) should be true")
	}
	if len(m.RegisteredHooks()) != 1 {
		t.Fatalf("RegisteredHooks should have exactly one entry")
	}
}

func TestSnapshotReflectsBothPools(t *testing.T) {
	r := New()
	reg := NewModule("G", mustVersion(t, "1.0.0"), nil, idgen.ConnID{7}, nil)
	unreg := NewModule("H", mustVersion(t, "1.0.0"), nil, idgen.ConnID{8}, nil)
	r.Insert(reg, true)
	r.Insert(unreg, false)

	registered, unregistered := r.Snapshot()
	if len(registered) != 1 || registered[0] != reg {
		t.Fatalf("Snapshot registered = %v, want [%v]", registered, reg)
	}
	if len(unregistered) != 1 || unregistered[0] != unreg {
		t.Fatalf("Snapshot unregistered = %v, want [%v]", unregistered, unreg)
	}
}
