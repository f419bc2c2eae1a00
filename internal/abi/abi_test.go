package abi

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCallIDRoundTrip(t *testing.T) {
	id := MakeCallID(GroupMigration, FnMigrationStart)
	if id.Group() != GroupMigration {
		t.Fatalf("Group() = %v, want migration", id.Group())
	}
	if id.Function() != FnMigrationStart {
		t.Fatalf("Function() = %d, want %d", id.Function(), FnMigrationStart)
	}
}

func TestErrnoMapsKindsToNegativeWords(t *testing.T) {
	if Errno(KindNone) != 0 {
		t.Fatalf("Errno(KindNone) = %d, want 0", Errno(KindNone))
	}
	if Errno(KindStateInvalid) >= 0 {
		t.Fatalf("Errno(KindStateInvalid) = %d, want negative", Errno(KindStateInvalid))
	}
	if Errno(KindStateInvalid) == Errno(KindNotFound) {
		t.Fatalf("distinct kinds must map to distinct errnos")
	}
}

func TestKindOfUnwrapsThroughWrappedCauses(t *testing.T) {
	cause := Wrap(KindOverlap, "memory.Map", errors.New("page already mapped"))
	wrapped := errors.Wrap(cause, "vmm.NewVm")
	if got := KindOf(wrapped); got != KindOverlap {
		t.Fatalf("KindOf = %v, want Overlap", got)
	}
}

func TestKindOfForeignErrorDefaultsToUnsupported(t *testing.T) {
	if got := KindOf(errors.New("not ours")); got != KindUnsupported {
		t.Fatalf("KindOf = %v, want Unsupported", got)
	}
}

func TestOnlyMVMGatesConfigLifecycleMigrationUpdate(t *testing.T) {
	for _, g := range []Group{GroupVMConfig, GroupVMLifecycle, GroupMigration, GroupLiveUpdate} {
		if !g.OnlyMVM() {
			t.Errorf("group %v must be MVM-only", g)
		}
	}
	for _, g := range []Group{GroupSystem, GroupIRQIPI} {
		if g.OnlyMVM() {
			t.Errorf("group %v must be open to all VMs", g)
		}
	}
}
