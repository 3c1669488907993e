package scope_test

import (
	"testing"

	"github.com/Strob0t/storepilot/internal/domain/scope"
	"github.com/Strob0t/storepilot/internal/domain/target"
)

func TestComputeIDOrderIndependent(t *testing.T) {
	a := scope.ComputeID("p", "pb", []string{"t2", "t1", "t3"})
	b := scope.ComputeID("p", "pb", []string{"t1", "t3", "t2"})
	if a != b {
		t.Fatalf("scope id depends on order: %s vs %s", a, b)
	}
}

func TestComputeIDDoesNotMutateInput(t *testing.T) {
	ids := []string{"b", "a"}
	_ = scope.ComputeID("p", "pb", ids)
	if ids[0] != "b" {
		t.Fatal("ComputeID must not sort the caller's slice")
	}
}

func TestComputeIDProjectScoped(t *testing.T) {
	if scope.ComputeID("p1", "pb", []string{"t"}) == scope.ComputeID("p2", "pb", []string{"t"}) {
		t.Fatal("scope id must include the project")
	}
}

func TestNewKeepsOrder(t *testing.T) {
	s := scope.New("p", "pb", []target.Target{{ID: "t1"}, {ID: "t2"}})
	if s.Len() != 2 || s.TargetIDs[0] != "t1" || s.TargetIDs[1] != "t2" {
		t.Fatalf("unexpected ids %v", s.TargetIDs)
	}
	if s.ID != scope.ComputeID("p", "pb", []string{"t2", "t1"}) {
		t.Fatal("scope id mismatch")
	}
}
