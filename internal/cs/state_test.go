package cs

import "testing"

func TestHasPriorityLowerTimestampWins(t *testing.T) {
	if !hasPriority(1, "B", 2, "A") {
		t.Fatal("lower timestamp should have priority regardless of name")
	}
	if hasPriority(2, "A", 1, "B") {
		t.Fatal("higher timestamp should not have priority")
	}
}

func TestHasPriorityTiebreakByName(t *testing.T) {
	if !hasPriority(5, "Alice", 5, "Bob") {
		t.Fatal("equal timestamps should tiebreak lexicographically by name")
	}
	if hasPriority(5, "Bob", 5, "Alice") {
		t.Fatal("Bob should not have priority over Alice at equal timestamps")
	}
}

func TestHasPriorityIrreflexive(t *testing.T) {
	if hasPriority(5, "Alice", 5, "Alice") {
		t.Fatal("a request never has priority over an identical copy of itself")
	}
}
