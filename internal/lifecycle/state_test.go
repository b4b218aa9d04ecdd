package lifecycle

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]State]bool{
		{Inactive, Starting}: true,
		{Starting, Active}:   true,
		{Starting, Error}:    true,
		{Active, Stopping}:   true,
		{Stopping, Inactive}: true,
		{Active, Inactive}:   true,
		{Error, Starting}:    true,
	}
	states := []State{Inactive, Starting, Active, Stopping, Error}
	for _, from := range states {
		for _, to := range states {
			err := Transition(from, to)
			if allowed[[2]State{from, to}] {
				if err != nil {
					t.Fatalf("%s -> %s should be allowed: %v", from, to, err)
				}
				continue
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.From != from || te.To != to {
				t.Fatalf("%s -> %s should be rejected, got %v", from, to, err)
			}
		}
	}
	if CanTransition(State(42), Inactive) {
		t.Fatalf("unknown state must not transition")
	}
}

func TestParseAndText(t *testing.T) {
	for _, s := range []State{Inactive, Starting, Active, Stopping, Error} {
		got, err := ParseState(" " + s.String() + " ")
		if err != nil || got != s {
			t.Fatalf("ParseState(%s) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseState("running"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if _, err := State(9).MarshalText(); err == nil {
		t.Fatalf("expected marshal error for invalid state")
	}

	b, err := json.Marshal(Change{From: Active, To: Inactive, Reason: ReasonExited})
	if err != nil {
		t.Fatal(err)
	}
	var c Change
	if err := json.Unmarshal(b, &c); err != nil {
		t.Fatal(err)
	}
	if !c.Crashed() {
		t.Fatalf("expected crash change, got %+v (%s)", c, b)
	}
}

func TestRunning(t *testing.T) {
	if Inactive.Running() || Error.Running() {
		t.Fatalf("inactive/error are not running states")
	}
	if !Active.Running() || !Stopping.Running() || !Starting.Running() {
		t.Fatalf("starting/active/stopping are running states")
	}
}
