package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestExecutionState_BranchToTake(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg001_branch")
	fn := MustFindFunction(t, pkg, "Branch")

	t.Run("ForkDigits", func(t *testing.T) {
		e := NewExecutor(t, fn, ranger.Analysis{})
		state := e.RootState()
		state.AddPrefix("0")
		if !state.ShallRange() {
			t.Fatal("expected state to range")
		}
		direction, forkAndSuspend := state.BranchToTake()
		if direction != ranger.BranchTrue || !forkAndSuspend {
			t.Fatalf("direction=%d forkAndSuspend=%v", direction, forkAndSuspend)
		}
	})

	t.Run("TakenWithoutForkDigits", func(t *testing.T) {
		e := NewExecutor(t, fn, ranger.Analysis{})
		state := e.RootState()
		state.AddPrefix("3")
		direction, forkAndSuspend := state.BranchToTake()
		if direction != ranger.BranchFalse || forkAndSuspend {
			t.Fatalf("direction=%d forkAndSuspend=%v", direction, forkAndSuspend)
		}
	})

	t.Run("DisagreementForks", func(t *testing.T) {
		e := NewExecutor(t, fn, ranger.Analysis{})
		state := e.RootState()
		state.AddPrefix("0")
		state.AddPrefix("1")
		direction, forkAndSuspend := state.BranchToTake()
		if direction != ranger.BranchFork || forkAndSuspend {
			t.Fatalf("direction=%d forkAndSuspend=%v", direction, forkAndSuspend)
		}
	})

	// A committed digit disagreeing with a fork digit is still a
	// disagreement, not a committed branch.
	t.Run("MixedDigitDisagreementForks", func(t *testing.T) {
		e := NewExecutor(t, fn, ranger.Analysis{})
		state := e.RootState()
		state.AddPrefix("2")
		state.AddPrefix("1")
		direction, _ := state.BranchToTake()
		if direction != ranger.BranchFork {
			t.Fatalf("direction=%d, expected fork", direction)
		}
	})
}

// Ranging over complementary prefixes covers the same paths as an
// unguided run.
func TestExecutor_PrefixRangingIdempotence(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg001_branch")
	fn := MustFindFunction(t, pkg, "Branch")

	// Unguided reference run.
	reference := map[string]bool{}
	for _, term := range RunToCompletion(t, NewExecutor(t, fn, ranger.Analysis{})) {
		reference[term.history] = true
	}

	// Guided run: explore prefix "0" first, then resume the suspended
	// sibling with prefix "1".
	e := NewExecutor(t, fn, ranger.Analysis{})
	e.RootState().AddPrefix("0")

	covered := map[string]bool{}
	e.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		if reason == ranger.Exit {
			covered[state.BranchHist()] = true
		}
	}

	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if got, exp := len(covered), 1; got != exp {
		t.Fatalf("covered=%d after first range, expected %d", got, exp)
	}

	state, err := e.ResumeRangedState("1")
	if err != nil {
		t.Fatal(err)
	}
	e.ActivateResumedStates([]*ranger.ExecutionState{state})
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	if got, exp := len(covered), len(reference); got != exp {
		t.Fatalf("covered=%d, expected %d", got, exp)
	}
	for history := range reference {
		if !covered[history] {
			t.Fatalf("history %q not covered by ranged runs", history)
		}
	}
}

// Offloaded states move to the suspended pool and can be resumed by
// their composite prefix.
func TestExecutor_OffloadAndResume(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg002_switch")
	fn := MustFindFunction(t, pkg, "Classify")

	e := NewExecutor(t, fn, ranger.Analysis{})
	exits := 0
	e.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		if reason == ranger.Exit {
			exits++
		}
	}

	// Grow the frontier, then surrender part of it.
	e.SetBranchLevelHalt(4)
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	offloaded := e.OffloadStates()
	if len(offloaded) == 0 {
		t.Fatal("expected states to offload")
	}

	// Resume the surrendered states by their branch histories and finish.
	e.SetBranchLevelHalt(0)
	e.ClearHalt()
	var resumed []*ranger.ExecutionState
	for _, state := range offloaded {
		rs, err := e.ResumeRangedState(state.BranchHist())
		if err != nil {
			t.Fatal(err)
		}
		resumed = append(resumed, rs)
	}
	e.ActivateResumedStates(resumed)

	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if got, exp := exits, 4; got != exp {
		t.Fatalf("exits=%d, expected %d", got, exp)
	}
}
