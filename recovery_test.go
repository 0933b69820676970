package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestExecutor_SkipAndRecover(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg003_skip")

	t.Run("RecoversSkippedWrite", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "SkipRecover")
		e := NewExecutor(t, fn, SkipAnalysis(t, pkg, "modify"))

		terms := RunToCompletion(t, e)

		// One terminated path, completed cleanly: the assertion saw the
		// value written by the re-executed callee.
		if got, exp := len(terms), 1; got != exp {
			t.Fatalf("len(terms)=%d, expected %d", got, exp)
		}
		if got, exp := terms[0].reason, ranger.Exit; got != exp {
			t.Fatalf("reason=%s, expected %s (%s)", got, exp, terms[0].message)
		}

		stats := e.Stats()
		if got, exp := stats.Snapshots, uint64(1); got != exp {
			t.Fatalf("snapshots=%d, expected %d", got, exp)
		}
		if got, exp := stats.RecoveryStates, uint64(1); got != exp {
			t.Fatalf("recovery states=%d, expected %d", got, exp)
		}
	})

	t.Run("SecondLoadHitsCache", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "SkipRecoverTwice")
		e := NewExecutor(t, fn, SkipAnalysis(t, pkg, "modify"))

		terms := RunToCompletion(t, e)
		if got, exp := len(terms), 1; got != exp {
			t.Fatalf("len(terms)=%d, expected %d", got, exp)
		}
		if got, exp := terms[0].reason, ranger.Exit; got != exp {
			t.Fatalf("reason=%s, expected %s (%s)", got, exp, terms[0].message)
		}

		// The second load of the same address must not spawn another
		// recovery state.
		if got, exp := e.Stats().RecoveryStates, uint64(1); got != exp {
			t.Fatalf("recovery states=%d, expected %d", got, exp)
		}
	})

	t.Run("NoRecoveryWithoutSkip", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "SkipRecover")
		e := NewExecutor(t, fn, ranger.Analysis{})

		terms := RunToCompletion(t, e)
		if got, exp := len(terms), 1; got != exp {
			t.Fatalf("len(terms)=%d, expected %d", got, exp)
		}
		// Executed directly, the callee writes the value in place.
		if got, exp := terms[0].reason, ranger.Exit; got != exp {
			t.Fatalf("reason=%s, expected %s (%s)", got, exp, terms[0].message)
		}
		if got := e.Stats().Snapshots; got != 0 {
			t.Fatalf("snapshots=%d, expected 0", got)
		}
	})
}
