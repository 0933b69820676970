package ranger_test

import (
	"go/token"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	ranger "github.com/ranger-se/ranger"
)

// NewExecutor returns an executor over the reference solver, bounded so
// runaway tests fail instead of hanging.
func NewExecutor(tb testing.TB, fn *ssa.Function, analysis ranger.Analysis) *ranger.Executor {
	tb.Helper()
	e := ranger.NewExecutor(fn, ranger.Config{
		StopAfterNInstructions: 100000,
		Seed:                   1,
	}, analysis)
	e.Solver = ranger.NewSolverFacade(ranger.NewRefSolver())
	return e
}

// termination records one terminated path.
type termination struct {
	state   *ranger.ExecutionState
	reason  ranger.TerminateReason
	message string
	history string
}

// RunToCompletion drains the executor and returns every termination.
func RunToCompletion(tb testing.TB, e *ranger.Executor) []termination {
	tb.Helper()
	var terms []termination
	e.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		terms = append(terms, termination{
			state:   state,
			reason:  reason,
			message: message,
			history: state.BranchHist(),
		})
	}
	if err := e.Run(); err != nil {
		tb.Fatal(err)
	}
	return terms
}

// MustBuildProgram builds an SSA program at the given path. Fatal on error.
func MustBuildProgram(tb testing.TB, path string) *ssa.Package {
	tb.Helper()

	initial, err := packages.Load(&packages.Config{
		Mode: packages.LoadAllSyntax,
	}, path)
	if err != nil {
		tb.Fatal(err)
	} else if packages.PrintErrors(initial) > 0 {
		tb.Fatal("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			tb.Fatalf("cannot build SSA for package %s", initial[i])
		}
	}
	prog.Build()
	return pkgs[0]
}

// MustFindFunction returns a package-level function by name. Fatal if missing.
func MustFindFunction(tb testing.TB, pkg *ssa.Package, name string) *ssa.Function {
	tb.Helper()
	fn, ok := pkg.Members[name].(*ssa.Function)
	if !ok {
		tb.Fatalf("function not found: %s", name)
	}
	return fn
}

// SkipAnalysis marks callee as skipped with full side effects and every
// load in the package as may-blocking.
func SkipAnalysis(tb testing.TB, pkg *ssa.Package, callee string) ranger.Analysis {
	tb.Helper()
	fn := MustFindFunction(tb, pkg, callee)

	loads := make(map[ssa.Instruction]bool)
	for _, member := range pkg.Members {
		f, ok := member.(*ssa.Function)
		if !ok {
			continue
		}
		for _, block := range f.Blocks {
			for _, instr := range block.Instrs {
				if u, ok := instr.(*ssa.UnOp); ok && u.Op == token.MUL {
					loads[instr] = true
				}
			}
		}
	}

	return ranger.Analysis{
		SkipFunctions:    []ranger.SkippedFunction{{Name: callee}},
		HasSideEffects:   func(*ssa.Function) bool { return true },
		MayBlockingLoads: loads,
		ApproximateModInfos: func(load ssa.Instruction, site ranger.AllocSite) []ranger.ModInfo {
			return []ranger.ModInfo{{Callee: fn}}
		},
		SliceID: func(ranger.ModInfo) (uint32, bool) { return 1, true },
	}
}

func countReason(terms []termination, reason ranger.TerminateReason) int {
	n := 0
	for _, term := range terms {
		if term.reason == reason {
			n++
		}
	}
	return n
}

func TestExecutor_Branch(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg001_branch")

	t.Run("TwoPaths", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "Branch")
		e := NewExecutor(t, fn, ranger.Analysis{})

		terms := RunToCompletion(t, e)
		if got, exp := len(terms), 2; got != exp {
			t.Fatalf("len(terms)=%d, expected %d", got, exp)
		}
		if got, exp := countReason(terms, ranger.Exit), 2; got != exp {
			t.Fatalf("exits=%d, expected %d", got, exp)
		}

		// The two paths carry complementary fork digits.
		histories := map[string]bool{}
		for _, term := range terms {
			histories[term.history] = true
		}
		if !histories["0"] || !histories["1"] {
			t.Fatalf("unexpected histories: %v", histories)
		}

		// No snapshots without skipped callees.
		if got := e.Stats().Snapshots; got != 0 {
			t.Fatalf("snapshots=%d, expected 0", got)
		}
	})

	t.Run("DepthMatchesHistory", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "Branch")
		e := NewExecutor(t, fn, ranger.Analysis{})

		for _, term := range RunToCompletion(t, e) {
			forks := 0
			for i := 0; i < len(term.history); i++ {
				if term.history[i] == '0' || term.history[i] == '1' {
					forks++
				}
			}
			if got := term.state.Depth(); got != forks {
				t.Fatalf("depth=%d, history %q has %d forks", got, term.history, forks)
			}
		}
	})

	t.Run("AssertHoldsOnBothPaths", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "Checked")
		e := NewExecutor(t, fn, ranger.Analysis{})

		terms := RunToCompletion(t, e)
		if got := countReason(terms, ranger.Assert); got != 0 {
			t.Fatalf("assert failures=%d, expected 0", got)
		}
		if got, exp := countReason(terms, ranger.Exit), 2; got != exp {
			t.Fatalf("exits=%d, expected %d", got, exp)
		}
	})

	t.Run("AssertSplitsOffFailure", func(t *testing.T) {
		fn := MustFindFunction(t, pkg, "Guarded")
		e := NewExecutor(t, fn, ranger.Analysis{})

		terms := RunToCompletion(t, e)
		if got, exp := countReason(terms, ranger.Assert), 1; got != exp {
			t.Fatalf("assert failures=%d, expected %d", got, exp)
		}
		if got, exp := countReason(terms, ranger.Exit), 1; got != exp {
			t.Fatalf("exits=%d, expected %d", got, exp)
		}
	})
}

func TestExecutor_Switch(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg002_switch")
	fn := MustFindFunction(t, pkg, "Classify")
	e := NewExecutor(t, fn, ranger.Analysis{})

	terms := RunToCompletion(t, e)
	if got, exp := len(terms), 4; got != exp {
		t.Fatalf("len(terms)=%d, expected %d", got, exp)
	}
	if got, exp := countReason(terms, ranger.Exit), 4; got != exp {
		t.Fatalf("exits=%d, expected %d", got, exp)
	}

	// Four feasible cases produce four distinct leaf histories.
	histories := map[string]bool{}
	for _, term := range terms {
		histories[term.history] = true
	}
	if got, exp := len(histories), 4; got != exp {
		t.Fatalf("distinct histories=%d, expected %d: %v", got, exp, histories)
	}
}

func TestExecutor_SolveInputs(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg004_abort")
	fn := MustFindFunction(t, pkg, "Crash")
	e := NewExecutor(t, fn, ranger.Analysis{})

	terms := RunToCompletion(t, e)
	if got, exp := countReason(terms, ranger.Abort), 1; got != exp {
		t.Fatalf("aborts=%d, expected %d", got, exp)
	}

	// Solve the aborting path for its input; it must be 42.
	for _, term := range terms {
		if term.reason != ranger.Abort {
			continue
		}
		state := term.state
		satisfiable, values, err := e.Solver.Solve(state.Constraints(), state.Symbolics())
		if err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("aborting path is unsatisfiable")
		}
		if got, exp := len(values), 1; got != exp {
			t.Fatalf("len(values)=%d, expected %d", got, exp)
		}
		if got, exp := values[0][0], byte(42); got != exp {
			t.Fatalf("input=%d, expected %d", got, exp)
		}
	}
}

func TestExecutionState_Dump(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg001_branch")
	fn := MustFindFunction(t, pkg, "Branch")
	e := NewExecutor(t, fn, ranger.Analysis{})

	state := e.RootState()
	if dump := state.Dump(); !strings.Contains(dump, "EXECUTION STATE") {
		t.Fatalf("unexpected dump: %q", dump)
	}
	if dump := state.DumpConstraints(); dump == "" {
		t.Fatal("expected non-empty constraint dump")
	}
}

func TestExecutor_ErrorLocationHalt(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg004_abort")
	fn := MustFindFunction(t, pkg, "Crash")

	e := ranger.NewExecutor(fn, ranger.Config{
		StopAfterNInstructions: 100000,
		Seed:                   1,
		ErrorLocations:         map[string][]int{"abort.go": {8}},
	}, ranger.Analysis{})
	e.Solver = ranger.NewSolverFacade(ranger.NewRefSolver())

	terms := RunToCompletion(t, e)
	if got := countReason(terms, ranger.Abort); got != 1 {
		t.Fatalf("aborts=%d, expected 1", got)
	}
	if !e.Halted() {
		t.Fatal("expected engine to halt after hitting all error locations")
	}
}
