package dist_test

import (
	"sync"
	"testing"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	ranger "github.com/ranger-se/ranger"
	"github.com/ranger-se/ranger/dist"
)

// buildFunction loads one testdata package and returns the named function.
func buildFunction(tb testing.TB, path, name string) *ssa.Function {
	tb.Helper()

	initial, err := packages.Load(&packages.Config{Mode: packages.LoadAllSyntax}, path)
	if err != nil {
		tb.Fatal(err)
	} else if packages.PrintErrors(initial) > 0 {
		tb.Fatal("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	prog.Build()

	fn, ok := pkgs[0].Members[name].(*ssa.Function)
	if !ok {
		tb.Fatalf("function not found: %s", name)
	}
	return fn
}

func newNodeExecutor(tb testing.TB, fn *ssa.Function) *ranger.Executor {
	tb.Helper()
	e := ranger.NewExecutor(fn, ranger.Config{
		StopAfterNInstructions: 100000,
		Seed:                   1,
	}, ranger.Analysis{})
	e.Solver = ranger.NewSolverFacade(ranger.NewRefSolver())
	return e
}

// A master and two workers together cover exactly the paths a single
// node would.
func TestMasterWorker_Completeness(t *testing.T) {
	fn := buildFunction(t, "../testdata/pkg002_switch", "Classify")

	// Reference: single-node exploration.
	reference := map[string]bool{}
	single := newNodeExecutor(t, fn)
	single.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		if reason == ranger.Exit {
			reference[state.BranchHist()] = true
		}
	}
	if err := single.Run(); err != nil {
		t.Fatal(err)
	}

	// The bound must cover the program's fork depth: workers prune
	// non-recovery states beyond it.
	endpoints := dist.NewChanFabric(3)
	config := dist.Config{ExplorationBound: 4}

	var mu sync.Mutex
	covered := map[string]bool{}

	var wg sync.WaitGroup
	for rank := 1; rank < 3; rank++ {
		e := newNodeExecutor(t, fn)
		e.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
			if reason == ranger.Exit {
				mu.Lock()
				covered[state.BranchHist()] = true
				mu.Unlock()
			}
		}
		worker := dist.NewWorker(endpoints[rank], e, config)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(); err != nil {
				t.Error(err)
			}
		}()
	}

	master := dist.NewMaster(endpoints[0], newNodeExecutor(t, fn), config)
	errorCount, err := master.Run()
	if err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if errorCount != 0 {
		t.Fatalf("errors=%d, expected 0", errorCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if got, exp := len(covered), len(reference); got != exp {
		t.Fatalf("covered %d paths, expected %d: %v vs %v", got, exp, covered, reference)
	}
	for history := range reference {
		if !covered[history] {
			t.Fatalf("history %q not covered by workers", history)
		}
	}
}

// A reported bug stops every worker.
func TestMasterWorker_BugStopsRun(t *testing.T) {
	fn := buildFunction(t, "../testdata/pkg004_abort", "Crash")

	endpoints := dist.NewChanFabric(2)
	config := dist.Config{ExplorationBound: 2}

	var wg sync.WaitGroup
	e := newNodeExecutor(t, fn)
	worker := dist.NewWorker(endpoints[1], e, config)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(); err != nil {
			t.Error(err)
		}
	}()

	master := dist.NewMaster(endpoints[0], newNodeExecutor(t, fn), config)
	errorCount, err := master.Run()
	if err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if errorCount == 0 {
		t.Fatal("expected at least one reported bug")
	}
	if !e.Halted() {
		t.Fatal("expected worker executor to halt")
	}
}
