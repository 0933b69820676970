package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestSolverFacade(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg001_branch")
	fn := MustFindFunction(t, pkg, "Branch")

	newState := func(t *testing.T) (*ranger.Executor, *ranger.ExecutionState, ranger.Expr) {
		e := NewExecutor(t, fn, ranger.Analysis{})
		array := ranger.NewNamedArray(100, "v", 1)
		x := array.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)
		return e, e.RootState(), x
	}

	t.Run("Evaluate", func(t *testing.T) {
		e, state, x := newState(t)

		cond := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(3))
		if v, err := e.Solver.Evaluate(state, cond); err != nil {
			t.Fatal(err)
		} else if v != ranger.ValidityUnknown {
			t.Fatalf("validity=%s, expected unknown", v)
		}

		// Constrained to 3, the condition becomes valid.
		state.AddConstraint(cond)
		if v, err := e.Solver.Evaluate(state, cond); err != nil {
			t.Fatal(err)
		} else if v != ranger.ValidityTrue {
			t.Fatalf("validity=%s, expected true", v)
		}

		other := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(4))
		if v, err := e.Solver.Evaluate(state, other); err != nil {
			t.Fatal(err)
		} else if v != ranger.ValidityFalse {
			t.Fatalf("validity=%s, expected false", v)
		}
	})

	t.Run("MustBeTrue", func(t *testing.T) {
		e, state, x := newState(t)
		state.AddConstraint(ranger.NewBinaryExpr(ranger.ULT, x, ranger.NewConstantExpr8(10)))

		if ok, err := e.Solver.MustBeTrue(state, ranger.NewBinaryExpr(ranger.ULT, x, ranger.NewConstantExpr8(11))); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatal("x < 10 must imply x < 11")
		}
		if ok, err := e.Solver.MustBeTrue(state, ranger.NewBinaryExpr(ranger.ULT, x, ranger.NewConstantExpr8(5))); err != nil {
			t.Fatal(err)
		} else if ok {
			t.Fatal("x < 10 must not imply x < 5")
		}
	})

	t.Run("GetValue", func(t *testing.T) {
		e, state, x := newState(t)
		state.AddConstraint(ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(77)))

		value, err := e.Solver.GetValue(state, x)
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := value.Value, uint64(77); got != exp {
			t.Fatalf("value=%d, expected %d", got, exp)
		}
	})

	t.Run("GetRange", func(t *testing.T) {
		e, state, x := newState(t)
		state.AddConstraint(ranger.NewBinaryExpr(ranger.UGE, x, ranger.NewConstantExpr8(10)))
		state.AddConstraint(ranger.NewBinaryExpr(ranger.ULE, x, ranger.NewConstantExpr8(20)))

		min, max, err := e.Solver.GetRange(state, x)
		if err != nil {
			t.Fatal(err)
		}
		if min != 10 || max != 20 {
			t.Fatalf("range=[%d,%d], expected [10,20]", min, max)
		}
	})
}

func TestRefSolver(t *testing.T) {
	t.Run("RejectsLargeDomains", func(t *testing.T) {
		solver := ranger.NewRefSolver()
		array := ranger.NewNamedArray(1, "big", 8)
		x := array.Select(ranger.NewConstantExpr32(0), ranger.Width64, true)
		cond := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr64(1))

		if _, _, err := solver.Solve([]ranger.Expr{cond}, nil); err != ranger.ErrSolverResourceLimit {
			t.Fatalf("err=%v, expected resource limit", err)
		}
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		solver := ranger.NewRefSolver()
		array := ranger.NewNamedArray(1, "v", 1)
		x := array.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)
		constraints := []ranger.Expr{
			ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(1)),
			ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(2)),
		}
		satisfiable, _, err := solver.Solve(constraints, nil)
		if err != nil {
			t.Fatal(err)
		}
		if satisfiable {
			t.Fatal("expected unsatisfiable")
		}
	})
}
