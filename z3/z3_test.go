package z3_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
	"github.com/ranger-se/ranger/z3"
)

func TestSolver_Solve(t *testing.T) {
	s := z3.NewSolver()
	defer s.Close()

	array := ranger.NewNamedArray(1, "x", 1)
	x := array.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)

	t.Run("Satisfiable", func(t *testing.T) {
		cond := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(42))
		satisfiable, values, err := s.Solve([]ranger.Expr{cond}, []*ranger.Array{array})
		if err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		}
		if got, exp := values[0][0], byte(42); got != exp {
			t.Fatalf("value=%d, expected %d", got, exp)
		}
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		constraints := []ranger.Expr{
			ranger.NewBinaryExpr(ranger.ULT, x, ranger.NewConstantExpr8(2)),
			ranger.NewBinaryExpr(ranger.UGT, x, ranger.NewConstantExpr8(2)),
		}
		satisfiable, _, err := s.Solve(constraints, nil)
		if err != nil {
			t.Fatal(err)
		} else if satisfiable {
			t.Fatal("expected unsatisfiable")
		}
	})

	t.Run("AgreesWithRefSolver", func(t *testing.T) {
		ref := ranger.NewRefSolver()
		constraints := []ranger.Expr{
			ranger.NewBinaryExpr(ranger.UGE, x, ranger.NewConstantExpr8(10)),
			ranger.NewBinaryExpr(ranger.ULE, x, ranger.NewConstantExpr8(10)),
		}

		zsat, zvalues, err := s.Solve(constraints, []*ranger.Array{array})
		if err != nil {
			t.Fatal(err)
		}
		rsat, rvalues, err := ref.Solve(constraints, []*ranger.Array{array})
		if err != nil {
			t.Fatal(err)
		}
		if zsat != rsat {
			t.Fatalf("satisfiability disagrees: z3=%v ref=%v", zsat, rsat)
		}
		if zvalues[0][0] != rvalues[0][0] {
			t.Fatalf("models disagree: z3=%d ref=%d", zvalues[0][0], rvalues[0][0])
		}
	})
}
