package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestConstantExpr(t *testing.T) {
	t.Run("ArithmeticFolding", func(t *testing.T) {
		x := ranger.NewConstantExpr8(250)
		y := ranger.NewConstantExpr8(10)

		if got, exp := x.Add(y).Value, uint64(4); got != exp { // wraps at width
			t.Fatalf("Add=%d, expected %d", got, exp)
		}
		if got, exp := x.Sub(y).Value, uint64(240); got != exp {
			t.Fatalf("Sub=%d, expected %d", got, exp)
		}
		if got, exp := y.Mul(y).Value, uint64(100); got != exp {
			t.Fatalf("Mul=%d, expected %d", got, exp)
		}
	})

	t.Run("SignedComparison", func(t *testing.T) {
		neg := ranger.NewConstantExpr8(0xFF) // -1 as int8
		one := ranger.NewConstantExpr8(1)

		if !neg.Slt(one).IsTrue() {
			t.Fatal("-1 slt 1 expected true")
		}
		if neg.Ult(one).IsTrue() {
			t.Fatal("255 ult 1 expected false")
		}
	})

	t.Run("Extension", func(t *testing.T) {
		neg := ranger.NewConstantExpr8(0x80)
		if got, exp := neg.SExt(16).Value, uint64(0xFF80); got != exp {
			t.Fatalf("SExt=%#x, expected %#x", got, exp)
		}
		if got, exp := neg.ZExt(16).Value, uint64(0x80); got != exp {
			t.Fatalf("ZExt=%#x, expected %#x", got, exp)
		}
	})

	t.Run("DivisionByZero", func(t *testing.T) {
		x := ranger.NewConstantExpr8(9)
		zero := ranger.NewConstantExpr8(0)
		if got := x.UDiv(zero).Value; got != 0 {
			t.Fatalf("UDiv by zero=%d, expected 0", got)
		}
	})
}

func TestNewBinaryExpr(t *testing.T) {
	t.Run("FoldsConstants", func(t *testing.T) {
		expr := ranger.NewBinaryExpr(ranger.ADD, ranger.NewConstantExpr8(1), ranger.NewConstantExpr8(2))
		c, ok := expr.(*ranger.ConstantExpr)
		if !ok || c.Value != 3 {
			t.Fatalf("expected folded constant, got %s", expr.String())
		}
	})

	t.Run("NormalizesComparisonDuals", func(t *testing.T) {
		array := ranger.NewArray(1, 1)
		x := array.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)

		expr := ranger.NewBinaryExpr(ranger.UGT, x, ranger.NewConstantExpr8(5))
		b, ok := expr.(*ranger.BinaryExpr)
		if !ok || b.Op != ranger.ULT {
			t.Fatalf("expected ULT dual, got %s", expr.String())
		}
	})

	t.Run("WidthOfCompareIsBool", func(t *testing.T) {
		array := ranger.NewArray(1, 1)
		x := array.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)
		expr := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr8(5))
		if got, exp := ranger.ExprWidth(expr), uint(ranger.WidthBool); got != exp {
			t.Fatalf("width=%d, expected %d", got, exp)
		}
	})
}

func TestExprEvaluator(t *testing.T) {
	array := ranger.NewNamedArray(1, "x", 2)
	x := array.Select(ranger.NewConstantExpr32(0), ranger.Width16, true)

	ee := ranger.NewExprEvaluator([]*ranger.Array{array}, [][]byte{{0x34, 0x12}})
	value, err := ee.Evaluate(x)
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := value.Value, uint64(0x1234); got != exp { // little endian
		t.Fatalf("value=%#x, expected %#x", got, exp)
	}

	cond := ranger.NewBinaryExpr(ranger.EQ, x, ranger.NewConstantExpr16(0x1234))
	value, err = ee.Evaluate(cond)
	if err != nil {
		t.Fatal(err)
	}
	if !value.IsTrue() {
		t.Fatal("expected condition to evaluate true")
	}
}

func TestFindArrays(t *testing.T) {
	a := ranger.NewArray(1, 1)
	b := ranger.NewArray(2, 1)
	x := a.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)
	y := b.Select(ranger.NewConstantExpr32(0), ranger.Width8, true)
	expr := ranger.NewBinaryExpr(ranger.ULT, x, y)

	arrays := ranger.FindArrays(expr)
	if got, exp := len(arrays), 2; got != exp {
		t.Fatalf("len(arrays)=%d, expected %d", got, exp)
	}
	if arrays[0].ID != 1 || arrays[1].ID != 2 {
		t.Fatalf("arrays not ordered by ID: %v, %v", arrays[0], arrays[1])
	}
}
