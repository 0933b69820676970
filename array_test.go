package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestArray(t *testing.T) {
	t.Run("StoreThenSelectFoldsConstant", func(t *testing.T) {
		array := ranger.NewArray(1, 8)
		array = array.Store(ranger.NewConstantExpr64(0), ranger.NewConstantExpr64(0x1122334455667788), true)

		value := array.Select(ranger.NewConstantExpr64(0), ranger.Width64, true)
		c, ok := value.(*ranger.ConstantExpr)
		if !ok {
			t.Fatalf("expected constant read, got %s", value.String())
		}
		if got, exp := c.Value, uint64(0x1122334455667788); got != exp {
			t.Fatalf("value=%#x, expected %#x", got, exp)
		}
	})

	t.Run("StoreIsCopyOnWrite", func(t *testing.T) {
		array := ranger.NewArray(1, 1)
		updated := array.Store(ranger.NewConstantExpr64(0), ranger.NewConstantExpr8(0xAB), true)

		if array.Updates != nil {
			t.Fatal("original array was mutated")
		}
		value := updated.Select(ranger.NewConstantExpr64(0), ranger.Width8, true)
		if c, ok := value.(*ranger.ConstantExpr); !ok || c.Value != 0xAB {
			t.Fatalf("updated read=%s", value.String())
		}
	})

	t.Run("SymbolicReadStaysSymbolic", func(t *testing.T) {
		array := ranger.NewArray(1, 4)
		value := array.Select(ranger.NewConstantExpr64(2), ranger.Width8, true)
		if _, ok := value.(*ranger.SelectExpr); !ok {
			t.Fatalf("expected select expression, got %s", value.String())
		}
	})

	t.Run("IsSymbolic", func(t *testing.T) {
		array := ranger.NewArray(1, 2)
		if !array.IsSymbolic() {
			t.Fatal("fresh array expected symbolic")
		}
		array = array.Store(ranger.NewConstantExpr64(0), ranger.NewConstantExpr16(7), true)
		if array.IsSymbolic() {
			t.Fatal("fully written array expected concrete")
		}
	})

	t.Run("Equal", func(t *testing.T) {
		a := ranger.NewArray(1, 1).Store(ranger.NewConstantExpr64(0), ranger.NewConstantExpr8(3), true)
		b := ranger.NewArray(2, 1).Store(ranger.NewConstantExpr64(0), ranger.NewConstantExpr8(3), true)
		if !ranger.IsConstantTrue(a.Equal(b)) {
			t.Fatal("identical arrays expected equal")
		}

		c := ranger.NewArray(3, 2)
		if !ranger.IsConstantFalse(a.Equal(c)) {
			t.Fatal("different sizes expected unequal")
		}
	})
}
