package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestAddressSpace(t *testing.T) {
	t.Run("ResolveOne", func(t *testing.T) {
		as := ranger.NewAddressSpace()
		alloc := ranger.NewAllocator(64)
		mo := alloc.Allocate(8, false, nil)
		as.Bind(ranger.NewObjectState(mo))

		os, ok := as.ResolveOne(mo.Address + 4)
		if !ok || os.Object != mo {
			t.Fatal("expected containing object")
		}
		if _, ok := as.ResolveOne(mo.Address + 1024); ok {
			t.Fatal("expected miss above allocation")
		}
	})

	t.Run("CloneIsCopyOnWrite", func(t *testing.T) {
		as := ranger.NewAddressSpace()
		alloc := ranger.NewAllocator(64)
		mo := alloc.Allocate(1, false, nil)
		as.Bind(ranger.NewObjectState(mo))

		clone := as.Clone()

		// A write through the clone must not leak into the original.
		os, _ := clone.ResolveOne(mo.Address)
		clone.Write(os, ranger.NewConstantExpr(0, 64), ranger.NewConstantExpr8(0xEE), true)

		cloneOS, _ := clone.ResolveOne(mo.Address)
		if value := cloneOS.Read(ranger.NewConstantExpr(0, 64), ranger.Width8, true); !isConstValue(value, 0xEE) {
			t.Fatalf("clone read=%s", value.String())
		}

		origOS, _ := as.ResolveOne(mo.Address)
		if value := origOS.Read(ranger.NewConstantExpr(0, 64), ranger.Width8, true); isConstValue(value, 0xEE) {
			t.Fatal("write leaked into original address space")
		}
	})

	t.Run("GetWriteable", func(t *testing.T) {
		as := ranger.NewAddressSpace()
		alloc := ranger.NewAllocator(64)
		mo := alloc.Allocate(1, false, nil)
		as.Bind(ranger.NewObjectState(mo))

		shared, _ := as.ResolveOne(mo.Address)
		private := as.GetWriteable(shared)
		if private == shared {
			t.Fatal("expected a private copy")
		}

		// The private copy is rebound, so later resolution observes it.
		if os, _ := as.ResolveOne(mo.Address); os != private {
			t.Fatal("writeable object state not rebound")
		}
	})

	t.Run("Unbind", func(t *testing.T) {
		as := ranger.NewAddressSpace()
		alloc := ranger.NewAllocator(64)
		mo := alloc.Allocate(4, true, nil)
		as.Bind(ranger.NewObjectState(mo))
		as.Unbind(mo)
		if _, ok := as.ResolveOne(mo.Address); ok {
			t.Fatal("expected object to be unbound")
		}
	})

	t.Run("AllocatorAddressesAreDisjoint", func(t *testing.T) {
		alloc := ranger.NewAllocator(64)
		a := alloc.Allocate(16, false, nil)
		b := alloc.Allocate(16, false, nil)
		if a.Contains(b.Address) || b.Contains(a.Address) {
			t.Fatalf("overlapping allocations: %#x/%#x", a.Address, b.Address)
		}
	})
}

func isConstValue(expr ranger.Expr, value uint64) bool {
	c, ok := expr.(*ranger.ConstantExpr)
	return ok && c.Value == value
}
