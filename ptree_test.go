package ranger_test

import (
	"testing"

	ranger "github.com/ranger-se/ranger"
)

func TestPTree(t *testing.T) {
	t.Run("SplitProducesTwoLeaves", func(t *testing.T) {
		root := &ranger.ExecutionState{}
		tree := ranger.NewPTree(root)

		a, b := &ranger.ExecutionState{}, &ranger.ExecutionState{}
		left, right := tree.Split(tree.Root, a, b)
		if left.Data != a || right.Data != b {
			t.Fatal("split leaves do not carry the new states")
		}
		if tree.Root.Data != nil {
			t.Fatal("split parent still carries a state")
		}

		leaves := tree.Leaves()
		if got, exp := len(leaves), 2; got != exp {
			t.Fatalf("len(leaves)=%d, expected %d", got, exp)
		}
	})

	t.Run("RemoveContractsUnaryAncestors", func(t *testing.T) {
		root := &ranger.ExecutionState{}
		tree := ranger.NewPTree(root)

		a, b := &ranger.ExecutionState{}, &ranger.ExecutionState{}
		left, _ := tree.Split(tree.Root, a, b)
		c, d := &ranger.ExecutionState{}, &ranger.ExecutionState{}
		tree.Split(left, c, d)

		// Removing one grandchild contracts its parent; the sibling
		// subtree takes its place.
		tree.Remove(leafOf(t, tree, c))
		leaves := tree.Leaves()
		if got, exp := len(leaves), 2; got != exp {
			t.Fatalf("len(leaves)=%d, expected %d", got, exp)
		}
		for _, state := range leaves {
			if state == c {
				t.Fatal("removed state still present")
			}
		}
	})

	t.Run("RemoveLastLeafEmptiesTree", func(t *testing.T) {
		root := &ranger.ExecutionState{}
		tree := ranger.NewPTree(root)
		tree.Remove(tree.Root)
		if tree.Root != nil {
			t.Fatal("expected empty tree")
		}
	})
}

// leafOf locates the leaf carrying state.
func leafOf(tb testing.TB, tree *ranger.PTree, state *ranger.ExecutionState) *ranger.PTreeNode {
	tb.Helper()
	var found *ranger.PTreeNode
	var walk func(n *ranger.PTreeNode)
	walk = func(n *ranger.PTreeNode) {
		if n == nil {
			return
		}
		if n.Data == state {
			found = n
			return
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(tree.Root)
	if found == nil {
		tb.Fatal("leaf not found")
	}
	return found
}

// After every scheduling step the process-tree leaves are exactly the
// live plus suspended states.
func TestPTree_LeavesMatchStates(t *testing.T) {
	pkg := MustBuildProgram(t, "./testdata/pkg002_switch")
	fn := MustFindFunction(t, pkg, "Classify")
	e := NewExecutor(t, fn, ranger.Analysis{})

	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// The run drained: no live states, no leaves.
	if got := len(e.States()); got != 0 {
		t.Fatalf("live states=%d, expected 0", got)
	}
	if e.PTree().Root != nil {
		if got := len(e.PTree().Leaves()); got != 0 {
			t.Fatalf("leaves=%d, expected 0", got)
		}
	}
}
