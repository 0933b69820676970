package ranger

import (
	"math/rand"
	"testing"

	"golang.org/x/tools/go/ssa"
)

func normalState(depth int) *ExecutionState {
	return &ExecutionState{typ: NormalState, depth: depth, weight: 1}
}

func recoveryState(level, priority int) *ExecutionState {
	return &ExecutionState{typ: RecoveryState, level: level, priority: priority}
}

func TestDFSSearcher(t *testing.T) {
	s := NewDFSSearcher()
	a, b := normalState(0), normalState(1)
	addState(s, a)
	addState(s, b)

	if got := s.SelectState(); got != b {
		t.Fatal("dfs must select the newest state")
	}
	if got := s.StateToOffload(); got != a {
		t.Fatal("dfs must offload the oldest state")
	}
	if !s.AtLeastTwo() {
		t.Fatal("expected two selectable states")
	}

	removeState(s, b)
	if got := s.SelectState(); got != a {
		t.Fatal("dfs must fall back to the remaining state")
	}
}

func TestBFSSearcher(t *testing.T) {
	t.Run("SelectsMinimumDepth", func(t *testing.T) {
		s := NewBFSSearcher()
		deep := normalState(4)
		shallow := normalState(2)
		addState(s, deep)
		addState(s, shallow)

		if got := s.SelectState(); got != shallow {
			t.Fatalf("selected depth %d, expected 2", got.depth)
		}
	})

	t.Run("AdvancesToNextPopulatedBucket", func(t *testing.T) {
		s := NewBFSSearcher()
		a, b := normalState(1), normalState(5)
		addState(s, a)
		addState(s, b)

		removeState(s, a)
		if got := s.SelectState(); got != b {
			t.Fatal("expected deeper bucket after draining minimum")
		}
	})

	t.Run("RepositionsCurrentOnDepthChange", func(t *testing.T) {
		s := NewBFSSearcher()
		a, b := normalState(1), normalState(1)
		addState(s, a)
		addState(s, b)

		// a forked while running and got deeper; b must now be first.
		a.depth = 3
		s.Update(a, nil, nil)
		if got := s.SelectState(); got != b {
			t.Fatal("expected untouched state at minimum depth")
		}
	})
}

func TestRandomSearcher(t *testing.T) {
	s := NewRandomSearcher(rand.New(rand.NewSource(1)))
	states := map[*ExecutionState]bool{}
	for i := 0; i < 4; i++ {
		es := normalState(i)
		states[es] = true
		addState(s, es)
	}

	for i := 0; i < 32; i++ {
		if es := s.SelectState(); !states[es] {
			t.Fatal("selected unknown state")
		}
	}
	if got, exp := s.Size(), 4; got != exp {
		t.Fatalf("size=%d, expected %d", got, exp)
	}
}

func TestSplittedSearcher(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	t.Run("RoutesByStateType", func(t *testing.T) {
		s := NewSplittedSearcher(NewDFSSearcher(), NewDFSSearcher(), 50, rnd)
		n := normalState(0)
		r := recoveryState(0, PriorityLow)
		s.Update(nil, []*ExecutionState{n, r}, nil)

		if got, exp := s.Size(), 2; got != exp {
			t.Fatalf("size=%d, expected %d", got, exp)
		}

		// With only one side populated, selection is deterministic.
		removeState(s, r)
		if got := s.SelectState(); got != n {
			t.Fatal("expected base state when recovery side empty")
		}
	})

	t.Run("RatioZeroPrefersBase", func(t *testing.T) {
		s := NewSplittedSearcher(NewDFSSearcher(), NewDFSSearcher(), 0, rnd)
		n := normalState(0)
		r := recoveryState(0, PriorityLow)
		s.Update(nil, []*ExecutionState{n, r}, nil)

		for i := 0; i < 16; i++ {
			if got := s.SelectState(); got != n {
				t.Fatal("ratio 0 must never select recovery states")
			}
		}
	})

	t.Run("RatioHundredPrefersRecovery", func(t *testing.T) {
		s := NewSplittedSearcher(NewDFSSearcher(), NewDFSSearcher(), 100, rnd)
		n := normalState(0)
		r := recoveryState(0, PriorityLow)
		s.Update(nil, []*ExecutionState{n, r}, nil)

		for i := 0; i < 16; i++ {
			if got := s.SelectState(); got != r {
				t.Fatal("ratio 100 must always select recovery states")
			}
		}
	})
}

func TestOptimizedSplittedSearcher(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	t.Run("HighPriorityLaneWins", func(t *testing.T) {
		s := NewOptimizedSplittedSearcher(NewDFSSearcher(), NewDFSSearcher(), NewDFSSearcher(), 0, rnd)
		n := normalState(0)
		fresh := recoveryState(1, PriorityHigh)
		s.Update(nil, []*ExecutionState{n, fresh}, nil)

		if got := s.SelectState(); got != fresh {
			t.Fatal("expected high-priority recovery state first")
		}
	})

	t.Run("FlushOnRootRecoveryCompletion", func(t *testing.T) {
		s := NewOptimizedSplittedSearcher(NewDFSSearcher(), NewDFSSearcher(), NewDFSSearcher(), 100, rnd)
		root := recoveryState(0, PriorityHigh)
		nested := recoveryState(1, PriorityHigh)
		s.Update(nil, []*ExecutionState{root, nested}, nil)

		// Completing the root flushes the lane into the low-priority
		// recovery searcher.
		s.Update(nil, nil, []*ExecutionState{root})
		if got, exp := nested.priority, PriorityLow; got != exp {
			t.Fatalf("priority=%d, expected %d", got, exp)
		}
		if got := s.SelectState(); got != nested {
			t.Fatal("expected flushed state selectable via recovery lane")
		}
	})
}

func TestWeightedRandomSearcher(t *testing.T) {
	e := &Executor{
		instrCounts:   make(map[ssa.Instruction]uint64),
		fnInstrCounts: make(map[*ssa.Function]uint64),
	}
	s := NewWeightedRandomSearcher(e, WeightDepth, rand.New(rand.NewSource(1)))

	a, b := normalState(0), normalState(1)
	a.weight, b.weight = 1, 0
	addState(s, a)
	addState(s, b)

	// All probability mass sits on a.
	for i := 0; i < 32; i++ {
		if got := s.SelectState(); got != a {
			t.Fatal("expected the weighted state")
		}
	}

	removeState(s, a)
	if got := s.SelectState(); got != b {
		t.Fatal("expected remaining state after removal")
	}
}
