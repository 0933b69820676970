package ranger

import (
	"math/rand"
	"time"

	"golang.org/x/exp/slices"
)

// Searcher represents a strategy for finding the next execution state
// to execute.
type Searcher interface {
	// SelectState returns the next state to explore without removing it.
	SelectState() *ExecutionState

	// Update applies the state delta produced by one execution step.
	Update(current *ExecutionState, added, removed []*ExecutionState)

	// Empty returns true if no states are selectable.
	Empty() bool

	// Size returns the number of selectable states.
	Size() int

	// StateToOffload returns a candidate state to surrender to another
	// worker, or nil if the searcher cannot offload.
	StateToOffload() *ExecutionState

	// AtLeastTwo returns true if the searcher could give up a state and
	// still have one left.
	AtLeastTwo() bool
}

// addState & removeState are convenience wrappers over Update.
func addState(s Searcher, es *ExecutionState)    { s.Update(nil, []*ExecutionState{es}, nil) }
func removeState(s Searcher, es *ExecutionState) { s.Update(nil, nil, []*ExecutionState{es}) }

// DFSSearcher explores states in depth-first order.
type DFSSearcher struct {
	states []*ExecutionState
}

// NewDFSSearcher returns a new instance of DFSSearcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

func (s *DFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	return s.states[len(s.states)-1]
}

func (s *DFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, es := range removed {
		if i := slices.Index(s.states, es); i != -1 {
			s.states = slices.Delete(s.states, i, i+1)
		}
	}
}

func (s *DFSSearcher) Empty() bool { return len(s.states) == 0 }
func (s *DFSSearcher) Size() int   { return len(s.states) }

func (s *DFSSearcher) StateToOffload() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	// The bottom of the stack is the shallowest frontier state.
	return s.states[0]
}

func (s *DFSSearcher) AtLeastTwo() bool { return len(s.states) > 1 }

// BFSSearcher explores states in breadth-first order by depth.
//
// A switch-style expansion adds many states at once at varying depths,
// so a plain FIFO would violate BFS order. States are kept in
// per-depth buckets and selection always reads the minimum populated
// depth.
type BFSSearcher struct {
	states          []*ExecutionState
	depths          map[*ExecutionState]int
	buckets         map[int][]*ExecutionState
	currentMinDepth int
}

// NewBFSSearcher returns a new instance of BFSSearcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{
		depths:  make(map[*ExecutionState]int),
		buckets: make(map[int][]*ExecutionState),
	}
}

func (s *BFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	bucket := s.buckets[s.currentMinDepth]
	assert(len(bucket) > 0, "bfs: empty bucket at min depth")
	return bucket[0]
}

func (s *BFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	// Reposition the current state if its depth changed while running.
	if current != nil && !slices.Contains(removed, current) {
		if depth, ok := s.depths[current]; ok && depth != current.depth {
			s.remove(current)
			s.insert(current)
		}
	}
	for _, es := range removed {
		s.remove(es)
	}
	for _, es := range added {
		s.insert(es)
	}
}

func (s *BFSSearcher) insert(es *ExecutionState) {
	if slices.Contains(s.states, es) {
		return
	}
	s.states = append(s.states, es)

	depth := es.depth
	if len(s.depths) == 0 || depth < s.currentMinDepth {
		s.currentMinDepth = depth
	}
	s.depths[es] = depth
	s.buckets[depth] = append(s.buckets[depth], es)
}

func (s *BFSSearcher) remove(es *ExecutionState) {
	i := slices.Index(s.states, es)
	if i == -1 {
		return
	}
	s.states = slices.Delete(s.states, i, i+1)

	depth := s.depths[es]
	delete(s.depths, es)

	bucket := s.buckets[depth]
	if j := slices.Index(bucket, es); j != -1 {
		bucket = slices.Delete(bucket, j, j+1)
	}
	if len(bucket) == 0 {
		delete(s.buckets, depth)
		if depth == s.currentMinDepth && len(s.depths) > 0 {
			// Advance to the next populated bucket.
			next := depth + 1
			for {
				if _, ok := s.buckets[next]; ok {
					break
				}
				next++
			}
			s.currentMinDepth = next
		}
	} else {
		s.buckets[depth] = bucket
	}
}

func (s *BFSSearcher) Empty() bool { return len(s.states) == 0 }
func (s *BFSSearcher) Size() int   { return len(s.states) }

func (s *BFSSearcher) StateToOffload() *ExecutionState {
	return s.SelectState()
}

func (s *BFSSearcher) AtLeastTwo() bool {
	return len(s.buckets[s.currentMinDepth]) > 1
}

// RandomSearcher selects states uniformly at random.
type RandomSearcher struct {
	states []*ExecutionState
	rand   *rand.Rand
}

// NewRandomSearcher returns a new instance of RandomSearcher.
func NewRandomSearcher(rand *rand.Rand) *RandomSearcher {
	return &RandomSearcher{rand: rand}
}

func (s *RandomSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	return s.states[s.rand.Intn(len(s.states))]
}

func (s *RandomSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, es := range removed {
		if i := slices.Index(s.states, es); i != -1 {
			s.states = slices.Delete(s.states, i, i+1)
		}
	}
}

func (s *RandomSearcher) Empty() bool { return len(s.states) == 0 }
func (s *RandomSearcher) Size() int   { return len(s.states) }

func (s *RandomSearcher) StateToOffload() *ExecutionState {
	return s.SelectState()
}

func (s *RandomSearcher) AtLeastTwo() bool { return len(s.states) > 1 }

// WeightType selects the metric of a WeightedRandomSearcher.
type WeightType int

const (
	WeightDepth WeightType = iota
	WeightInstCount
	WeightCPInstCount
	WeightQueryCost
	WeightMinDistToUncovered
	WeightCoveringNew
)

// WeightedRandomSearcher selects states randomly, biased by a weight
// metric. Weights are refreshed on update unless the metric is
// depth-based (depth only changes through forks, which re-add states).
type WeightedRandomSearcher struct {
	executor *Executor
	typ      WeightType
	rand     *rand.Rand

	states  []*ExecutionState
	weights map[*ExecutionState]float64
	total   float64
}

// NewWeightedRandomSearcher returns a new instance of WeightedRandomSearcher.
func NewWeightedRandomSearcher(executor *Executor, typ WeightType, rand *rand.Rand) *WeightedRandomSearcher {
	return &WeightedRandomSearcher{
		executor: executor,
		typ:      typ,
		rand:     rand,
		weights:  make(map[*ExecutionState]float64),
	}
}

func (s *WeightedRandomSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	target := s.rand.Float64() * s.total
	for _, es := range s.states {
		target -= s.weights[es]
		if target <= 0 {
			return es
		}
	}
	return s.states[len(s.states)-1]
}

func (s *WeightedRandomSearcher) getWeight(es *ExecutionState) float64 {
	switch s.typ {
	case WeightInstCount:
		count := s.executor.instrCount(es.Instr())
		inv := 1 / float64(max64(1, count))
		return inv * inv
	case WeightCPInstCount:
		count := s.executor.callPathInstrCount(es.Frame())
		return 1 / float64(max64(1, count))
	case WeightQueryCost:
		if es.queryCost < 100*time.Millisecond {
			return 1
		}
		return 1 / es.queryCost.Seconds()
	case WeightMinDistToUncovered:
		md2u := s.executor.minDistToUncovered(es.Instr())
		invMD2U := 1 / float64(max64(md2u, 1)*max64(md2u, 1))
		return invMD2U
	case WeightCoveringNew:
		md2u := s.executor.minDistToUncovered(es.Instr())
		invMD2U := 1 / float64(max64(md2u, 1))
		var invCovNew float64
		if es.instsSinceCovNew > 0 {
			d := es.instsSinceCovNew - 1000
			if d < 1 {
				d = 1
			}
			invCovNew = 1 / float64(d)
		}
		return invCovNew*invCovNew + invMD2U*invMD2U
	default: // WeightDepth
		return es.weight
	}
}

func (s *WeightedRandomSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	if current != nil && s.typ != WeightDepth && !slices.Contains(removed, current) {
		if _, ok := s.weights[current]; ok {
			s.setWeight(current, s.getWeight(current))
		}
	}
	for _, es := range added {
		if _, ok := s.weights[es]; ok {
			continue
		}
		s.states = append(s.states, es)
		s.setWeight(es, s.getWeight(es))
	}
	for _, es := range removed {
		if i := slices.Index(s.states, es); i != -1 {
			s.states = slices.Delete(s.states, i, i+1)
			s.total -= s.weights[es]
			delete(s.weights, es)
		}
	}
}

func (s *WeightedRandomSearcher) setWeight(es *ExecutionState, w float64) {
	s.total += w - s.weights[es]
	s.weights[es] = w
}

func (s *WeightedRandomSearcher) Empty() bool { return len(s.states) == 0 }
func (s *WeightedRandomSearcher) Size() int   { return len(s.states) }

func (s *WeightedRandomSearcher) StateToOffload() *ExecutionState {
	return s.SelectState()
}

func (s *WeightedRandomSearcher) AtLeastTwo() bool { return len(s.states) > 1 }

// RandomPathSearcher walks the process tree with random bit draws.
// Landing on a suspended state descends into its live recovery state.
type RandomPathSearcher struct {
	executor *Executor
	rand     *rand.Rand
}

// NewRandomPathSearcher returns a new instance of RandomPathSearcher.
func NewRandomPathSearcher(executor *Executor, rand *rand.Rand) *RandomPathSearcher {
	return &RandomPathSearcher{executor: executor, rand: rand}
}

func (s *RandomPathSearcher) SelectState() *ExecutionState {
	n := s.executor.ptree.Root
	if n == nil {
		return nil
	}

	var flips uint32
	var bits int
	for n.Data == nil {
		if n.Left == nil {
			n = n.Right
		} else if n.Right == nil {
			n = n.Left
		} else {
			if bits == 0 {
				flips = s.rand.Uint32()
				bits = 32
			}
			bits--
			if flips&(1<<uint(bits)) != 0 {
				n = n.Left
			} else {
				n = n.Right
			}
		}
	}

	es := n.Data
	for es.IsNormal() && es.IsSuspended() {
		if es.recoveryState == nil {
			return nil
		}
		es = es.recoveryState
	}
	return es
}

// Update is a no-op; the searcher reads states from the process tree.
func (s *RandomPathSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {}

func (s *RandomPathSearcher) Empty() bool { return len(s.executor.states) == 0 }
func (s *RandomPathSearcher) Size() int   { return len(s.executor.states) }

func (s *RandomPathSearcher) StateToOffload() *ExecutionState { return nil }
func (s *RandomPathSearcher) AtLeastTwo() bool                { return false }

// SplittedSearcher routes recovery states to a secondary searcher and
// picks from the recovery side with probability ratio/100 when both
// sides are populated.
type SplittedSearcher struct {
	base     Searcher
	recovery Searcher
	ratio    int
	rand     *rand.Rand
}

// NewSplittedSearcher returns a new instance of SplittedSearcher.
func NewSplittedSearcher(base, recovery Searcher, ratio int, rand *rand.Rand) *SplittedSearcher {
	return &SplittedSearcher{base: base, recovery: recovery, ratio: ratio, rand: rand}
}

func (s *SplittedSearcher) SelectState() *ExecutionState {
	if s.base.Empty() {
		return s.recovery.SelectState()
	}
	if s.recovery.Empty() {
		return s.base.SelectState()
	}
	if s.rand.Intn(100) < s.ratio {
		return s.recovery.SelectState()
	}
	return s.base.SelectState()
}

func (s *SplittedSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	addedBase, addedRecovery := splitStates(added)
	removedBase, removedRecovery := splitStates(removed)

	if current != nil && current.IsRecovery() {
		s.base.Update(nil, addedBase, removedBase)
	} else {
		s.base.Update(current, addedBase, removedBase)
	}
	if current != nil && !current.IsRecovery() {
		s.recovery.Update(nil, addedRecovery, removedRecovery)
	} else {
		s.recovery.Update(current, addedRecovery, removedRecovery)
	}
}

func (s *SplittedSearcher) Empty() bool { return s.base.Empty() && s.recovery.Empty() }
func (s *SplittedSearcher) Size() int   { return s.base.Size() + s.recovery.Size() }

func (s *SplittedSearcher) StateToOffload() *ExecutionState {
	return s.base.StateToOffload()
}

func (s *SplittedSearcher) AtLeastTwo() bool { return s.base.AtLeastTwo() }

// OptimizedSplittedSearcher adds a high-priority lane for freshly
// spawned recovery states. The lane is flushed into the low-priority
// recovery searcher when a root recovery state completes.
type OptimizedSplittedSearcher struct {
	base         Searcher
	recovery     Searcher
	highPriority Searcher
	ratio        int
	rand         *rand.Rand
}

// NewOptimizedSplittedSearcher returns a new instance of OptimizedSplittedSearcher.
func NewOptimizedSplittedSearcher(base, recovery, highPriority Searcher, ratio int, rand *rand.Rand) *OptimizedSplittedSearcher {
	return &OptimizedSplittedSearcher{
		base:         base,
		recovery:     recovery,
		highPriority: highPriority,
		ratio:        ratio,
		rand:         rand,
	}
}

func (s *OptimizedSplittedSearcher) SelectState() *ExecutionState {
	// High-priority recovery states are always considered first.
	if !s.highPriority.Empty() {
		return s.highPriority.SelectState()
	}
	if s.base.Empty() {
		return s.recovery.SelectState()
	}
	if s.recovery.Empty() {
		return s.base.SelectState()
	}
	if s.rand.Intn(100) < s.ratio {
		return s.recovery.SelectState()
	}
	return s.base.SelectState()
}

func (s *OptimizedSplittedSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	var addedBase, addedRecovery []*ExecutionState
	for _, es := range added {
		if !es.IsRecovery() {
			addedBase = append(addedBase, es)
		} else if es.priority == PriorityHigh {
			addState(s.highPriority, es)
		} else {
			addedRecovery = append(addedRecovery, es)
		}
	}

	var removedBase, removedRecovery []*ExecutionState
	for _, es := range removed {
		if !es.IsRecovery() {
			removedBase = append(removedBase, es)
		} else if es.priority == PriorityHigh {
			removeState(s.highPriority, es)
			// Flush the lane only when a root recovery state completes.
			if es.IsResumed() && es.level == 0 {
				for !s.highPriority.Empty() {
					rs := s.highPriority.SelectState()
					removeState(s.highPriority, rs)
					rs.setPriority(PriorityLow)
					addState(s.recovery, rs)
				}
			}
		} else {
			removedRecovery = append(removedRecovery, es)
		}
	}

	if current != nil && current.IsRecovery() {
		s.base.Update(nil, addedBase, removedBase)
	} else {
		s.base.Update(current, addedBase, removedBase)
	}
	if current != nil && !current.IsRecovery() {
		s.recovery.Update(nil, addedRecovery, removedRecovery)
	} else {
		s.recovery.Update(current, addedRecovery, removedRecovery)
	}
}

func (s *OptimizedSplittedSearcher) Empty() bool {
	return s.base.Empty() && s.recovery.Empty() && s.highPriority.Empty()
}

func (s *OptimizedSplittedSearcher) Size() int {
	return s.base.Size() + s.recovery.Size() + s.highPriority.Size()
}

func (s *OptimizedSplittedSearcher) StateToOffload() *ExecutionState {
	return s.base.StateToOffload()
}

func (s *OptimizedSplittedSearcher) AtLeastTwo() bool { return s.base.AtLeastTwo() }

func splitStates(states []*ExecutionState) (base, recovery []*ExecutionState) {
	for _, es := range states {
		if es.IsRecovery() {
			recovery = append(recovery, es)
		} else {
			base = append(base, es)
		}
	}
	return base, recovery
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
