package ranger

import (
	"fmt"
	"log"

	"golang.org/x/tools/go/ssa"
)

// The recovery engine implements lazy re-execution of skipped callees.
// A skipped side-effecting call leaves a snapshot behind; when the
// caller later reads a location the callee may have written, a recovery
// state is spawned from the snapshot, re-executes the relevant slice,
// and merges its writes back into the suspended caller.

// hugeAllocSize is the limit above which a dynamic allocation fails.
const hugeAllocSize = 1 << 31

// isFunctionToSkip returns true if the callee is configured to be
// skipped at this call site.
func (e *Executor) isFunctionToSkip(state *ExecutionState, fn *ssa.Function) bool {
	for _, option := range e.analysis.SkipFunctions {
		if option.Name != fn.Name() {
			continue
		}

		// Skip any call site unless line filters are present.
		if len(option.Lines) == 0 {
			return true
		}

		pos := state.Position()
		if pos.Line == 0 {
			log.Printf("[warn] call filter for %s: debug info not found", option.Name)
			return true
		}
		for _, line := range option.Lines {
			if line == pos.Line {
				return true
			}
		}
		return false
	}
	return false
}

// takeSnapshot records an immutable copy of the state at a skipped
// side-effecting call.
func (e *Executor) takeSnapshot(state *ExecutionState, fn *ssa.Function) {
	index := len(state.snapshots)
	log.Printf("[recover] state %d: adding snapshot (index = %d) for %s", state.id, index, fn.Name())

	snapshotState := state.Branch()
	snapshotState.guidingConstraints = nil
	snapshot := NewSnapshot(snapshotState, fn)
	state.addSnapshot(snapshot)
	state.clearRecoveredAddresses()
	e.stats.Snapshots++
}

// handleMayBlockingLoad decides whether a load must wait for recovery.
// Returns true if a recovery state was started; the load instruction is
// rewound so it re-executes after the dependent resumes.
func (e *Executor) handleMayBlockingLoad(state *ExecutionState, instr *ssa.UnOp, addr uint64) (bool, error) {
	if !e.isMayBlockingLoad(state, instr, addr) {
		return false, nil
	}

	if err := e.collectRecoveryInfos(state, instr, addr); err != nil {
		return false, err
	}
	if !state.hasPendingRecoveryInfo() {
		// Not dependent on previously skipped functions after all.
		return false, nil
	}

	// Re-execute the load once recovery completes.
	state.Frame().RewindInstr()

	ri := state.popPendingRecoveryInfo()
	log.Printf("[recover] state %d: blocking load at %#x", state.id, addr)
	e.startRecoveryState(state, ri)

	if !state.IsSuspended() {
		e.suspendState(state)
	}
	return true, nil
}

// isMayBlockingLoad applies the runtime conditions on top of the static
// may-blocking hint.
func (e *Executor) isMayBlockingLoad(state *ExecutionState, instr *ssa.UnOp, addr uint64) bool {
	// Basic check based on static analysis.
	if e.analysis.MayBlockingLoads == nil || !e.analysis.MayBlockingLoads[instr] {
		return false
	}

	// There is no need for recovery if the value is not used.
	if refs := instr.Referrers(); refs == nil || len(*refs) == 0 {
		return false
	}

	// Check if already recovered.
	if state.isAddressRecovered(addr) {
		log.Printf("[recover] state %d: load from %#x is already recovered", state.id, addr)
		return false
	}

	// Check if someone has overwritten this location since the snapshot.
	size := uint64(e.Sizeof(instr.Type()) / 8)
	info, overwritten := state.writtenAddressInfo(addr, size)
	if !overwritten {
		return true
	}
	if state.currentSnapshotIndex() == info.SnapshotIndex {
		state.blockingLoadRecovered = false
		log.Printf("[recover] location (%#x, %d) was written, recovery is not required", addr, size)
		return false
	}
	return true
}

// collectRecoveryInfos assembles the slice re-executions a blocking
// load requires and pushes the uncached ones onto the state's pending
// queue, earliest snapshot first.
func (e *Executor) collectRecoveryInfos(state *ExecutionState, instr *ssa.UnOp, addr uint64) error {
	if e.analysis.ApproximateModInfos == nil || e.analysis.SliceID == nil {
		return nil
	}

	os, ok := state.addressSpace.ResolveOne(addr)
	if !ok {
		// Distinguish an invalid pointer from an address the solver can
		// still place in several objects.
		rl, err := e.resolveAddresses(state, NewConstantExpr(addr, e.PointerWidth()), 2)
		switch {
		case err != nil:
			e.terminateStateEarly(state, "Unable to resolve blocking load address: solver timeout")
		case len(rl) == 0:
			e.terminateStateOnError(state, "Unable to resolve blocking load to any address", Unhandled)
		default:
			e.terminateStateEarly(state, "Resolving blocking load address: multiple resolutions")
		}
		return fmt.Errorf("unresolved blocking load: %#x", addr)
	}

	size := uint64(e.Sizeof(instr.Type()) / 8)
	site := AllocSite{Site: os.Object.AllocSite, Offset: addr - os.Object.Address}
	modInfos := e.analysis.ApproximateModInfos(instr, site)

	// Collect the snapshots whose callee matches a modifier, starting
	// from the first snapshot not masked by a complete overwrite.
	var required []*RecoveryInfo
	for index := state.startingIndex(addr, size); index < len(state.snapshots); index++ {
		if state.IsRecovery() && state.recoveryInfo.SnapshotIndex == index {
			break
		}

		snapshot := state.snapshots[index]
		for _, modInfo := range modInfos {
			if modInfo.Callee != snapshot.Callee {
				// The function of the snapshot must match the modifier.
				continue
			}
			sliceID, ok := e.analysis.SliceID(modInfo)
			if !ok {
				return fmt.Errorf("ranger: no slice id for modifier %s", modInfo.Callee.Name())
			}
			required = append(required, &RecoveryInfo{
				LoadInst:      instr,
				LoadAddr:      addr,
				LoadSize:      size,
				Callee:        modInfo.Callee,
				SliceID:       sliceID,
				Snapshot:      snapshot,
				SnapshotIndex: index,
			})
			break
		}
	}

	// Walk the list latest-first: cached modifying slices satisfy the
	// load directly and mask everything earlier; uncached slices queue
	// for execution, memoized as pending so repeated loads do not
	// re-enqueue them.
	var added []*RecoveryInfo
	for i := len(required) - 1; i >= 0; i-- {
		ri := required[i]
		expr, cached := state.cachedRecoveredValue(ri.SnapshotIndex, ri.SliceID, addr)
		if cached {
			state.addRecoveredAddress(addr)
			if expr != nil {
				log.Printf("[recover] state %d: cached recovered value (index = %d, slice = %d)", state.id, ri.SnapshotIndex, ri.SliceID)
				if os, ok := state.addressSpace.ResolveOne(addr); ok {
					offset := NewConstantExpr(addr-os.Object.Address, e.PointerWidth())
					state.addressSpace.Write(os, offset, expr, e.IsLittleEndian())
				}
				break
			}
			// Non-modifying slice; keep propagating.
			continue
		}
		state.updateRecoveredValue(ri.SnapshotIndex, ri.SliceID, addr, nil)
		added = append(added, ri)
	}

	// added is latest-first; pending runs earliest snapshot first.
	for i := len(added) - 1; i >= 0; i-- {
		state.pendingRecoveryInfos = append(state.pendingRecoveryInfos, added[i])
	}
	return nil
}

// startRecoveryState clones the snapshot referenced by ri into a new
// recovery state servicing state's blocking load.
func (e *Executor) startRecoveryState(state *ExecutionState, ri *RecoveryInfo) {
	log.Printf("[recover] starting recovery for %s, load address %#x", ri.Callee.Name(), ri.LoadAddr)

	recoveryState := ri.Snapshot.State.Branch()
	recoveryState.id = e.nextStateID()

	if ri.SnapshotIndex == 0 {
		// A recovery state created from the first snapshot has no
		// dependencies of its own.
		recoveryState.typ = RecoveryState
	} else {
		// The slice may still depend on earlier skipped calls.
		recoveryState.typ = NormalState | RecoveryState
		recoveryState.suspended = false
		recoveryState.recoveryState = nil
		recoveryState.blockingLoadRecovered = true
		recoveryState.clearRecoveredAddresses()
		recoveryState.recoveryCache = make(map[recoveryCacheKey]map[uint64]Expr, len(state.recoveryCache))
		for key, values := range state.recoveryCache {
			cloned := make(map[uint64]Expr, len(values))
			for a, v := range values {
				cloned[a] = v
			}
			recoveryState.recoveryCache[key] = cloned
		}
		recoveryState.allocationRecord = state.allocationRecord.Clone()
		recoveryState.guidingConstraints = nil
		recoveryState.pendingRecoveryInfos = nil
	}

	// The snapshot is positioned at the skipped call; re-execute it.
	recoveryState.exitInst = ri.Snapshot.State.Instr()
	recoveryState.Frame().RewindInstr()

	recoveryState.dependentState = state
	if state.IsRecovery() {
		recoveryState.originatingState = state.originatingState
	} else {
		recoveryState.originatingState = state
	}
	recoveryState.recoveryInfo = ri
	recoveryState.guidingAllocationRecord = state.allocationRecord.Clone()
	if state.IsRecovery() {
		recoveryState.level = state.level + 1
	} else {
		recoveryState.level = 0
	}

	// Replay the guiding constraints collected since the snapshot.
	for _, cond := range recoveryState.originatingState.guidingConstraints {
		recoveryState.AddConstraint(cond)
	}

	// Link the current state to its recovery state.
	state.setRecoveryState(recoveryState)

	e.ptree.Split(state.ptreeNode, recoveryState, state)

	recoveryState.priority = PriorityHigh
	e.addedStates = append(e.addedStates, recoveryState)
	e.stats.RecoveryStates++

	replicateBranchHist(state, recoveryState)
	log.Printf("[recover] state %d: spawned recovery state %d (snapshot index = %d, level = %d)",
		state.id, recoveryState.id, ri.SnapshotIndex, recoveryState.level)
}

// injectSlice swaps the callee of a recovery state for its sliced
// specialization. Returns nil if the slice is empty.
func (e *Executor) injectSlice(state *ExecutionState, fn *ssa.Function) *ssa.Function {
	if !e.config.UseSlicer {
		return fn
	}
	ri := state.recoveryInfo
	if ri == nil || ri.Callee != fn {
		return fn
	}

	sliced := e.slicer.Slice(fn, ri.SliceID, ri.SubID)
	e.stats.GeneratedSlices++
	if sliced == nil || len(sliced.Blocks) == 0 {
		log.Printf("[recover] ignoring fully sliced function: %s", fn.Name())
		return nil
	}
	log.Printf("[recover] injecting slice: %s (id = %d)", sliced.Name(), ri.SliceID)
	return sliced
}

// onRecoveryStateExit runs when a recovery state completes the
// re-executed call. Either the next pending recovery chains on, or the
// dependent resumes.
func (e *Executor) onRecoveryStateExit(state *ExecutionState) {
	log.Printf("[recover] recovery state %d reached exit instruction", state.id)
	dependent := state.dependentState

	if dependent.hasPendingRecoveryInfo() {
		ri := dependent.popPendingRecoveryInfo()
		replicateBranchHist(state, dependent)
		e.startRecoveryState(dependent, ri)
	} else {
		e.notifyDependentState(state)
	}
	e.terminateState(state)
}

// notifyDependentState transfers the allocation record up and resumes
// the dependent.
func (e *Executor) notifyDependentState(recoveryState *ExecutionState) {
	dependent := recoveryState.dependentState
	log.Printf("[recover] state %d: notifying dependent state %d", recoveryState.id, dependent.id)

	if recoveryState.IsNormal() {
		// The recovery state's record contains the dependent's record.
		dependent.allocationRecord = recoveryState.allocationRecord
	}

	_, known := e.states[dependent]
	e.resumeState(dependent, !known, recoveryState)
}

func (e *Executor) suspendState(state *ExecutionState) {
	log.Printf("[recover] suspending state %d", state.id)
	state.setSuspended()
	e.suspendedStates = append(e.suspendedStates, state)
}

func (e *Executor) resumeState(state *ExecutionState, implicitlyCreated bool, recState *ExecutionState) {
	log.Printf("[recover] resuming state %d", state.id)
	state.setResumed()
	state.setRecoveryState(nil)
	state.blockingLoadRecovered = false

	if implicitlyCreated {
		// A dependent forked while suspended enters the state set here.
		e.addedStates = append(e.addedStates, state)
	} else {
		e.resumedStates = append(e.resumedStates, state)
	}

	replicateBranchHist(recState, state)
}

// onNormalStateRead marks the first read after a resume as recovered so
// the same load does not spawn recovery again.
func (e *Executor) onNormalStateRead(state *ExecutionState, addr uint64) {
	if state.blockingLoadRecovered {
		return
	}
	state.addRecoveredAddress(addr)
	state.blockingLoadRecovered = true
}

// onRecoveryStateWrite propagates a store at the blocking-load address
// into the suspended dependent state and memoizes the written value.
func (e *Executor) onRecoveryStateWrite(state *ExecutionState, addr uint64, value Expr) {
	ri := state.recoveryInfo
	if ri == nil || addr != ri.LoadAddr {
		return
	}

	dependent := state.dependentState
	os, ok := dependent.addressSpace.ResolveOne(addr)
	if !ok {
		return
	}
	offset := NewConstantExpr(addr-os.Object.Address, e.PointerWidth())
	dependent.addressSpace.Write(os, offset, value, e.IsLittleEndian())
	log.Printf("[recover] copying write at %#x from state %d to %d", addr, state.id, dependent.id)

	dependent.updateRecoveredValue(ri.SnapshotIndex, ri.SliceID, addr, value)
}

// executeDynamicAlloc allocates heap memory. Inside a recovery state
// the allocation context is first checked against the guiding record so
// re-execution rebinds the object the original execution produced.
func (e *Executor) executeDynamicAlloc(state *ExecutionState, size uint, instr ssa.Instruction) (*MemoryObject, error) {
	context := NewAllocationContext(state.CallTrace(), instr)

	if !state.IsRecovery() {
		if size >= hugeAllocSize {
			e.terminateStateOnError(state, "allocation size limit exceeded", Model)
			return nil, fmt.Errorf("huge allocation: %d", size)
		}
		mo := e.allocate(state, size, false, instr)
		if state.IsNormal() {
			state.allocationRecord.Add(context, mo)
		}
		return mo, nil
	}

	dependent := state.dependentState

	var mo *MemoryObject
	if state.guidingAllocationRecord.Exists(context) {
		mo = state.guidingAllocationRecord.Get(context)
		if mo != nil {
			log.Printf("[recover] state %d: reusing allocated address %#x, size %d", state.id, mo.Address, size)
		}
	} else {
		if size < hugeAllocSize {
			mo = e.allocator.Allocate(size, false, instr)
			log.Printf("[recover] state %d: allocating new address %#x, size %d", state.id, mo.Address, size)
		}
		dependent.allocationRecord.Add(context, mo)
		if state.IsNormal() {
			state.allocationRecord.Add(context, mo)
		}
	}

	if mo == nil {
		e.terminateStateOnError(state, "allocation size limit exceeded", Model)
		return nil, fmt.Errorf("huge allocation: %d", size)
	}

	// Bind the object in this state and down the dependent chain.
	e.bindAll(state, mo, true)
	return mo, nil
}

// bindAll binds mo in state and in every state of its dependent chain,
// zero-initialized, unless already bound.
func (e *Executor) bindAll(state *ExecutionState, mo *MemoryObject, zeroMemory bool) {
	for state != nil {
		if state.addressSpace.FindObject(mo.Address) == nil {
			os := NewObjectState(mo)
			if zeroMemory {
				os.Array.zero()
			}
			state.addressSpace.Bind(os)
		}

		if state.IsRecovery() {
			state = state.dependentState
		} else {
			state = nil
		}
	}
}

// unbindAll removes mo from state and its dependent chain.
func (e *Executor) unbindAll(state *ExecutionState, mo *MemoryObject) {
	for state != nil {
		state.addressSpace.Unbind(mo)
		if state.IsRecovery() {
			state = state.dependentState
		} else {
			state = nil
		}
	}
}

// forkDependentStates forks every state in the dependent chain of a
// recovery state that just forked, so each sibling recovery owns a
// private chain. forked is the fresh sibling of current.
func (e *Executor) forkDependentStates(current, forked *ExecutionState) {
	chain := current.dependentState
	prevForked := forked
	var forkedOriginating *ExecutionState

	for chain != nil {
		clone := chain.Branch()
		clone.id = e.nextStateID()
		assert(clone.IsSuspended(), "dependent chain state is not suspended")
		log.Printf("[recover] forked dependent state %d (from %d)", clone.id, chain.id)

		if clone.IsRecovery() {
			e.stats.RecoveryStates++
		}

		clone.setRecoveryState(prevForked)
		prevForked.dependentState = clone

		e.ptree.Split(chain.ptreeNode, clone, chain)

		if chain.IsRecovery() {
			prevForked = clone
			chain = chain.dependentState
		} else {
			forkedOriginating = clone
			chain = nil
		}
	}

	// Relink the originating pointer of the forked chain.
	for walk := forked; walk != nil; {
		if walk.IsRecovery() {
			walk.originatingState = forkedOriginating
			walk = walk.dependentState
		} else {
			walk = nil
		}
	}
}

// mergeConstraintsForAll adds the fork condition to every dependent
// state up the chain; the originating state also records it as a
// guiding constraint for future recovery states.
func (e *Executor) mergeConstraintsForAll(recoveryState *ExecutionState, cond Expr) {
	next := recoveryState.dependentState
	for next != nil {
		assert(next.IsNormal(), "dependent state is not normal")
		next.AddConstraint(cond)
		if next.IsRecovery() {
			next = next.dependentState
		} else {
			next = nil
		}
	}
}

// terminateStateRecursively terminates a state and, if it is a recovery
// state, its entire dependent chain upward.
func (e *Executor) terminateStateRecursively(state *ExecutionState) {
	current := state
	for current != nil {
		var next *ExecutionState
		if current.IsRecovery() {
			next = current.dependentState
			assert(next != nil, "recovery state without dependent")
		}
		log.Printf("[recover] terminating state %d", current.id)
		e.terminateState(current)
		current = next
	}
}
