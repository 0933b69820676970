package ranger

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/tools/go/ssa"
)

// StateType is a bitmask describing the role of a state. A state
// created from a non-first snapshot is both: it recovers a skipped
// call and may itself depend on earlier skipped calls.
type StateType int

const (
	NormalState StateType = 1 << iota
	RecoveryState
)

// Recovery scheduling priorities.
const (
	PriorityLow = iota
	PriorityHigh
)

// Snapshot is an immutable copy of a state taken at the moment a call
// was skipped, together with the skipped callee. It is shared between
// the originating state and every recovery state spawned from it.
type Snapshot struct {
	refCount int
	State    *ExecutionState
	Callee   *ssa.Function
}

// NewSnapshot returns a snapshot wrapping an already-cloned state.
func NewSnapshot(state *ExecutionState, callee *ssa.Function) *Snapshot {
	return &Snapshot{State: state, Callee: callee}
}

func (s *Snapshot) Retain()  { s.refCount++ }
func (s *Snapshot) Release() { s.refCount-- }

// RecoveryInfo describes one slice re-execution task: which snapshot to
// resurrect, which slice of the skipped callee to run, and the blocking
// load it services.
type RecoveryInfo struct {
	LoadInst      ssa.Instruction
	LoadAddr      uint64
	LoadSize      uint64
	Callee        *ssa.Function
	SliceID       uint32
	Snapshot      *Snapshot
	SnapshotIndex int
	SubID         uint32
}

// WrittenAddressInfo records the largest store seen at an address and
// the snapshot index active when it happened.
type WrittenAddressInfo struct {
	MaxSize       uint64
	SnapshotIndex int
}

// recoveryCacheKey memoizes slice re-executions per snapshot.
type recoveryCacheKey struct {
	snapshotIndex int
	sliceID       uint32
}

// Prefix is one test prefix currently guiding a ranged state. Digits
// are over the alphabet {'0','1','2','3'}.
type Prefix struct {
	Digits string
	Length int
}

// ExecutionState represents a path under exploration.
type ExecutionState struct {
	id  int
	typ StateType

	// Executor this is executed within.
	executor *Executor

	// Call stack.
	stack []*StackFrame

	// Memory bound to this path.
	addressSpace *AddressSpace

	// Constraints collected so far during execution.
	constraints []Expr

	// Ordered symbolic inputs, used to generate test cases.
	symbolics []*Array

	// Shows whether the state is running, finished, or terminated.
	status          ExecutionStatus
	reason          string
	terminateReason TerminateReason

	// Path bookkeeping. branchHist records every observable branch
	// event over {'0','1','2','3'}; depth counts only the forked
	// ('0'/'1') subset.
	branchHist []byte
	depth      int
	prefixes   []Prefix

	// Coverage statistics.
	coveredLines     map[string]map[int]struct{}
	coveredNew       bool
	instsSinceCovNew int

	queryCost    time.Duration
	weight       float64
	forkDisabled bool

	ptreeNode *PTreeNode

	// Normal-state (dependent mode) properties.
	suspended             bool
	snapshots             []*Snapshot
	recoveryState         *ExecutionState
	blockingLoadRecovered bool
	recoveredLoads        map[uint64]struct{}
	allocationRecord      AllocationRecord
	guidingConstraints    []Expr
	writtenAddresses      map[uint64]WrittenAddressInfo
	pendingRecoveryInfos  []*RecoveryInfo
	recoveryCache         map[recoveryCacheKey]map[uint64]Expr

	// Recovery-state properties.
	exitInst                ssa.Instruction
	dependentState          *ExecutionState
	originatingState        *ExecutionState
	recoveryInfo            *RecoveryInfo
	guidingAllocationRecord AllocationRecord
	level                   int
	priority                int
}

// NewExecutionState returns a normal state positioned at the entry of fn.
func NewExecutionState(executor *Executor, fn *ssa.Function) *ExecutionState {
	s := &ExecutionState{
		executor:         executor,
		typ:              NormalState,
		status:           ExecutionStatusRunning,
		addressSpace:     NewAddressSpace(),
		weight:           1,
		coveredLines:     make(map[string]map[int]struct{}),
		recoveredLoads:   make(map[uint64]struct{}),
		allocationRecord: make(AllocationRecord),
		writtenAddresses: make(map[uint64]WrittenAddressInfo),
		recoveryCache:    make(map[recoveryCacheKey]map[uint64]Expr),
	}
	s.Push(fn)
	return s
}

// ID returns an autoincrementing ID assigned by the executor.
func (s *ExecutionState) ID() int { return s.id }

// Executor returns the parent executor of this state.
func (s *ExecutionState) Executor() *Executor { return s.executor }

func (s *ExecutionState) Constraints() []Expr { return s.constraints }

// Symbolics returns the state's ordered symbolic input arrays.
func (s *ExecutionState) Symbolics() []*Array { return s.symbolics }

func (s *ExecutionState) IsNormal() bool   { return s.typ&NormalState != 0 }
func (s *ExecutionState) IsRecovery() bool { return s.typ&RecoveryState != 0 }

func (s *ExecutionState) IsSuspended() bool { return s.suspended }
func (s *ExecutionState) IsResumed() bool   { return !s.suspended }

func (s *ExecutionState) setSuspended() {
	assert(s.IsNormal(), "suspend of non-normal state")
	s.suspended = true
}

func (s *ExecutionState) setResumed() {
	assert(s.IsNormal(), "resume of non-normal state")
	s.suspended = false
}

// Status returns the current status of the state.
// See Reason() for additional information if status is in an error state.
func (s *ExecutionState) Status() ExecutionStatus { return s.status }

// Reason returns additional information about the status of the state.
func (s *ExecutionState) Reason() string { return s.reason }

// TerminateReason classifies a terminated state.
func (s *ExecutionState) TerminateReason() TerminateReason { return s.terminateReason }

// Terminated returns true if the state completed execution of a path.
func (s *ExecutionState) Terminated() bool {
	return s.status != ExecutionStatusRunning
}

// BranchHist returns the branch history string over {'0','1','2','3'}.
func (s *ExecutionState) BranchHist() string { return string(s.branchHist) }

// Depth returns the number of symbolic fork events on this path.
func (s *ExecutionState) Depth() int { return s.depth }

// Branch returns a reference-sharing copy of the state used by fork.
// The stack, constraint list, and dependent-mode bookkeeping are copied;
// expressions, snapshots, and unwritten memory are shared.
func (s *ExecutionState) Branch() *ExecutionState {
	other := &ExecutionState{
		executor:         s.executor,
		typ:              s.typ,
		status:           s.status,
		addressSpace:     s.addressSpace.Clone(),
		weight:           s.weight,
		depth:            s.depth,
		queryCost:        s.queryCost,
		forkDisabled:     s.forkDisabled,
		instsSinceCovNew: s.instsSinceCovNew,
		coveredLines:     make(map[string]map[int]struct{}),

		suspended:             s.suspended,
		blockingLoadRecovered: s.blockingLoadRecovered,

		exitInst:         s.exitInst,
		dependentState:   s.dependentState,
		originatingState: s.originatingState,
		recoveryInfo:     s.recoveryInfo,
		level:            s.level,
		priority:         s.priority,
	}

	other.stack = make([]*StackFrame, len(s.stack))
	for i := range s.stack {
		other.stack[i] = s.stack[i].Clone()
	}

	other.constraints = append([]Expr(nil), s.constraints...)
	other.symbolics = append([]*Array(nil), s.symbolics...)
	other.branchHist = append([]byte(nil), s.branchHist...)
	other.prefixes = append([]Prefix(nil), s.prefixes...)
	other.guidingConstraints = append([]Expr(nil), s.guidingConstraints...)
	other.pendingRecoveryInfos = append([]*RecoveryInfo(nil), s.pendingRecoveryInfos...)

	other.snapshots = append([]*Snapshot(nil), s.snapshots...)
	for _, snapshot := range other.snapshots {
		snapshot.Retain()
	}

	other.recoveredLoads = make(map[uint64]struct{}, len(s.recoveredLoads))
	for addr := range s.recoveredLoads {
		other.recoveredLoads[addr] = struct{}{}
	}
	other.writtenAddresses = make(map[uint64]WrittenAddressInfo, len(s.writtenAddresses))
	for addr, info := range s.writtenAddresses {
		other.writtenAddresses[addr] = info
	}
	other.recoveryCache = make(map[recoveryCacheKey]map[uint64]Expr, len(s.recoveryCache))
	for key, values := range s.recoveryCache {
		cloned := make(map[uint64]Expr, len(values))
		for addr, value := range values {
			cloned[addr] = value
		}
		other.recoveryCache[key] = cloned
	}
	other.allocationRecord = s.allocationRecord.Clone()
	other.guidingAllocationRecord = s.guidingAllocationRecord.Clone()

	return other
}

// Position returns the position of the current instruction in the
// program file set.
func (s *ExecutionState) Position() token.Position {
	instr := s.Instr()
	if instr == nil {
		return token.Position{}
	}
	switch instr := instr.(type) {
	case *ssa.If:
		return s.executor.prog.Fset.Position(instr.Cond.Pos())
	default:
		return s.executor.prog.Fset.Position(instr.Pos())
	}
}

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CallerFrame returns the parent of the current stack frame.
func (s *ExecutionState) CallerFrame() *StackFrame {
	if len(s.stack) <= 1 {
		return nil
	}
	return s.stack[len(s.stack)-2]
}

// Instr returns the current SSA instruction.
func (s *ExecutionState) Instr() ssa.Instruction {
	if frame := s.Frame(); frame != nil {
		return frame.Instr()
	}
	return nil
}

// CallTrace returns the call instructions of every frame below the top.
func (s *ExecutionState) CallTrace() []ssa.Instruction {
	var a []ssa.Instruction
	for _, frame := range s.stack {
		if frame.callInstr != nil {
			a = append(a, frame.callInstr)
		}
	}
	return a
}

// Eval returns the expression or array bound to a given SSA value.
func (s *ExecutionState) Eval(value ssa.Value) Binding {
	switch value := value.(type) {
	case *ssa.Const:
		return s.executor.evalConst(s, value)
	case *ssa.Function:
		return NewConstantExpr(s.executor.functionID(value), s.executor.PointerWidth())
	case *ssa.Global:
		return s.executor.globals[value]
	default:
		if f := s.Frame(); f != nil {
			return f.bindings[value]
		}
		return nil
	}
}

// MustEvalAsExpr is the same as Eval() except that it returns an Expr.
// Panic if the binding is an Array or Tuple.
func (s *ExecutionState) MustEvalAsExpr(value ssa.Value) Expr {
	binding := s.Eval(value)
	if binding == nil {
		return nil
	} else if expr, ok := binding.(Expr); ok {
		return expr
	}
	panic(fmt.Sprintf("ranger: binding must be an Expr: %T", binding))
}

// EvalAsConstantExpr is the same as Eval() except that it returns a
// ConstantExpr.
func (s *ExecutionState) EvalAsConstantExpr(value ssa.Value) (*ConstantExpr, bool) {
	if binding := s.Eval(value); binding == nil {
		return nil, true
	} else if expr, ok := binding.(*ConstantExpr); ok {
		return expr, true
	}
	return nil, false
}

// Push adds a frame for fn to the top of the stack.
func (s *ExecutionState) Push(fn *ssa.Function) {
	f := NewStackFrame(s.Frame(), fn)
	if caller := s.Frame(); caller != nil {
		f.callInstr = caller.Instr()
	}

	f.allocas = make([]*MemoryObject, len(fn.Locals))
	for i, instr := range fn.Locals {
		width := s.executor.Sizeof(deref(instr.Type()))
		mo := s.executor.allocate(s, width/8, true, instr)
		f.allocas[i] = mo
		f.bind(instr, mo.BaseExpr(s.executor.PointerWidth()))
	}

	s.stack = append(s.stack, f)
}

// Pop removes the current frame from the stack and unbinds its allocas.
func (s *ExecutionState) Pop() {
	f := s.Frame()
	for _, mo := range f.allocas {
		s.addressSpace.Unbind(mo)
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// AddConstraint adds a constraint to the state. Logical conjunctions
// are split into independent constraints. Constraints added after the
// first snapshot also become guiding constraints so future recovery
// states replay them.
func (s *ExecutionState) AddConstraint(expr Expr) {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "invalid false constraint")
		return
	}

	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND {
		s.AddConstraint(expr.LHS)
		s.AddConstraint(expr.RHS)
		return
	}

	s.constraints = append(s.constraints, expr)

	if s.IsNormal() && !s.IsRecovery() && len(s.snapshots) > 0 {
		s.guidingConstraints = append(s.guidingConstraints, expr)
	}
}

// AddSymbolic registers array as a symbolic input of this path.
func (s *ExecutionState) AddSymbolic(array *Array) {
	s.symbolics = append(s.symbolics, array)
}

// Values computes concrete input values for all symbolic expressions.
func (s *ExecutionState) Values() ([]*Array, [][]byte, error) {
	arrays := FindArrays(s.constraints...)

	satisfiable, values, err := s.executor.Solver.Solve(s.constraints, arrays)
	if err != nil {
		return nil, nil, err
	} else if !satisfiable {
		return nil, nil, errors.New("unsatisfiable")
	}
	return arrays, values, nil
}

// CoverLine records coverage of file:line. Marks the state as covering
// new code if no other state covered the line before.
func (s *ExecutionState) CoverLine(file string, line int) {
	lines := s.coveredLines[file]
	if lines == nil {
		lines = make(map[int]struct{})
		s.coveredLines[file] = lines
	}
	lines[line] = struct{}{}

	if s.executor.coverLine(file, line) {
		s.coveredNew = true
		s.instsSinceCovNew = 0
	}
}

// --- dependent-mode accessors ---

// InDependentMode returns true if the state has skipped at least one
// side-effecting call and must check loads against recovery.
func (s *ExecutionState) InDependentMode() bool {
	assert(s.IsNormal(), "dependent mode of non-normal state")
	return len(s.snapshots) > 0
}

// Snapshots returns the state's snapshot history.
func (s *ExecutionState) Snapshots() []*Snapshot {
	assert(s.IsNormal(), "snapshots of non-normal state")
	return s.snapshots
}

func (s *ExecutionState) addSnapshot(snapshot *Snapshot) {
	assert(s.IsNormal(), "snapshot of non-normal state")
	snapshot.Retain()
	s.snapshots = append(s.snapshots, snapshot)
}

func (s *ExecutionState) currentSnapshotIndex() int {
	assert(len(s.snapshots) > 0, "no snapshots")
	return len(s.snapshots) - 1
}

// RecoveryStateFor returns the active recovery state, or nil.
func (s *ExecutionState) RecoveryStateFor() *ExecutionState {
	assert(s.IsNormal(), "recovery link of non-normal state")
	return s.recoveryState
}

func (s *ExecutionState) setRecoveryState(state *ExecutionState) {
	assert(s.IsNormal(), "recovery link of non-normal state")
	if state != nil {
		assert(state.IsRecovery(), "recovery link to non-recovery state")
	}
	s.recoveryState = state
}

func (s *ExecutionState) isAddressRecovered(addr uint64) bool {
	_, ok := s.recoveredLoads[addr]
	return ok
}

func (s *ExecutionState) addRecoveredAddress(addr uint64) {
	s.recoveredLoads[addr] = struct{}{}
}

func (s *ExecutionState) clearRecoveredAddresses() {
	s.recoveredLoads = make(map[uint64]struct{})
}

// addWrittenAddress records a store so later loads of the same location
// can skip recovery.
func (s *ExecutionState) addWrittenAddress(addr, size uint64, snapshotIndex int) {
	info := s.writtenAddresses[addr]
	if size > info.MaxSize {
		info.MaxSize = size
	}
	info.SnapshotIndex = snapshotIndex
	s.writtenAddresses[addr] = info
}

// writtenAddressInfo reports whether addr was completely overwritten
// with respect to a load of loadSize bytes.
func (s *ExecutionState) writtenAddressInfo(addr, loadSize uint64) (WrittenAddressInfo, bool) {
	info, ok := s.writtenAddresses[addr]
	if !ok {
		return WrittenAddressInfo{}, false
	}
	// A complete overwrite requires at least loadSize bytes written.
	return info, info.MaxSize >= loadSize
}

// startingIndex returns the lowest snapshot index not masked by a
// complete overwrite of (addr, size).
func (s *ExecutionState) startingIndex(addr, size uint64) int {
	info, overwritten := s.writtenAddressInfo(addr, size)
	if !overwritten {
		return 0
	}
	return info.SnapshotIndex + 1
}

func (s *ExecutionState) hasPendingRecoveryInfo() bool {
	return len(s.pendingRecoveryInfos) > 0
}

func (s *ExecutionState) popPendingRecoveryInfo() *RecoveryInfo {
	ri := s.pendingRecoveryInfos[0]
	s.pendingRecoveryInfos = s.pendingRecoveryInfos[1:]
	return ri
}

// cachedRecoveredValue returns the memoized value written by a slice at
// an address. A nil expression with ok=true means the slice is known
// not to modify the address (or is pending).
func (s *ExecutionState) cachedRecoveredValue(index int, sliceID uint32, addr uint64) (Expr, bool) {
	values, ok := s.recoveryCache[recoveryCacheKey{index, sliceID}]
	if !ok {
		return nil, false
	}
	expr, ok := values[addr]
	return expr, ok
}

func (s *ExecutionState) updateRecoveredValue(index int, sliceID uint32, addr uint64, expr Expr) {
	key := recoveryCacheKey{index, sliceID}
	values := s.recoveryCache[key]
	if values == nil {
		values = make(map[uint64]Expr)
		s.recoveryCache[key] = values
	}
	values[addr] = expr
}

// --- recovery-state accessors ---

// ExitInstr returns the instruction a recovery state must stop at.
func (s *ExecutionState) ExitInstr() ssa.Instruction {
	assert(s.IsRecovery(), "exit instruction of non-recovery state")
	return s.exitInst
}

// DependentState returns the state whose blocking load this recovery
// state services.
func (s *ExecutionState) DependentState() *ExecutionState {
	assert(s.IsRecovery(), "dependent of non-recovery state")
	return s.dependentState
}

// OriginatingState returns the outermost non-recovery ancestor.
func (s *ExecutionState) OriginatingState() *ExecutionState {
	assert(s.IsRecovery(), "originating of non-recovery state")
	return s.originatingState
}

// RecoveryInfo returns the task this recovery state executes.
func (s *ExecutionState) RecoveryInfo() *RecoveryInfo {
	assert(s.IsRecovery(), "recovery info of non-recovery state")
	return s.recoveryInfo
}

// Level returns the recursion level of a recovery state.
func (s *ExecutionState) Level() int {
	assert(s.IsRecovery(), "level of non-recovery state")
	return s.level
}

// Priority returns the scheduling priority of a recovery state.
func (s *ExecutionState) Priority() int {
	assert(s.IsRecovery(), "priority of non-recovery state")
	return s.priority
}

func (s *ExecutionState) setPriority(priority int) {
	assert(s.IsRecovery(), "priority of non-recovery state")
	s.priority = priority
}

// --- prefix ranging ---

// AddPrefix attaches a guiding prefix to the state.
func (s *ExecutionState) AddPrefix(digits string) {
	s.prefixes = append(s.prefixes, Prefix{Digits: digits, Length: len(digits)})
}

// ClearPrefixes drops all guiding prefixes.
func (s *ExecutionState) ClearPrefixes() { s.prefixes = nil }

// Prefixes returns the prefixes currently guiding the state.
func (s *ExecutionState) Prefixes() []Prefix { return s.prefixes }

// ShallRange returns true if at least one prefix still guides the state
// at its current branch position.
func (s *ExecutionState) ShallRange() bool {
	pos := len(s.branchHist)
	for _, p := range s.prefixes {
		if pos < p.Length {
			return true
		}
	}
	return false
}

// Branch directions returned by BranchToTake.
const (
	BranchTrue = iota
	BranchFalse
	BranchFork
)

// BranchToTake returns the direction dictated by the guiding prefixes
// at the current branch position. forkAndSuspend reports whether the
// untaken side must be forked into the suspended pool. Prefixes that
// disagree at the position force a real fork with no suspension.
func (s *ExecutionState) BranchToTake() (direction int, forkAndSuspend bool) {
	pos := len(s.branchHist)

	ref := -1
	for i, p := range s.prefixes {
		if pos < p.Length {
			ref = i
			break
		}
	}
	assert(ref >= 0, "ranging without applicable prefix")

	digit := s.prefixes[ref].Digits[pos]
	for _, p := range s.prefixes[ref+1:] {
		if pos >= p.Length {
			continue
		}
		if p.Digits[pos] != digit {
			// Prefixes disagree: both directions are wanted here.
			return BranchFork, false
		}
	}

	switch digit {
	case '0':
		return BranchTrue, true
	case '1':
		return BranchFalse, true
	case '2':
		return BranchTrue, false
	case '3':
		return BranchFalse, false
	default:
		panic(fmt.Sprintf("ranger: invalid prefix digit %q", digit))
	}
}

// removeFalsePrefixes keeps only prefixes following the true branch at
// the current position; removeTruePrefixes is symmetric. Used when a
// ranged state forks so each child keeps its own half of the prefixes.
func (s *ExecutionState) removeFalsePrefixes() {
	s.removePrefixesWithDigit('1')
	s.removePrefixesWithDigit('3')
}

func (s *ExecutionState) removeTruePrefixes() {
	s.removePrefixesWithDigit('0')
	s.removePrefixesWithDigit('2')
}

func (s *ExecutionState) removePrefixesWithDigit(digit byte) {
	pos := len(s.branchHist)
	kept := s.prefixes[:0]
	for _, p := range s.prefixes {
		if pos < p.Length && p.Digits[pos] == digit {
			continue
		}
		kept = append(kept, p)
	}
	s.prefixes = kept
}

// replicateBranchHist extends the recovery state's history with the
// suffix of the source state's history, and shares depth and prefixes.
func replicateBranchHist(src, dst *ExecutionState) {
	assert(len(dst.branchHist) <= len(src.branchHist), "history replication shrinks")
	dst.branchHist = append(dst.branchHist, src.branchHist[len(dst.branchHist):]...)
	dst.depth = src.depth
	dst.prefixes = append([]Prefix(nil), src.prefixes...)
}

// Dump returns the contents of the state and frames as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "id=%d type=%d\n", s.id, s.typ)
	fmt.Fprintf(&buf, "status=%s\n", s.status)
	fmt.Fprintf(&buf, "reason=%s\n", s.reason)
	fmt.Fprintf(&buf, "history=%s depth=%d\n", s.branchHist, s.depth)
	fmt.Fprintln(&buf, "")
	for i := len(s.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "== FRAME #%d\n", i)
		fmt.Fprintln(&buf, s.stack[i].Dump())
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== MEMORY")
	fmt.Fprintln(&buf, s.addressSpace.Dump())
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.constraints {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr.String())
	}
	return buf.String()
}

// DumpConstraints returns a verbose structural dump of the constraint
// set, useful when a path terminates unexpectedly.
func (s *ExecutionState) DumpConstraints() string {
	return spew.Sdump(s.constraints)
}

// ExecutionStatus represents the current status of the execution state.
// The state will also include a reason if the status is not running.
type ExecutionStatus string

const (
	ExecutionStatusRunning    = ExecutionStatus("running")    // has future states
	ExecutionStatusFinished   = ExecutionStatus("finished")   // clean completion
	ExecutionStatusTerminated = ExecutionStatus("terminated") // terminated with a reason
)

// StackFrame represents the state of a call into a function.
type StackFrame struct {
	fn        *ssa.Function
	caller    *StackFrame
	callInstr ssa.Instruction
	allocas   []*MemoryObject
	bindings  map[ssa.Value]Binding

	block *ssa.BasicBlock
	prev  *ssa.BasicBlock
	pc    int
}

// NewStackFrame returns a new instance of StackFrame for a given function.
func NewStackFrame(caller *StackFrame, fn *ssa.Function) *StackFrame {
	return &StackFrame{
		fn:       fn,
		caller:   caller,
		bindings: make(map[ssa.Value]Binding),
		block:    fn.Blocks[0],
		pc:       -1,
	}
}

// Fn returns the function executing in this frame.
func (f *StackFrame) Fn() *ssa.Function { return f.fn }

// Instr returns the current instruction.
func (f *StackFrame) Instr() ssa.Instruction {
	if f.block == nil || f.pc < 0 || f.pc >= len(f.block.Instrs) {
		return nil
	}
	return f.block.Instrs[f.pc]
}

// NextInstr moves the current execution to the next instruction.
func (f *StackFrame) NextInstr() {
	if f.block != nil && f.pc < len(f.block.Instrs) {
		f.pc++
	}
}

// RewindInstr moves back to the previous instruction so it executes
// again on the next step.
func (f *StackFrame) RewindInstr() {
	if f.pc >= 0 {
		f.pc--
	}
}

// jump moves to dst from the current block.
func (f *StackFrame) jump(dst *ssa.BasicBlock) {
	f.prev, f.block, f.pc = f.block, dst, -1
}

// bind assigns the expression or array to a given SSA value.
func (f *StackFrame) bind(value ssa.Value, b Binding) {
	f.bindings[value] = b
}

// Clone returns a copy of the stack frame.
func (f *StackFrame) Clone() *StackFrame {
	other := *f

	other.bindings = make(map[ssa.Value]Binding, len(f.bindings))
	for k := range f.bindings {
		other.bindings[k] = f.bindings[k]
	}

	other.allocas = make([]*MemoryObject, len(f.allocas))
	copy(other.allocas, f.allocas)

	return &other
}

// Dump returns the contents of the frame as a string.
func (f *StackFrame) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "fn=%s\n", f.fn.String())
	for value, binding := range f.bindings {
		fmt.Fprintf(&buf, "%s (%s)\n%s\n\n", value.Name(), value.Type().String(), binding)
	}
	return buf.String()
}

// Binding represents an object that can be bound to an SSA value.
// This can be either an Expr, an Array, or a Tuple.
type Binding interface {
	binding()
	String() string
}

func (*BinaryExpr) binding()   {}
func (*CastExpr) binding()     {}
func (*ConcatExpr) binding()   {}
func (*ConstantExpr) binding() {}
func (*ExtractExpr) binding()  {}
func (*NotExpr) binding()      {}
func (*SelectExpr) binding()   {}
func (*Array) binding()        {}
func (Tuple) binding()         {}
