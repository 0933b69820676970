package ranger

import (
	"errors"
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"log"
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/tools/go/ssa"
)

var (
	ErrNoStateAvailable       = errors.New("ranger: no state available")
	ErrNoInstructionAvailable = errors.New("ranger: no instruction available")
)

// Config carries the per-worker execution options. It is passed
// explicitly into the executor; there are no process-wide option
// singletons.
type Config struct {
	// OS & architecture settings for the executor.
	// See `go tool dist list` for a list of valid combinations.
	OS   string
	Arch string

	MaxForks               uint64 // 0 = unlimited
	MaxDepth               int    // 0 = unlimited
	MaxMemory              uint64 // soft cap in MB, 0 = unlimited
	MaxMemoryInhibit       bool   // inhibit forking under memory pressure
	StopAfterNInstructions uint64 // 0 = unlimited
	SeedTime               time.Duration

	SolverTimeout time.Duration

	AllowExternalSymCalls       bool
	EmitAllErrors               bool
	OnlyOutputStatesCoveringNew bool

	UseSlicer   bool
	LazySlicing bool

	// SplitSearch composes the recovery-aware searcher in the CLI layer.
	SplitSearch bool
	SplitRatio  int

	// ErrorLocations maps a file basename to the lines that must each be
	// hit at least once before the engine halts itself.
	ErrorLocations map[string][]int

	// Seed for the per-worker RNG.
	Seed int64
}

// SkippedFunction names a callee to skip, optionally restricted to
// call sites on specific lines.
type SkippedFunction struct {
	Name  string
	Lines []int
}

// AllocSite identifies the allocation a load resolves into, as the
// mod/ref analysis sees it.
type AllocSite struct {
	Site   ssa.Instruction
	Offset uint64
}

// ModInfo names one side effect of a skipped callee: the modifier
// function and the allocation-site offset it writes.
type ModInfo struct {
	Callee *ssa.Function
	Offset uint64
}

// Analysis carries the static pre-analysis annotations the engine
// consumes. The analyses themselves are external collaborators.
type Analysis struct {
	// Call sites to skip.
	SkipFunctions []SkippedFunction

	// HasSideEffects reports whether a skipped callee writes memory
	// visible to its caller. Side-effect-free callees are skipped
	// silently with no snapshot.
	HasSideEffects func(fn *ssa.Function) bool

	// MayBlockingLoads flags load sites whose value may depend on a
	// skipped callee.
	MayBlockingLoads map[ssa.Instruction]bool

	// MayOverridingStores flags store sites that may overwrite a skipped
	// callee's effects.
	MayOverridingStores map[ssa.Instruction]bool

	// ApproximateModInfos returns the modifiers that may affect a load's
	// allocation site.
	ApproximateModInfos func(load ssa.Instruction, site AllocSite) []ModInfo

	// SliceID resolves a modifier to its slice id.
	SliceID func(info ModInfo) (uint32, bool)

	// DistanceToUncovered optionally estimates the minimum distance from
	// an instruction to uncovered code. Zero means unknown.
	DistanceToUncovered func(instr ssa.Instruction) uint64
}

// SliceProvider produces sliced specializations of skipped callees on
// demand. The identity provider re-executes the full callee.
type SliceProvider interface {
	Slice(callee *ssa.Function, sliceID, subID uint32) *ssa.Function
}

type identitySlicer struct{}

func (identitySlicer) Slice(callee *ssa.Function, sliceID, subID uint32) *ssa.Function {
	return callee
}

// Stats counts engine events.
type Stats struct {
	Instructions    uint64
	Forks           uint64
	Snapshots       uint64
	RecoveryStates  uint64
	GeneratedSlices uint64
}

// StatePair is the result of a fork. Either side may be nil when the
// branch was committed without forking.
type StatePair struct {
	First, Second *ExecutionState
}

// Executor drives symbolic execution of an entry function.
type Executor struct {
	fn   *ssa.Function
	prog *ssa.Program

	config   Config
	analysis Analysis
	slicer   SliceProvider
	rand     *rand.Rand

	root   *ExecutionState
	ptree  *PTree
	states map[*ExecutionState]struct{}

	// Deltas accumulated during a step, drained by updateStates.
	addedStates      []*ExecutionState
	removedStates    []*ExecutionState
	suspendedStates  []*ExecutionState
	resumedStates    []*ExecutionState
	rangingSuspended []*ExecutionState

	// Ranging-suspended states indexed by canonical branch history.
	prefixSuspended map[string]*ExecutionState
	prefixTree      *PrefixTree

	allocator *Allocator
	globals   map[*ssa.Global]Expr

	fns map[funcKey]FunctionHandler

	// Mappings of types and functions to generated IDs and back, used
	// for deterministic pointer values.
	typeIDs   map[types.Type]int
	typesByID map[int]types.Type
	fnIDs     map[*ssa.Function]uint64
	fnsByID   map[uint64]*ssa.Function

	stateIDSeq int
	arrayIDSeq uint64

	instrCounts   map[ssa.Instruction]uint64
	fnInstrCounts map[*ssa.Function]uint64
	coveredAll    map[string]map[int]struct{}

	errorEmitted      map[errorKey]struct{}
	errorLocationsHit map[string]map[int]struct{}

	atMemoryLimit  bool
	inhibitForking bool
	haltExecution  bool
	haltFromMaster bool

	stats Stats

	// Master phase-1 exploration bound; zero disables.
	branchLevelHalt int

	// Used for solving symbolic values. Must be set before execution.
	Solver *SolverFacade

	// Search strategy for the executor. Defaults to depth-first.
	Searcher Searcher

	// OnStateTerminated is invoked for every terminated state before it
	// is removed, typically to emit a test case.
	OnStateTerminated func(state *ExecutionState, reason TerminateReason, message string)

	// StepHook runs after every updateStates. The distributed layer uses
	// it to probe control messages and publish offload hysteresis.
	StepHook func(e *Executor)
}

type errorKey struct {
	instr   ssa.Instruction
	message string
}

// NewExecutor returns a new instance of Executor for the entry function.
func NewExecutor(fn *ssa.Function, config Config, analysis Analysis) *Executor {
	if config.OS == "" {
		config.OS = runtime.GOOS
	}
	if config.Arch == "" {
		config.Arch = runtime.GOARCH
	}

	e := &Executor{
		fn:       fn,
		prog:     fn.Prog,
		config:   config,
		analysis: analysis,
		slicer:   identitySlicer{},
		rand:     rand.New(rand.NewSource(config.Seed)),

		states:          make(map[*ExecutionState]struct{}),
		prefixSuspended: make(map[string]*ExecutionState),
		prefixTree:      NewPrefixTree(),

		globals: make(map[*ssa.Global]Expr),
		fns:     make(map[funcKey]FunctionHandler),

		typeIDs:   make(map[types.Type]int),
		typesByID: make(map[int]types.Type),
		fnIDs:     make(map[*ssa.Function]uint64),
		fnsByID:   make(map[uint64]*ssa.Function),

		instrCounts:       make(map[ssa.Instruction]uint64),
		fnInstrCounts:     make(map[*ssa.Function]uint64),
		coveredAll:        make(map[string]map[int]struct{}),
		errorEmitted:      make(map[errorKey]struct{}),
		errorLocationsHit: make(map[string]map[int]struct{}),
	}
	e.allocator = NewAllocator(e.PointerWidth())
	e.Searcher = NewDFSSearcher()

	// Register all program types in deterministic order.
	for _, typ := range programTypes(fn.Prog) {
		typeID := len(e.typeIDs) + 1
		e.typeIDs[typ] = typeID
		e.typesByID[typeID] = typ
	}

	registerDefaults(e)

	// Initialize entry state & globals.
	e.root = NewExecutionState(e, fn)
	e.root.id = e.nextStateID()
	e.initializeGlobals(e.root)
	e.bindSymbolicParams(e.root, fn)

	e.states[e.root] = struct{}{}
	e.ptree = NewPTree(e.root)
	addState(e.Searcher, e.root)

	return e
}

// SetSlicer installs a slice provider for recovery re-execution.
func (e *Executor) SetSlicer(s SliceProvider) { e.slicer = s }

// RootState returns the initial state for the function execution.
func (e *Executor) RootState() *ExecutionState { return e.root }

// Rand returns the per-worker RNG.
func (e *Executor) Rand() *rand.Rand { return e.rand }

// Stats returns a copy of the engine counters.
func (e *Executor) Stats() Stats { return e.stats }

// States returns the live state set, including suspended states.
func (e *Executor) States() map[*ExecutionState]struct{} { return e.states }

// PTree returns the process tree.
func (e *Executor) PTree() *PTree { return e.ptree }

// Halt requests the run loop to stop.
func (e *Executor) Halt() { e.haltExecution = true }

// HaltFromMaster records a master-initiated stop.
func (e *Executor) HaltFromMaster() {
	e.haltExecution = true
	e.haltFromMaster = true
}

// Halted returns true once a stop was requested.
func (e *Executor) Halted() bool { return e.haltExecution }

// ClearHalt re-arms the run loop after a bounded phase stopped it.
// Master-initiated halts are permanent.
func (e *Executor) ClearHalt() {
	if !e.haltFromMaster {
		e.haltExecution = false
	}
}

// SetBranchLevelHalt bounds phase-1 exploration on the master.
func (e *Executor) SetBranchLevelHalt(n int) { e.branchLevelHalt = n }

// SetMaxDepth bounds symbolic depth; workers prune non-recovery states
// beyond it.
func (e *Executor) SetMaxDepth(n int) { e.config.MaxDepth = n }

// nextStateID returns the next autoincrementing state ID.
func (e *Executor) nextStateID() int {
	e.stateIDSeq++
	return e.stateIDSeq
}

// nextArrayID returns the next autoincrementing symbolic array ID.
// The sequence lives far above the address range so register-held
// arrays can never collide with memory-object arrays, which are keyed
// by their base address.
func (e *Executor) nextArrayID() uint64 {
	e.arrayIDSeq++
	return e.arrayIDSeq | 1<<56
}

// Register registers a function handler for a given function.
// Every invocation of the given function will be delegated to the handler.
func (e *Executor) Register(path, name string, h FunctionHandler) {
	e.fns[funcKey{path, name}] = h
}

// functionID returns a deterministic non-zero ID for fn, usable as a
// pointer value.
func (e *Executor) functionID(fn *ssa.Function) uint64 {
	if id, ok := e.fnIDs[fn]; ok {
		return id
	}
	id := uint64(len(e.fnIDs)) + 1<<32
	e.fnIDs[fn] = id
	e.fnsByID[id] = fn
	return id
}

// allocate creates and binds a fresh zeroed object in state.
func (e *Executor) allocate(state *ExecutionState, size uint, isLocal bool, site ssa.Instruction) *MemoryObject {
	mo := e.allocator.Allocate(size, isLocal, site)
	os := NewObjectState(mo)
	os.Array.zero()
	state.addressSpace.Bind(os)
	return mo
}

// initializeGlobals allocates the globals of the entry package.
func (e *Executor) initializeGlobals(state *ExecutionState) {
	if e.fn.Pkg == nil {
		return
	}
	names := make([]string, 0, len(e.fn.Pkg.Members))
	for name := range e.fn.Pkg.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g, ok := e.fn.Pkg.Members[name].(*ssa.Global)
		if !ok {
			continue
		}
		size := e.Sizeof(deref(g.Type())) / 8
		mo := e.allocate(state, size, false, nil)
		mo.IsGlobal = true
		e.globals[g] = mo.BaseExpr(e.PointerWidth())
	}
}

// bindSymbolicParams binds a fresh symbolic input to every integer
// parameter of the entry function.
func (e *Executor) bindSymbolicParams(state *ExecutionState, fn *ssa.Function) {
	for _, param := range fn.Params {
		typ, ok := param.Type().Underlying().(*types.Basic)
		if !ok || typ.Info()&(types.IsInteger|types.IsBoolean) == 0 {
			continue
		}
		width := e.Sizeof(param.Type())
		array := NewNamedArray(e.nextArrayID(), param.Name(), width/8)
		state.AddSymbolic(array)
		state.Frame().bind(param, array.Select(NewConstantExpr(0, 32), width, e.IsLittleEndian()))
	}
}

// Run executes states until the frontier drains or a halt is requested.
func (e *Executor) Run() error {
	if !isValidOSArch(e.config.OS, e.config.Arch) {
		return errors.New("invalid os/arch combination")
	}

	for !e.haltExecution && !e.Searcher.Empty() {
		state := e.Searcher.SelectState()
		if state == nil {
			break
		}

		// Master phase 1: stop once the frontier is wide enough.
		if e.branchLevelHalt > 0 {
			if n := e.selectableStates(); n >= e.branchLevelHalt {
				log.Printf("[halt] frontier reached %d states", n)
				e.haltExecution = true
				break
			}
		}

		// Workers prune non-recovery states beyond the exploration bound.
		if e.config.MaxDepth > 0 && !state.IsRecovery() && state.depth > e.config.MaxDepth {
			e.dropState(state)
			e.updateStates(nil)
			continue
		}

		if err := e.executeNextInstruction(state); err != nil {
			return err
		}
		e.checkMemoryUsage()
		e.updateStates(state)

		if e.StepHook != nil {
			e.StepHook(e)
		}

		if e.config.StopAfterNInstructions > 0 && e.stats.Instructions >= e.config.StopAfterNInstructions {
			log.Printf("[halt] instruction limit reached")
			e.haltExecution = true
		}
	}
	return nil
}

// selectableStates counts live, non-suspended states.
func (e *Executor) selectableStates() int {
	n := 0
	for state := range e.states {
		if !(state.IsNormal() && state.IsSuspended()) {
			n++
		}
	}
	return n
}

// dropState removes a state without emitting a test case. Used when a
// worker prunes states beyond the exploration bound.
func (e *Executor) dropState(state *ExecutionState) {
	removeState(e.Searcher, state)
	delete(e.states, state)
	if state.ptreeNode != nil {
		e.ptree.Remove(state.ptreeNode)
	}
}

// WorkList returns the branch histories of every live, non-suspended
// state. The master collects this after bounded exploration and
// dispatches the entries to workers as prefixes.
func (e *Executor) WorkList() []string {
	var a []string
	for state := range e.states {
		if state.IsNormal() && state.IsSuspended() {
			continue
		}
		a = append(a, state.BranchHist())
	}
	sort.Strings(a)
	return a
}

// DumpRemainingStates terminates every remaining state Early so the
// test writer records the partial paths.
func (e *Executor) DumpRemainingStates() {
	if len(e.states) == 0 {
		return
	}
	log.Printf("[halt] dumping %d remaining states", len(e.states))
	for state := range e.states {
		e.terminateStateEarly(state, "Execution halting.")
	}
	e.updateStates(nil)
}

// executeNextInstruction advances state by one instruction.
func (e *Executor) executeNextInstruction(state *ExecutionState) error {
	// Find the next available instruction on the current frame or pop up
	// to the caller if no more instructions remain. If no more frames
	// exist then execution is done.
	for {
		frame := state.Frame()
		if frame == nil {
			e.terminateStateOnExit(state)
			return nil
		}

		frame.NextInstr()
		if frame.Instr() != nil {
			break
		}
		state.Pop()
		if len(state.stack) == 0 {
			e.terminateStateOnExit(state)
			return nil
		}
	}

	instr := state.Instr()
	e.stepInstruction(state, instr)

	if _, ok := instr.(*ssa.DebugRef); !ok {
		pos := state.Position()
		pos.Filename = filepath.Base(pos.Filename)
		pos.Column = 0
		log.Printf("[exec] %s: %s (%T)", pos, instr.String(), instr)
	}

	if err := e.executeInstruction(state, instr); err != nil {
		// Unsupported IR fails loudly but terminates only this path.
		e.terminateStateOnError(state, err.Error(), Unhandled)
	}
	return nil
}

// stepInstruction updates counters and coverage before dispatch.
func (e *Executor) stepInstruction(state *ExecutionState, instr ssa.Instruction) {
	e.stats.Instructions++
	e.instrCounts[instr]++
	if fn := state.Frame().fn; fn != nil {
		e.fnInstrCounts[fn]++
	}
	state.instsSinceCovNew++

	if pos := state.Position(); pos.IsValid() {
		state.CoverLine(filepath.Base(pos.Filename), pos.Line)
	}
}

// coverLine records global line coverage; returns true if the line was
// not covered before.
func (e *Executor) coverLine(file string, line int) bool {
	lines := e.coveredAll[file]
	if lines == nil {
		lines = make(map[int]struct{})
		e.coveredAll[file] = lines
	}
	if _, ok := lines[line]; ok {
		return false
	}
	lines[line] = struct{}{}
	return true
}

func (e *Executor) executeInstruction(state *ExecutionState, instr ssa.Instruction) error {
	switch instr := instr.(type) {
	case *ssa.Alloc:
		return e.executeAllocInstr(state, instr)
	case *ssa.BinOp:
		return e.executeBinOpInstr(state, instr)
	case *ssa.Call:
		return e.executeCallInstr(state, instr)
	case *ssa.ChangeInterface:
		state.Frame().bind(instr, state.Eval(instr.X))
		return nil
	case *ssa.ChangeType:
		state.Frame().bind(instr, state.Eval(instr.X))
		return nil
	case *ssa.Convert:
		return e.executeConvertInstr(state, instr)
	case *ssa.DebugRef:
		return nil // nop
	case *ssa.Extract:
		tuple := state.Eval(instr.Tuple).(Tuple)
		state.Frame().bind(instr, tuple[instr.Index])
		return nil
	case *ssa.FieldAddr:
		return e.executeFieldAddrInstr(state, instr)
	case *ssa.Go:
		return errors.New("goroutines are not supported")
	case *ssa.If:
		return e.executeIfInstr(state, instr)
	case *ssa.IndexAddr:
		return e.executeIndexAddrInstr(state, instr)
	case *ssa.Jump:
		state.Frame().jump(instr.Block().Succs[0])
		return nil
	case *ssa.Lookup:
		return e.executeLookupInstr(state, instr)
	case *ssa.MakeInterface:
		return e.executeMakeInterfaceInstr(state, instr)
	case *ssa.MakeSlice:
		return e.executeMakeSliceInstr(state, instr)
	case *ssa.Panic:
		return e.executePanicInstr(state, instr)
	case *ssa.Phi:
		return e.executePhiInstr(state, instr)
	case *ssa.Return:
		return e.executeReturnInstr(state, instr)
	case *ssa.Slice:
		return e.executeSliceInstr(state, instr)
	case *ssa.Store:
		return e.executeStoreInstr(state, instr)
	case *ssa.TypeAssert:
		return e.executeTypeAssertInstr(state, instr)
	case *ssa.UnOp:
		return e.executeUnOpInstr(state, instr)
	default:
		return fmt.Errorf("ranger.Executor: unsupported instruction: %T", instr)
	}
}

func (e *Executor) executeAllocInstr(state *ExecutionState, instr *ssa.Alloc) error {
	// Non-heap allocs are allocated when pushing the function frame.
	if !instr.Heap {
		return nil
	}

	size := e.Sizeof(deref(instr.Type())) / 8
	mo, err := e.executeDynamicAlloc(state, size, instr)
	if err != nil {
		return err
	}
	state.Frame().bind(instr, mo.BaseExpr(e.PointerWidth()))

	log.Printf("[alloc] type=%s addr=%d size=%d", instr.Type(), mo.Address, size)
	return nil
}

func (e *Executor) executeBinOpInstr(state *ExecutionState, instr *ssa.BinOp) error {
	switch typ := instr.X.Type().Underlying().(type) {
	case *types.Interface:
		x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)
		switch instr.Op {
		case token.EQL:
			state.Frame().bind(instr, x.Equal(y))
		case token.NEQ:
			state.Frame().bind(instr, x.NotEqual(y))
		default:
			return errors.New("invalid interface binop operator")
		}
		return nil
	case *types.Basic:
		info := typ.Info()
		if info&types.IsBoolean != 0 {
			return e.executeBinOpInstrBoolean(state, instr)
		} else if info&types.IsInteger != 0 {
			return e.executeBinOpInstrInteger(state, instr, info&types.IsUnsigned == 0)
		} else if info&types.IsFloat != 0 {
			return errors.New("floating-point operations are not supported")
		} else if info&types.IsComplex != 0 {
			return errors.New("complex number operations are not supported")
		} else if info&types.IsString != 0 {
			return e.executeBinOpInstrString(state, instr)
		}
		return errors.New("unexpected binop basic type")
	default:
		return fmt.Errorf("unexpected binop X type: %T", typ)
	}
}

func (e *Executor) executeBinOpInstrBoolean(state *ExecutionState, instr *ssa.BinOp) error {
	x, y := state.Eval(instr.X).(Expr), state.Eval(instr.Y).(Expr)
	switch instr.Op {
	case token.AND:
		state.Frame().bind(instr, NewBinaryExpr(AND, x, y))
	case token.OR:
		state.Frame().bind(instr, NewBinaryExpr(OR, x, y))
	case token.EQL:
		state.Frame().bind(instr, NewBinaryExpr(EQ, x, y))
	case token.NEQ:
		state.Frame().bind(instr, NewBinaryExpr(NE, x, y))
	default:
		return errors.New("invalid boolean binop operator")
	}
	return nil
}

func (e *Executor) executeBinOpInstrInteger(state *ExecutionState, instr *ssa.BinOp, signed bool) error {
	x, y := state.Eval(instr.X).(Expr), state.Eval(instr.Y).(Expr)

	var op BinaryOp
	switch instr.Op {
	case token.ADD:
		op = ADD
	case token.SUB:
		op = SUB
	case token.MUL:
		op = MUL
	case token.QUO:
		op = UDIV
		if signed {
			op = SDIV
		}
	case token.REM:
		op = UREM
		if signed {
			op = SREM
		}
	case token.AND:
		op = AND
	case token.OR:
		op = OR
	case token.XOR, token.AND_NOT:
		op = XOR
	case token.SHL:
		op = SHL
	case token.SHR:
		op = LSHR
		if signed {
			op = ASHR
		}
	case token.EQL:
		op = EQ
	case token.NEQ:
		op = NE
	case token.LSS:
		op = ULT
		if signed {
			op = SLT
		}
	case token.LEQ:
		op = ULE
		if signed {
			op = SLE
		}
	case token.GTR:
		op = UGT
		if signed {
			op = SGT
		}
	case token.GEQ:
		op = UGE
		if signed {
			op = SGE
		}
	default:
		return errors.New("invalid integer binop operator")
	}

	state.Frame().bind(instr, NewBinaryExpr(op, x, y))
	return nil
}

func (e *Executor) executeBinOpInstrString(state *ExecutionState, instr *ssa.BinOp) error {
	x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)
	switch instr.Op {
	case token.EQL:
		state.Frame().bind(instr, x.Equal(y))
		return nil
	case token.NEQ:
		state.Frame().bind(instr, x.NotEqual(y))
		return nil
	default:
		return errors.New("unsupported string binop operator")
	}
}

func (e *Executor) executeCallInstr(state *ExecutionState, instr *ssa.Call) error {
	// Handle builtin functions separately.
	if builtin, ok := instr.Call.Value.(*ssa.Builtin); ok {
		registered := e.fns[funcKey{"", builtin.Name()}]
		if registered == nil {
			return fmt.Errorf("ranger.Executor: unregistered builtin function: %s", builtin.Name())
		}
		return registered(state, instr)
	}

	// Symbolic callee addresses are a multi-way branch over the feasible
	// targets.
	if e.isIndirectSymbolicCall(state, instr) {
		return e.executeIndirectCallInstr(state, instr)
	}

	fn, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}

	// Lookup if function is registered with the executor.
	if fn.Pkg != nil {
		path, name := fn.Pkg.Pkg.Path(), fn.Name()
		if registered, ok := e.fns[funcKey{path, name}]; ok {
			return registered(state, instr)
		}
	}

	// Skipped callees on normal, non-recovery states never execute.
	// Side-effecting ones leave a snapshot behind for lazy recovery.
	if state.IsNormal() && !state.IsRecovery() && e.isFunctionToSkip(state, fn) {
		if e.analysis.HasSideEffects != nil && e.analysis.HasSideEffects(fn) {
			e.takeSnapshot(state, fn)
		}
		log.Printf("[skip] call to %s", fn.Name())
		e.bindUnconstrainedResult(state, instr)
		return nil
	}

	// Inject the sliced callee into recovery states.
	if state.IsRecovery() {
		fn = e.injectSlice(state, fn)
		if fn == nil {
			// Fully sliced away; nothing to execute.
			e.bindUnconstrainedResult(state, instr)
			return nil
		}
	}

	if len(fn.Blocks) == 0 {
		return e.executeExternalCall(state, instr, fn)
	}

	// Move execution into the new frame & bind arguments.
	state.Push(fn)
	for i, arg := range args {
		state.Frame().bind(fn.Params[i], arg)
	}
	return nil
}

// isIndirectSymbolicCall reports whether the call goes through a
// non-constant function value.
func (e *Executor) isIndirectSymbolicCall(state *ExecutionState, instr *ssa.Call) bool {
	common := instr.Common()
	if common.IsInvoke() {
		return false
	}
	if _, ok := common.Value.(*ssa.Function); ok {
		return false
	}
	_, ok := state.EvalAsConstantExpr(common.Value)
	return !ok
}

// executeIndirectCallInstr resolves a symbolic callee address by
// forking over every known function of matching signature.
func (e *Executor) executeIndirectCallInstr(state *ExecutionState, instr *ssa.Call) error {
	common := instr.Common()
	addrExpr := state.MustEvalAsExpr(common.Value)
	sig, ok := common.Value.Type().Underlying().(*types.Signature)
	if !ok {
		return errors.New("ranger.Executor: indirect call through non-function value")
	}

	var fns []*ssa.Function
	for fn := range e.fnIDs {
		if types.Identical(fn.Signature, sig) {
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return e.fnIDs[fns[i]] < e.fnIDs[fns[j]] })

	conds := make([]Expr, 0, len(fns))
	for _, fn := range fns {
		conds = append(conds, newEqExpr(addrExpr, NewConstantExpr(e.fnIDs[fn], e.PointerWidth())))
	}

	states, err := e.ForkMulti(state, conds)
	if err != nil {
		return nil // state already terminated
	}

	for i, target := range states[:len(conds)] {
		if target == nil {
			continue
		}
		fn := fns[i]
		args := make([]Binding, 0, len(common.Args))
		for _, arg := range common.Args {
			args = append(args, target.Eval(arg))
		}
		target.Push(fn)
		for j, arg := range args {
			target.Frame().bind(fn.Params[j], arg)
		}
	}

	// The default branch points at no known function.
	if def := states[len(conds)]; def != nil {
		e.terminateStateOnError(def, "invalid function pointer", Ptr)
	}
	return nil
}

// extractCall returns the callee and evaluated arguments.
func (e *Executor) extractCall(state *ExecutionState, instr ssa.CallInstruction) (*ssa.Function, []Binding, error) {
	common := instr.Common()
	var fn *ssa.Function
	var args []Binding

	if common.IsInvoke() {
		// Interface method invocation: extract concrete type & pointer.
		iface := state.Eval(common.Value).(*Array)
		typeExpr := state.selectIntAt(iface, 0)
		typeID, ok := typeExpr.(*ConstantExpr)
		if !ok {
			return nil, nil, fmt.Errorf("ranger.Executor: symbolic interface dispatch is not supported")
		}
		typ := e.typesByID[int(typeID.Value)]
		if typ == nil {
			return nil, nil, fmt.Errorf("ranger.Executor: type not found: id=%d", typeID.Value)
		}
		fn = e.prog.LookupMethod(typ, common.Method.Pkg(), common.Method.Name())
		args = append(args, state.selectIntAt(iface, 1)) // receiver
	} else if f, ok := common.Value.(*ssa.Function); ok {
		fn = f
	} else {
		addr, ok := state.EvalAsConstantExpr(common.Value)
		if !ok || addr == nil {
			return nil, nil, fmt.Errorf("ranger.Executor: expected constant function address")
		}
		fn = e.fnsByID[addr.Value]
		if fn == nil {
			return nil, nil, fmt.Errorf("ranger.Executor: function not found: id=%d", addr.Value)
		}
	}

	for _, arg := range common.Args {
		args = append(args, state.Eval(arg))
	}
	return fn, args, nil
}

// bindUnconstrainedResult binds a fresh symbolic value to a call result.
func (e *Executor) bindUnconstrainedResult(state *ExecutionState, instr *ssa.Call) {
	typ := instr.Type()
	if typ == nil {
		return
	}

	// Multi-value results are bound element-wise.
	if tuple, ok := typ.(*types.Tuple); ok {
		if tuple.Len() == 0 {
			return
		}
		results := make(Tuple, tuple.Len())
		for i := range results {
			results[i] = e.unconstrainedValue(tuple.At(i).Type())
		}
		state.Frame().bind(instr, results)
		return
	}

	state.Frame().bind(instr, e.unconstrainedValue(typ))
}

// unconstrainedValue returns a fresh symbolic expression of the type's
// width.
func (e *Executor) unconstrainedValue(typ types.Type) Expr {
	width := e.Sizeof(typ)
	if width == 0 {
		width = e.PointerWidth()
	}
	array := NewArray(e.nextArrayID(), width/8)
	return array.Select(NewConstantExpr(0, 32), width, e.IsLittleEndian())
}

// executeExternalCall handles calls to functions without bodies.
func (e *Executor) executeExternalCall(state *ExecutionState, instr *ssa.Call, fn *ssa.Function) error {
	if !e.config.AllowExternalSymCalls {
		e.terminateStateOnError(state, fmt.Sprintf("external call: %s", fn.Name()), External)
		return nil
	}
	log.Printf("[extern] %s returns unconstrained", fn.Name())
	e.bindUnconstrainedResult(state, instr)
	return nil
}

func (e *Executor) executeConvertInstr(state *ExecutionState, instr *ssa.Convert) error {
	srcType, dstType := instr.X.Type().Underlying(), instr.Type().Underlying()

	srcBasic, ok := srcType.(*types.Basic)
	if !ok {
		return fmt.Errorf("ranger.Executor: unsupported type conversion: %s", srcType)
	}
	if srcBasic.Info()&types.IsInteger == 0 {
		return fmt.Errorf("ranger.Executor: unsupported basic type conversion: %s", srcBasic)
	}
	if dstBasic, ok := dstType.(*types.Basic); !ok || dstBasic.Info()&types.IsInteger == 0 {
		return fmt.Errorf("ranger.Executor: unsupported conversion target: %s", dstType)
	}

	value := state.MustEvalAsExpr(instr.X)
	signed := srcBasic.Info()&types.IsUnsigned == 0
	state.Frame().bind(instr, NewCastExpr(value, e.Sizeof(dstType), signed))
	return nil
}

func (e *Executor) executeFieldAddrInstr(state *ExecutionState, instr *ssa.FieldAddr) error {
	ptrType := instr.X.Type().Underlying().(*types.Pointer)
	structType := ptrType.Elem().Underlying().(*types.Struct)
	offsets := e.Sizes().Offsetsof(structFields(structType))
	fieldOffset := offsets[instr.Field]

	base, ok := state.Eval(instr.X).(*ConstantExpr)
	if !ok {
		return fmt.Errorf("ranger.Executor: symbolic struct base is not supported")
	}

	expr := NewBinaryExpr(ADD, base, NewConstantExpr(uint64(fieldOffset), e.PointerWidth()))
	state.Frame().bind(instr, expr)
	return nil
}

func (e *Executor) executeIndexAddrInstr(state *ExecutionState, instr *ssa.IndexAddr) error {
	index := state.MustEvalAsExpr(instr.Index)

	switch typ := instr.X.Type().Underlying().(type) {
	case *types.Pointer: // *[N]T
		arrayType := typ.Elem().Underlying().(*types.Array)
		base := state.Eval(instr.X).(Expr)
		indexBytes := newMulExpr(newZExtExpr(index, e.PointerWidth()), NewConstantExpr(uint64(e.Sizeof(arrayType.Elem())/8), e.PointerWidth()))
		state.Frame().bind(instr, newAddExpr(base, indexBytes))
		return nil
	case *types.Slice:
		hdr := state.Eval(instr.X).(*Array)
		data := state.selectIntAt(hdr, 0)
		indexBytes := newMulExpr(newZExtExpr(index, e.PointerWidth()), NewConstantExpr(uint64(e.Sizeof(typ.Elem())/8), e.PointerWidth()))
		state.Frame().bind(instr, newAddExpr(data, indexBytes))
		return nil
	default:
		return fmt.Errorf("ranger.Executor: unexpected IndexAddr.X type: %T", typ)
	}
}

func (e *Executor) executeLookupInstr(state *ExecutionState, instr *ssa.Lookup) error {
	if _, ok := instr.X.Type().Underlying().(*types.Basic); !ok {
		return errors.New("ranger.Executor: map lookup is not supported")
	}
	x := state.Eval(instr.X).(*Array)
	index := newZExtExpr(state.MustEvalAsExpr(instr.Index), 64)
	state.Frame().bind(instr, x.selectByte(index))
	return nil
}

func (e *Executor) executeMakeInterfaceInstr(state *ExecutionState, instr *ssa.MakeInterface) error {
	typeID := uint64(e.typeIDs[instr.X.Type()])

	// An interface element contains a type pointer and a data pointer.
	iface := NewArray(e.nextArrayID(), (e.PointerWidth()*2)/8)
	iface.zero()
	iface = e.storeIntAt(iface, 0, NewConstantExpr(typeID, e.PointerWidth()))
	iface = e.storeIntAt(iface, 1, state.MustEvalAsExpr(instr.X))

	state.Frame().bind(instr, iface)
	return nil
}

func (e *Executor) executeMakeSliceInstr(state *ExecutionState, instr *ssa.MakeSlice) error {
	typ := instr.Type().Underlying().(*types.Slice)

	length, ok := state.EvalAsConstantExpr(instr.Len)
	if !ok {
		return errors.New("ranger.Executor: make slice len must be a constant")
	}
	capacity, ok := state.EvalAsConstantExpr(instr.Cap)
	if !ok {
		return errors.New("ranger.Executor: make slice cap must be a constant")
	} else if capacity == nil {
		capacity = length
	}

	elemSize := e.Sizeof(typ.Elem()) / 8
	mo, err := e.executeDynamicAlloc(state, uint(capacity.Value)*elemSize, instr)
	if err != nil {
		return err
	}

	hdr := e.makeSliceHeader(state, mo.BaseExpr(e.PointerWidth()), length.ZExt(e.PointerWidth()), capacity.ZExt(e.PointerWidth()))
	state.Frame().bind(instr, hdr)
	return nil
}

// makeSliceHeader builds a (data, len, cap) header array.
func (e *Executor) makeSliceHeader(state *ExecutionState, data, length, capacity Expr) *Array {
	hdr := NewArray(e.nextArrayID(), (e.PointerWidth()/8)*3)
	hdr.zero()
	hdr = e.storeIntAt(hdr, 0, data)
	hdr = e.storeIntAt(hdr, 1, length)
	hdr = e.storeIntAt(hdr, 2, capacity)
	return hdr
}

func (e *Executor) executePanicInstr(state *ExecutionState, instr *ssa.Panic) error {
	e.terminateStateOnError(state, "panic", Abort)
	return nil
}

func (e *Executor) executePhiInstr(state *ExecutionState, instr *ssa.Phi) error {
	i := basicBlockIndex(state.Frame().block.Preds, state.Frame().prev)
	assert(i >= 0, "phi basic block not found")
	state.Frame().bind(instr, state.Eval(instr.Edges[i]))
	return nil
}

func (e *Executor) executeReturnInstr(state *ExecutionState, instr *ssa.Return) error {
	frame := state.CallerFrame()
	if frame == nil {
		// Entry function returned; the state terminates here once the
		// final frame pops.
		state.Pop()
		if len(state.stack) == 0 {
			e.terminateStateOnExit(state)
		}
		return nil
	}

	results := make(Tuple, len(instr.Results))
	for i := range results {
		results[i] = state.Eval(instr.Results[i])
	}

	call := frame.Instr()
	state.Pop()
	if call, ok := call.(*ssa.Call); ok {
		switch len(results) {
		case 0:
		case 1:
			state.Frame().bind(call, results[0])
		default:
			state.Frame().bind(call, results)
		}
	}

	// A recovery state completing the re-executed call is done.
	if state.IsRecovery() && state.Frame().Instr() == state.exitInst {
		e.onRecoveryStateExit(state)
	}
	return nil
}

func (e *Executor) executeIfInstr(state *ExecutionState, instr *ssa.If) error {
	cond := state.Eval(instr.Cond).(Expr)
	block := instr.Block()

	pair, err := e.fork(state, cond, false)
	if err != nil {
		return nil // state already terminated Early
	}
	if pair.First != nil {
		pair.First.Frame().jump(block.Succs[0])
	}
	if pair.Second != nil {
		pair.Second.Frame().jump(block.Succs[1])
	}
	return nil
}

func (e *Executor) executeStoreInstr(state *ExecutionState, instr *ssa.Store) error {
	addr, err := e.resolveAddress(state, state.MustEvalAsExpr(instr.Addr))
	if err != nil {
		return nil // state already terminated
	}

	switch val := state.Eval(instr.Val).(type) {
	case *Array:
		if err := state.addressSpace.WriteBytes(addr, val, e.IsLittleEndian()); err != nil {
			e.terminateStateOnError(state, err.Error(), Ptr)
			return nil
		}
		e.onStore(state, instr, addr, uint64(val.Size))
		return nil
	case Expr:
		os, ok := state.addressSpace.ResolveOne(addr)
		if !ok {
			e.terminateStateOnError(state, fmt.Sprintf("invalid pointer: %d", addr), Ptr)
			return nil
		}
		if os.Object.IsReadOnly {
			e.terminateStateOnError(state, "write to read-only memory", ReadOnly)
			return nil
		}
		offset := NewConstantExpr(addr-os.Object.Address, e.PointerWidth())
		state.addressSpace.Write(os, offset, val, e.IsLittleEndian())
		e.onStore(state, instr, addr, uint64(minBytes(ExprWidth(val))))

		// Recovery writes to the blocking address propagate into the
		// suspended dependent state.
		if state.IsRecovery() {
			e.onRecoveryStateWrite(state, addr, val)
		}
		return nil
	default:
		return fmt.Errorf("unexpected store value: %#v", val)
	}
}

// onStore records overwrite bookkeeping for dependent-mode states.
func (e *Executor) onStore(state *ExecutionState, instr *ssa.Store, addr, size uint64) {
	if !state.IsNormal() || !state.InDependentMode() {
		return
	}
	if e.analysis.MayOverridingStores != nil && !e.analysis.MayOverridingStores[instr] {
		return
	}
	state.addWrittenAddress(addr, size, state.currentSnapshotIndex())
	log.Printf("[recover] state %d wrote (%d, %d)", state.id, addr, size)
}

func (e *Executor) executeTypeAssertInstr(state *ExecutionState, instr *ssa.TypeAssert) error {
	iface := state.Eval(instr.X).(*Array)
	typeExpr := state.selectIntAt(iface, 0)

	targetID := uint64(e.typeIDs[instr.AssertedType])
	cond := newEqExpr(typeExpr, NewConstantExpr(targetID, e.PointerWidth()))

	if instr.CommaOk {
		data := state.selectIntAt(iface, 1)
		state.Frame().bind(instr, Tuple{data, cond})
		return nil
	}

	// Multi-way resolution: the assertion either holds or the state
	// fails with every other feasible type.
	pair, err := e.fork(state, cond, true)
	if err != nil {
		return nil
	}
	if pair.Second != nil {
		e.terminateStateOnError(pair.Second, "interface conversion: type assertion failed", Exec)
	}
	if pair.First != nil {
		pair.First.Frame().bind(instr, state.selectIntAt(iface, 1))
	}
	return nil
}

func (e *Executor) executeUnOpInstr(state *ExecutionState, instr *ssa.UnOp) error {
	switch instr.Op {
	case token.MUL:
		return e.executeLoadInstr(state, instr)
	case token.NOT:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewIsZeroExpr(x))
		return nil
	case token.SUB:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewBinaryExpr(SUB, NewConstantExpr(0, ExprWidth(x)), x))
		return nil
	case token.XOR:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewNotExpr(x))
		return nil
	default:
		return errors.New("invalid UnOp operator")
	}
}

// executeLoadInstr performs a memory read, first consulting the
// recovery engine when the state depends on skipped callees.
func (e *Executor) executeLoadInstr(state *ExecutionState, instr *ssa.UnOp) error {
	addrExpr := state.MustEvalAsExpr(instr.X)
	addr, err := e.resolveAddress(state, addrExpr)
	if err != nil {
		return nil // state already terminated
	}

	if state.IsNormal() && state.InDependentMode() {
		if started, err := e.handleMayBlockingLoad(state, instr, addr); err != nil {
			return nil // state already terminated
		} else if started {
			// The load re-executes after recovery completes.
			return nil
		}
		e.onNormalStateRead(state, addr)
	}

	os, ok := state.addressSpace.ResolveOne(addr)
	if !ok {
		e.terminateStateOnError(state, fmt.Sprintf("invalid pointer: %d", addr), Ptr)
		return nil
	}

	width := e.Sizeof(instr.Type())
	offset := NewConstantExpr(addr-os.Object.Address, e.PointerWidth())

	if isExprType(instr.Type()) {
		state.Frame().bind(instr, os.Read(offset, width, e.IsLittleEndian()))
	} else {
		// Complex data types are extracted as arrays.
		dst := NewArray(e.nextArrayID(), width/8)
		dst.zero()
		for i := uint64(0); i < uint64(dst.Size); i++ {
			index := newAddExpr(offset, NewConstantExpr(i, e.PointerWidth()))
			dst.storeByte(NewConstantExpr64(i), os.Array.selectByte(newZExtExpr(index, Width64)))
		}
		state.Frame().bind(instr, dst)
	}
	return nil
}

func (e *Executor) executeSliceInstr(state *ExecutionState, instr *ssa.Slice) error {
	x, ok := state.Eval(instr.X).(*Array)
	if !ok {
		return fmt.Errorf("ranger.Executor: unsupported slice base: %T", state.Eval(instr.X))
	}

	pointerWidth := e.PointerWidth()
	typ, ok := instr.Type().Underlying().(*types.Slice)
	if !ok {
		return errors.New("ranger.Executor: string slicing is not supported")
	}
	elemWidth := NewConstantExpr(uint64(e.Sizeof(typ.Elem()))/8, pointerWidth)

	lo := state.MustEvalAsExpr(instr.Low)
	hi := state.MustEvalAsExpr(instr.High)
	max := state.MustEvalAsExpr(instr.Max)
	if lo == nil {
		lo = NewConstantExpr(0, pointerWidth)
	}
	if hi == nil {
		hi = state.selectIntAt(x, 1)
	}
	if max == nil {
		max = state.selectIntAt(x, 2)
	}

	data := newAddExpr(state.selectIntAt(x, 0), newMulExpr(newZExtExpr(lo, pointerWidth), elemWidth))
	hdr := e.makeSliceHeader(state, data, newSubExpr(hi, lo), newSubExpr(max, lo))
	state.Frame().bind(instr, hdr)
	return nil
}

// resolveAddresses returns every object a symbolic address may point to
// under the state's constraints, up to limit (0 = unlimited).
func (e *Executor) resolveAddresses(state *ExecutionState, addrExpr Expr, limit int) ([]*ObjectState, error) {
	var resolved []*ObjectState
	var solverErr error
	pointerWidth := e.PointerWidth()

	state.addressSpace.Iterate(func(os *ObjectState) bool {
		base := os.Object.BaseExpr(pointerWidth)
		end := NewConstantExpr(os.Object.Address+uint64(os.Object.Size), pointerWidth)
		inBounds := newAndExpr(newUleExpr(base, addrExpr), newUltExpr(addrExpr, end))

		ok, err := e.Solver.MayBeTrue(state, inBounds)
		if err != nil {
			solverErr = err
			return false
		}
		if ok {
			resolved = append(resolved, os)
		}
		return limit == 0 || len(resolved) < limit
	})
	return resolved, solverErr
}

// resolveAddress concretizes an address expression, binding the chosen
// value into the path constraints when the address is symbolic.
func (e *Executor) resolveAddress(state *ExecutionState, addrExpr Expr) (uint64, error) {
	if addr, ok := addrExpr.(*ConstantExpr); ok {
		if addr.Value == 0 {
			e.terminateStateOnError(state, "nil pointer dereference", Ptr)
			return 0, errors.New("nil pointer")
		}
		return addr.Value, nil
	}

	value, err := e.Solver.GetValue(state, addrExpr)
	if err != nil {
		if IsTimeout(err) {
			e.terminateStateEarly(state, "Query timed out (resolve).")
		} else {
			e.terminateStateOnError(state, err.Error(), Unhandled)
		}
		return 0, err
	}
	state.AddConstraint(newEqExpr(addrExpr, value))
	return value.Value, nil
}

// selectIntAt returns the i-th pointer-width expression from an array.
func (s *ExecutionState) selectIntAt(array *Array, i int) Expr {
	pointerWidth := s.executor.PointerWidth()
	return array.Select(NewConstantExpr32(uint64(i)*uint64(pointerWidth/8)), pointerWidth, s.executor.IsLittleEndian())
}

// storeIntAt returns a new array with the i-th pointer-width element updated.
func (e *Executor) storeIntAt(array *Array, i int, value Expr) *Array {
	pointerWidth := uint64(e.PointerWidth())
	return array.Store(NewConstantExpr64(uint64(i)*(pointerWidth/8)), newZExtExpr(value, uint(pointerWidth)), e.IsLittleEndian())
}

// --- forking ---

// fork splits state on cond. Appends '2'/'3' to the branch history for
// committed branches and '0'/'1' for real forks; internal forks leave
// no history. Guided states take the branch direction from their
// prefixes instead of the solver.
func (e *Executor) fork(state *ExecutionState, cond Expr, isInternal bool) (StatePair, error) {
	var res Validity
	forkAndSuspend := false

	if !isInternal && state.ShallRange() {
		direction, fas := state.BranchToTake()
		switch direction {
		case BranchTrue:
			res = ValidityTrue
		case BranchFalse:
			res = ValidityFalse
		default:
			res = ValidityUnknown // prefixes disagree, solver fork
		}
		forkAndSuspend = fas
	} else {
		var err error
		res, err = e.Solver.Evaluate(state, cond)
		if err != nil {
			state.Frame().RewindInstr()
			e.terminateStateEarly(state, "Query timed out (fork).")
			return StatePair{}, err
		}
	}

	// Fork inhibition commits a random branch instead of splitting.
	if res == ValidityUnknown && !forkAndSuspend {
		if (e.config.MaxMemoryInhibit && e.atMemoryLimit) ||
			state.forkDisabled ||
			e.inhibitForking ||
			(e.config.MaxForks != 0 && e.stats.Forks >= e.config.MaxForks) {
			if e.config.MaxMemoryInhibit && e.atMemoryLimit {
				log.Printf("[warn] skipping fork (memory cap exceeded)")
			} else if state.forkDisabled {
				log.Printf("[warn] skipping fork (fork disabled on current path)")
			} else if e.inhibitForking {
				log.Printf("[warn] skipping fork (fork disabled globally)")
			} else {
				log.Printf("[warn] skipping fork (max-forks reached)")
			}

			if e.rand.Intn(2) == 0 {
				state.AddConstraint(cond)
				res = ValidityTrue
			} else {
				state.AddConstraint(NewIsZeroExpr(cond))
				res = ValidityFalse
			}
		}
	}

	switch res {
	case ValidityTrue:
		if forkAndSuspend {
			return e.forkStates(state, cond, isInternal, true, false), nil
		}
		if !isInternal {
			state.branchHist = append(state.branchHist, '2')
		}
		state.AddConstraint(cond)
		return StatePair{First: state}, nil

	case ValidityFalse:
		if forkAndSuspend {
			return e.forkStates(state, cond, isInternal, true, true), nil
		}
		if !isInternal {
			state.branchHist = append(state.branchHist, '3')
		}
		state.AddConstraint(NewIsZeroExpr(cond))
		return StatePair{Second: state}, nil

	default:
		return e.forkStates(state, cond, isInternal, false, false), nil
	}
}

// forkStates performs the actual split. When suspend is set the forked
// sibling goes to the ranging-suspended pool instead of the searcher;
// suspendTrue picks which side the sibling takes (the current state
// keeps the other).
func (e *Executor) forkStates(state *ExecutionState, cond Expr, isInternal, suspend, suspendTrue bool) StatePair {
	e.stats.Forks++

	sibling := state.Branch()
	sibling.id = e.nextStateID()

	var trueState, falseState *ExecutionState
	if suspend && suspendTrue {
		trueState, falseState = sibling, state
	} else {
		trueState, falseState = state, sibling
	}

	log.Printf("[fork] state %d -> (%d, %d)", state.id, trueState.id, falseState.id)

	e.ptree.Split(state.ptreeNode, falseState, trueState)

	// Prefixes partition between the children; this uses the branch
	// position, so it happens before the history digits are appended.
	if len(state.prefixes) > 0 {
		trueState.removeFalsePrefixes()
		falseState.removeTruePrefixes()
	}

	if !isInternal {
		trueState.depth++
		falseState.depth++
		trueState.branchHist = append(trueState.branchHist, '0')
		falseState.branchHist = append(falseState.branchHist, '1')
	}

	trueState.AddConstraint(cond)
	falseState.AddConstraint(NewIsZeroExpr(cond))

	// Forking a recovery state forks the whole dependent chain so each
	// sibling keeps a private chain.
	if state.IsRecovery() {
		e.forkDependentStates(state, sibling)
		e.mergeConstraintsForAll(trueState, cond)
		e.mergeConstraintsForAll(falseState, NewIsZeroExpr(cond))
	}

	// Ranging-suspended siblings live outside the state set until a
	// prefix task resumes them.
	if suspend {
		e.rangingSuspended = append(e.rangingSuspended, sibling)
	} else {
		e.addedStates = append(e.addedStates, sibling)
	}

	return StatePair{First: trueState, Second: falseState}
}

// ForkMulti splits state across conds plus the implicit default branch
// (the conjunction of all negations). Provably infeasible cases are
// pruned with MayBeTrue. Returns one state per retained case, aligned
// with conds; index len(conds) is the default state.
func (e *Executor) ForkMulti(state *ExecutionState, conds []Expr) ([]*ExecutionState, error) {
	var defaultCond Expr = NewBoolConstantExpr(true)
	for i, cond := range conds {
		if i == 0 {
			defaultCond = NewIsZeroExpr(cond)
		} else {
			defaultCond = newAndExpr(defaultCond, NewIsZeroExpr(cond))
		}
	}

	// Retain only provably-feasible cases.
	feasible := make([]bool, len(conds)+1)
	n := 0
	for i, cond := range append(append([]Expr(nil), conds...), defaultCond) {
		ok, err := e.Solver.MayBeTrue(state, cond)
		if err != nil {
			e.terminateStateEarly(state, "Query timed out (switch).")
			return nil, err
		}
		if ok {
			feasible[i] = true
			n++
		}
	}

	results := make([]*ExecutionState, len(conds)+1)
	if n == 0 {
		return results, nil
	}

	// Create n-1 siblings by splitting repeatedly; the last feasible
	// case keeps the original state.
	current := state
	remaining := n
	for i := range feasible {
		if !feasible[i] {
			continue
		}
		cond := defaultCond
		if i < len(conds) {
			cond = conds[i]
		}

		if remaining == 1 {
			current.branchHist = append(current.branchHist, '2')
			current.AddConstraint(cond)
			results[i] = current
			break
		}

		sibling := current.Branch()
		sibling.id = e.nextStateID()
		e.stats.Forks++
		e.ptree.Split(current.ptreeNode, sibling, current)
		sibling.depth++
		current.depth++
		sibling.branchHist = append(sibling.branchHist, '0')
		current.branchHist = append(current.branchHist, '1')
		sibling.AddConstraint(cond)
		e.addedStates = append(e.addedStates, sibling)
		results[i] = sibling
		remaining--
	}
	return results, nil
}

// --- termination ---

func (e *Executor) terminateState(state *ExecutionState) {
	if state.status == ExecutionStatusRunning {
		state.status = ExecutionStatusTerminated
	}
	e.removedStates = append(e.removedStates, state)
}

func (e *Executor) terminateStateEarly(state *ExecutionState, message string) {
	state.status = ExecutionStatusTerminated
	state.reason = message
	state.terminateReason = Early
	e.emitTestCase(state, Early, message)
	e.terminateStateRecursively(state)
}

func (e *Executor) terminateStateOnExit(state *ExecutionState) {
	if state.IsRecovery() {
		// A recovery state never runs past its exit instruction.
		e.onRecoveryStateExit(state)
		return
	}
	state.status = ExecutionStatusFinished
	state.terminateReason = Exit
	e.emitTestCase(state, Exit, "")
	e.terminateState(state)
}

func (e *Executor) terminateStateOnError(state *ExecutionState, message string, reason TerminateReason) {
	state.status = ExecutionStatusTerminated
	state.reason = message
	state.terminateReason = reason

	// Deduplicate per (instruction, message) unless emitting everything.
	key := errorKey{instr: state.Instr(), message: message}
	if _, seen := e.errorEmitted[key]; !seen || e.config.EmitAllErrors {
		e.errorEmitted[key] = struct{}{}
		pos := state.Position()
		log.Printf("[error] %s:%d: %s (%s)", filepath.Base(pos.Filename), pos.Line, message, reason)
		e.emitTestCase(state, reason, message)
		e.recordErrorLocation(filepath.Base(pos.Filename), pos.Line)
	}

	// Memory-model and arithmetic errors tear down the recovery chain.
	e.terminateStateRecursively(state)
}

// recordErrorLocation tracks configured error locations; once every
// location has been hit the engine halts itself.
func (e *Executor) recordErrorLocation(file string, line int) {
	lines, ok := e.config.ErrorLocations[file]
	if !ok {
		return
	}
	found := false
	for _, l := range lines {
		if l == line {
			found = true
			break
		}
	}
	if !found {
		return
	}

	hit := e.errorLocationsHit[file]
	if hit == nil {
		hit = make(map[int]struct{})
		e.errorLocationsHit[file] = hit
	}
	hit[line] = struct{}{}

	for file, lines := range e.config.ErrorLocations {
		for _, line := range lines {
			if _, ok := e.errorLocationsHit[file][line]; !ok {
				return
			}
		}
	}
	log.Printf("[halt] all error locations hit")
	e.haltExecution = true
}

// emitTestCase forwards a terminated state to the registered sink.
func (e *Executor) emitTestCase(state *ExecutionState, reason TerminateReason, message string) {
	if e.config.OnlyOutputStatesCoveringNew && !state.coveredNew && reason == Exit {
		return
	}
	if e.OnStateTerminated != nil {
		e.OnStateTerminated(state, reason, message)
	}
}

// --- state set maintenance ---

// updateStates drains the step's state deltas into the searcher, the
// state set, and the ranging-suspension index.
func (e *Executor) updateStates(current *ExecutionState) {
	if e.Searcher != nil {
		// Don't pass suspended states to the searcher; they were removed
		// from it when they suspended.
		var filtered []*ExecutionState
		for _, state := range e.removedStates {
			if state.IsNormal() && state.IsSuspended() {
				continue
			}
			filtered = append(filtered, state)
		}
		e.Searcher.Update(current, e.addedStates, filtered)

		for _, state := range e.suspendedStates {
			removeState(e.Searcher, state)
		}
		e.suspendedStates = e.suspendedStates[:0]

		for _, state := range e.resumedStates {
			addState(e.Searcher, state)
		}
		e.resumedStates = e.resumedStates[:0]
	}

	for _, state := range e.addedStates {
		e.states[state] = struct{}{}
	}
	e.addedStates = e.addedStates[:0]

	// Index freshly ranging-suspended states by canonical history.
	for _, state := range e.rangingSuspended {
		path := CanonicalHistory(state.BranchHist())
		state.ClearPrefixes()
		e.prefixSuspended[path] = state
		e.prefixTree.Add(path)
	}
	e.rangingSuspended = e.rangingSuspended[:0]

	for _, state := range e.removedStates {
		if _, ok := e.states[state]; !ok {
			// Suspended states may already be out of the set.
			assert(state.IsNormal() && state.IsSuspended(), "removal of unknown state")
			continue
		}
		delete(e.states, state)
		if state.ptreeNode != nil {
			e.ptree.Remove(state.ptreeNode)
		}
		for _, snapshot := range state.snapshots {
			snapshot.Release()
		}
	}
	e.removedStates = e.removedStates[:0]
}

// SuspendRangedState moves a live state into the ranging-suspended pool
// (offload path).
func (e *Executor) SuspendRangedState(state *ExecutionState) {
	removeState(e.Searcher, state)
	delete(e.states, state)
	e.rangingSuspended = append(e.rangingSuspended, state)
}

// ResumeRangedState reattaches prefixes to a suspended state and
// reinserts it into the frontier. The state is looked up by the
// longest common path of the prefix tree.
func (e *Executor) ResumeRangedState(prefix string) (*ExecutionState, error) {
	canonical := CanonicalHistory(prefix)
	resumePath := e.prefixTree.PathToResume(canonical)
	state, ok := e.prefixSuspended[resumePath]
	if !ok {
		return nil, fmt.Errorf("ranger.Executor: no suspended state for path %q", resumePath)
	}
	state.AddPrefix(prefix)
	return state, nil
}

// ActivateResumedStates reinserts resumed states into the scheduler.
func (e *Executor) ActivateResumedStates(states []*ExecutionState) {
	for _, state := range states {
		path := e.prefixTree.PathToResume(CanonicalHistory(state.BranchHist()))
		delete(e.prefixSuspended, path)
		e.states[state] = struct{}{}
		addState(e.Searcher, state)
	}
}

// OffloadStates selects up to a quarter of the non-suspended frontier
// (cap 16), preferring the shortest branch histories, and moves the
// selection into the ranging-suspended pool. Returns the selected
// states; empty if the frontier is too small.
func (e *Executor) OffloadStates() []*ExecutionState {
	if e.haltExecution {
		return nil
	}

	var candidates []*ExecutionState
	for state := range e.states {
		if state.IsNormal() && state.IsSuspended() {
			continue
		}
		candidates = append(candidates, state)
	}
	if len(candidates) < 4 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].branchHist) != len(candidates[j].branchHist) {
			return len(candidates[i].branchHist) < len(candidates[j].branchHist)
		}
		return candidates[i].id < candidates[j].id
	})

	n := len(candidates) / 4
	if n > 16 {
		n = 16
	}
	if n < 1 {
		n = 1
	}
	selected := candidates[:n]

	for _, state := range selected {
		e.SuspendRangedState(state)
	}
	e.updateStates(nil)
	return selected
}

// --- memory pressure ---

// checkMemoryUsage kills random states once the soft memory cap is
// exceeded. Suspended and recovery states survive; states covering new
// code get a second chance.
func (e *Executor) checkMemoryUsage() {
	if e.config.MaxMemory == 0 || e.stats.Instructions&0xFFFF != 0 {
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mbs := ms.HeapAlloc >> 20

	if mbs <= e.config.MaxMemory {
		e.atMemoryLimit = false
		return
	}
	e.atMemoryLimit = true
	if mbs <= e.config.MaxMemory+100 {
		return
	}

	numStates := uint64(len(e.states))
	toKill := numStates - numStates*e.config.MaxMemory/mbs
	if toKill < 1 {
		toKill = 1
	}
	log.Printf("[warn] killing %d states (over memory cap)", toKill)

	var arr []*ExecutionState
	for state := range e.states {
		if (state.IsNormal() && state.IsSuspended()) || state.IsRecovery() {
			continue
		}
		arr = append(arr, state)
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].id < arr[j].id })

	for i, n := uint64(0), len(arr); n > 0 && i < toKill; i, n = i+1, n-1 {
		idx := e.rand.Intn(n)
		// Make two pulls to try and not hit a state that covered new code.
		if arr[idx].coveredNew {
			idx = e.rand.Intn(n)
		}
		arr[idx], arr[n-1] = arr[n-1], arr[idx]
		e.terminateStateEarly(arr[n-1], "Memory limit exceeded.")
	}
}

// --- searcher statistics hooks ---

func (e *Executor) instrCount(instr ssa.Instruction) uint64 {
	if instr == nil {
		return 0
	}
	return e.instrCounts[instr]
}

func (e *Executor) callPathInstrCount(frame *StackFrame) uint64 {
	if frame == nil || frame.fn == nil {
		return 0
	}
	return e.fnInstrCounts[frame.fn]
}

func (e *Executor) minDistToUncovered(instr ssa.Instruction) uint64 {
	if instr == nil || e.analysis.DistanceToUncovered == nil {
		return 0
	}
	return e.analysis.DistanceToUncovered(instr)
}

// --- layout helpers ---

func (e *Executor) Sizes() types.Sizes {
	return types.SizesFor("gc", e.config.Arch)
}

func (e *Executor) Sizeof(typ types.Type) uint {
	return uint(e.Sizes().Sizeof(typ)) * 8
}

func (e *Executor) PointerWidth() uint {
	return e.Sizeof(types.Typ[types.UnsafePointer])
}

// IsLittleEndian returns true if the target architecture is little endian.
func (e *Executor) IsLittleEndian() bool {
	switch e.config.Arch {
	case "ppc64", "mips", "mips64":
		return false
	default:
		return true
	}
}

// evalConst builds the binding for an SSA constant.
func (e *Executor) evalConst(state *ExecutionState, value *ssa.Const) Binding {
	if value.Value == nil {
		// nil pointer-like values evaluate to a zero pointer.
		return NewConstantExpr(0, e.PointerWidth())
	}

	switch value.Value.Kind() {
	case constant.Bool:
		return NewBoolConstantExpr(constant.BoolVal(value.Value))
	case constant.Int:
		v64, isExact := constant.Uint64Val(value.Value)
		assert(isExact, "inexact constant int")
		return NewConstantExpr(v64, e.Sizeof(value.Type().Underlying()))
	case constant.String:
		str := constant.StringVal(value.Value)
		array := NewArray(e.nextArrayID(), uint(len(str)))
		for i := 0; i < len(str); i++ {
			array.storeByte(NewConstantExpr64(uint64(i)), NewConstantExpr(uint64(str[i]), 8))
		}
		return array
	default:
		panic(fmt.Sprintf("ranger.Executor: unsupported constant: %s", value))
	}
}

// FunctionHandler represents special execution of an SSA function call.
//
// Once registered with the Executor, all invocations of the function
// will be delegated to the handler.
type FunctionHandler func(state *ExecutionState, instr *ssa.Call) error

// funcKey represents a key for registering a FunctionHandler.
type funcKey struct {
	path string // package path
	name string // function name
}

// isValidOSArch returns true if the OS & architecture combination are valid.
func isValidOSArch(os, arch string) bool {
	switch fmt.Sprintf("%s/%s", os, arch) {
	case "darwin/amd64",
		"darwin/arm64",
		"freebsd/386",
		"freebsd/amd64",
		"linux/386",
		"linux/amd64",
		"linux/arm",
		"linux/arm64",
		"linux/mips",
		"linux/mips64",
		"linux/ppc64",
		"linux/ppc64le",
		"linux/riscv64",
		"linux/s390x",
		"netbsd/amd64",
		"openbsd/amd64",
		"windows/386",
		"windows/amd64":
		return true
	default:
		return false
	}
}

func structFields(typ *types.Struct) []*types.Var {
	a := make([]*types.Var, typ.NumFields())
	for i := range a {
		a[i] = typ.Field(i)
	}
	return a
}

// basicBlockIndex returns the index of v within a. Returns -1 if v is not in a.
func basicBlockIndex(a []*ssa.BasicBlock, v *ssa.BasicBlock) int {
	for i := range a {
		if a[i] == v {
			return i
		}
	}
	return -1
}

// deref returns the underlying data type if typ is a pointer. Otherwise returns typ.
func deref(typ types.Type) types.Type {
	if p, ok := typ.Underlying().(*types.Pointer); ok {
		return p.Elem()
	}
	return typ
}

// isExprType returns true if typ is stored as an Expr.
// Only applies to boolean, integer, and pointer values.
func isExprType(typ types.Type) bool {
	switch typ := typ.Underlying().(type) {
	case *types.Basic:
		return typ.Info()&(types.IsBoolean|types.IsInteger) != 0
	case *types.Pointer:
		return true
	}
	return false
}

// programTypes returns a sorted list of all program types.
func programTypes(prog *ssa.Program) []types.Type {
	m := make(map[types.Type]struct{})
	for _, pkg := range prog.AllPackages() {
		for _, member := range pkg.Members {
			m[member.Type()] = struct{}{}
			if fn, ok := member.(*ssa.Function); ok {
				addFunctionTypes(fn, m)
			}
		}
	}

	a := make([]types.Type, 0, len(m))
	for typ := range m {
		a = append(a, typ)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].String() < a[j].String() })
	return a
}

// addFunctionTypes adds all types referred to in fn to the map.
// Recursively adds anonymous functions.
func addFunctionTypes(fn *ssa.Function, m map[types.Type]struct{}) {
	for _, param := range fn.Params {
		m[param.Type()] = struct{}{}
	}
	for _, blk := range fn.Blocks {
		for _, instr := range blk.Instrs {
			if value, ok := instr.(ssa.Value); ok {
				m[value.Type()] = struct{}{}
			}
		}
	}
	for _, anon := range fn.AnonFuncs {
		addFunctionTypes(anon, m)
	}
}
