package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	ranger "github.com/ranger-se/ranger"
	"github.com/ranger-se/ranger/dist"
	"github.com/ranger-se/ranger/ktest"
	"github.com/ranger-se/ranger/z3"
)

// errBugsFound is returned when error test cases were emitted.
var errBugsFound = errors.New("ranger: errors found")

// engineFlags is the option surface shared by run, master, and worker.
type engineFlags struct {
	fn               string
	outDir           string
	verbose          bool
	emitKTest        bool
	search           string
	recoverySearch   string
	splitSearch      bool
	splitRatio       int
	maxForks         uint64
	maxDepth         int
	maxMemory        uint64
	maxMemoryInhibit bool
	stopAfterNInstrs uint64
	seedTime         time.Duration
	solverTimeout    time.Duration
	allowExternalSym bool
	emitAllErrors    bool
	onlyCoveringNew  bool
	useSlicer        bool
	lazySlicing      bool
	skipFunctions    string
	errorLocations   string
	seed             int64
}

func (f *engineFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.fn, "fn", "main", "entry function name")
	fs.StringVar(&f.outDir, "o", "ranger-out", "output directory")
	fs.BoolVar(&f.verbose, "v", false, "verbose")
	fs.BoolVar(&f.emitKTest, "emit-ktest", false, "also write binary .ktest files")
	fs.StringVar(&f.search, "search", "dfs", "search strategy: dfs,bfs,random-state,random-path,nurs:covnew,nurs:md2u,nurs:depth,nurs:icnt,nurs:cpicnt,nurs:qc")
	fs.StringVar(&f.recoverySearch, "recovery-search", "dfs", "search strategy for recovery states")
	fs.BoolVar(&f.splitSearch, "split-search", false, "route recovery states to a secondary searcher")
	fs.IntVar(&f.splitRatio, "split-ratio", 50, "percentage of selections taken from the recovery searcher")
	fs.Uint64Var(&f.maxForks, "max-forks", 0, "maximum number of forks (0 = unlimited)")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "maximum symbolic depth (0 = unlimited)")
	fs.Uint64Var(&f.maxMemory, "max-memory", 0, "soft memory cap in MB (0 = unlimited)")
	fs.BoolVar(&f.maxMemoryInhibit, "max-memory-inhibit", true, "inhibit forking under memory pressure")
	fs.Uint64Var(&f.stopAfterNInstrs, "stop-after-n-instructions", 0, "halt after N instructions (0 = unlimited)")
	fs.DurationVar(&f.seedTime, "seed-time", 0, "seeded exploration time budget (stored in the config; not used by the engine)")
	fs.DurationVar(&f.solverTimeout, "solver-timeout", 0, "per-query solver timeout")
	fs.BoolVar(&f.allowExternalSym, "allow-external-sym-calls", false, "external calls return unconstrained values")
	fs.BoolVar(&f.emitAllErrors, "emit-all-errors", false, "disable per-(instruction,message) error deduplication")
	fs.BoolVar(&f.onlyCoveringNew, "only-output-states-covering-new", false, "emit tests only for states covering new code")
	fs.BoolVar(&f.useSlicer, "use-slicer", false, "inject sliced callees into recovery states")
	fs.BoolVar(&f.lazySlicing, "lazy-slicing", true, "generate slices on demand")
	fs.StringVar(&f.skipFunctions, "skip-functions", "", "comma-separated callees to skip, each name[:line[:line]]")
	fs.StringVar(&f.errorLocations, "error-locations", "", "comma-separated file:line locations that stop the run once all are hit")
	fs.Int64Var(&f.seed, "seed", 1, "RNG seed")
}

func (f *engineFlags) config() ranger.Config {
	return ranger.Config{
		MaxForks:                    f.maxForks,
		MaxDepth:                    f.maxDepth,
		MaxMemory:                   f.maxMemory,
		MaxMemoryInhibit:            f.maxMemoryInhibit,
		StopAfterNInstructions:      f.stopAfterNInstrs,
		SeedTime:                    f.seedTime,
		SolverTimeout:               f.solverTimeout,
		AllowExternalSymCalls:       f.allowExternalSym,
		EmitAllErrors:               f.emitAllErrors,
		OnlyOutputStatesCoveringNew: f.onlyCoveringNew,
		UseSlicer:                   f.useSlicer,
		LazySlicing:                 f.lazySlicing,
		SplitSearch:                 f.splitSearch,
		SplitRatio:                  f.splitRatio,
		ErrorLocations:              parseErrorLocations(f.errorLocations),
		Seed:                        f.seed,
	}
}

// analysis builds the static annotations from the flag surface.
// Without an external analysis pass, skipped callees are treated as
// all-modifying: every call site produces a snapshot. No may-blocking
// load set is supplied, so no load is treated as may-blocking.
func (f *engineFlags) analysis() ranger.Analysis {
	return ranger.Analysis{
		SkipFunctions:  parseSkipFunctions(f.skipFunctions),
		HasSideEffects: func(fn *ssa.Function) bool { return true },
	}
}

// RunCommand explores a function on a single node.
type RunCommand struct {
	flags engineFlags
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{}
}

// Run executes the "run" subcommand.
func (cmd *RunCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ranger-run", flag.ContinueOnError)
	cmd.flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("package required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many packages specified")
	}

	log.SetFlags(0)
	if !cmd.flags.verbose {
		log.SetOutput(ioutil.Discard)
	}

	e, cleanup, err := buildExecutor(fs.Arg(0), &cmd.flags)
	if err != nil {
		return err
	}
	defer cleanup()

	writer, err := ktest.NewWriter(cmd.flags.outDir)
	if err != nil {
		return err
	}
	defer writer.Close()
	writer.EmitBinary = cmd.flags.emitKTest

	bugs := installTestSink(e, writer)

	if err := e.Run(); err != nil {
		return err
	}
	e.DumpRemainingStates()
	writer.LogInstructions(e.Stats().Instructions)

	if *bugs > 0 {
		return errBugsFound
	}
	return nil
}

// MasterCommand coordinates a distributed run from rank 0.
type MasterCommand struct {
	flags   engineFlags
	listen  string
	workers int
	bound   int
	lb      bool
	wall    time.Duration
}

// NewMasterCommand returns a new instance of MasterCommand.
func NewMasterCommand() *MasterCommand {
	return &MasterCommand{}
}

// Run executes the "master" subcommand.
func (cmd *MasterCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ranger-master", flag.ContinueOnError)
	cmd.flags.register(fs)
	fs.StringVar(&cmd.listen, "listen", ":7345", "address to accept workers on")
	fs.IntVar(&cmd.workers, "workers", 2, "number of workers")
	fs.IntVar(&cmd.bound, "branch-level-halt", 64, "phase-1 frontier bound")
	fs.BoolVar(&cmd.lb, "load-balance", true, "enable work offloading")
	fs.DurationVar(&cmd.wall, "wall-clock", 0, "global wall clock (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 1 {
		return fmt.Errorf("package required")
	}

	log.SetFlags(0)
	if !cmd.flags.verbose {
		log.SetOutput(ioutil.Discard)
	}

	e, cleanup, err := buildExecutor(fs.Arg(0), &cmd.flags)
	if err != nil {
		return err
	}
	defer cleanup()

	writer, err := ktest.NewWriter(cmd.flags.outDir)
	if err != nil {
		return err
	}
	defer writer.Close()
	writer.EmitBinary = cmd.flags.emitKTest
	bugs := installTestSink(e, writer)

	fabric, err := dist.ListenTCP(cmd.listen, cmd.workers+1)
	if err != nil {
		return err
	}
	defer fabric.Close()

	master := dist.NewMaster(fabric, e, dist.Config{
		ExplorationBound:    cmd.bound,
		EnableLoadBalancing: cmd.lb,
		WallClock:           cmd.wall,
	})
	errorCount, err := master.Run()
	if err != nil {
		return err
	}
	if errorCount > 0 || *bugs > 0 {
		return errBugsFound
	}
	return nil
}

// WorkerCommand joins a distributed run.
type WorkerCommand struct {
	flags   engineFlags
	connect string
	rank    int
	workers int
	bound   int
	lb      bool
}

// NewWorkerCommand returns a new instance of WorkerCommand.
func NewWorkerCommand() *WorkerCommand {
	return &WorkerCommand{}
}

// Run executes the "worker" subcommand.
func (cmd *WorkerCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ranger-worker", flag.ContinueOnError)
	cmd.flags.register(fs)
	fs.StringVar(&cmd.connect, "connect", "localhost:7345", "master address")
	fs.IntVar(&cmd.rank, "rank", 1, "worker rank (1..workers)")
	fs.IntVar(&cmd.workers, "workers", 2, "number of workers")
	fs.IntVar(&cmd.bound, "branch-level-halt", 64, "exploration bound (prune depth)")
	fs.BoolVar(&cmd.lb, "load-balance", true, "enable work offloading")
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 1 {
		return fmt.Errorf("package required")
	}

	log.SetFlags(0)
	if !cmd.flags.verbose {
		log.SetOutput(ioutil.Discard)
	}

	e, cleanup, err := buildExecutor(fs.Arg(0), &cmd.flags)
	if err != nil {
		return err
	}
	defer cleanup()

	writer, err := ktest.NewWriter(fmt.Sprintf("%s-%d", cmd.flags.outDir, cmd.rank))
	if err != nil {
		return err
	}
	defer writer.Close()
	writer.EmitBinary = cmd.flags.emitKTest
	bugs := installTestSink(e, writer)

	fabric, err := dist.DialTCP(cmd.connect, cmd.rank, cmd.workers+1)
	if err != nil {
		return err
	}
	defer fabric.Close()

	worker := dist.NewWorker(fabric, e, dist.Config{
		ExplorationBound:    cmd.bound,
		EnableLoadBalancing: cmd.lb,
	})
	if err := worker.Run(); err != nil {
		return err
	}
	writer.LogInstructions(e.Stats().Instructions)

	if *bugs > 0 {
		return errBugsFound
	}
	return nil
}

// buildExecutor loads the target package, builds SSA, and wires the
// engine with a Z3 solver.
func buildExecutor(pkgPath string, flags *engineFlags) (*ranger.Executor, func(), error) {
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, pkgPath)
	if err != nil {
		return nil, nil, err
	} else if packages.PrintErrors(initial) > 0 {
		return nil, nil, fmt.Errorf("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, nil, fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
		pkg.SetDebugMode(true)
	}
	prog.Build()

	var fn *ssa.Function
	for _, pkg := range pkgs {
		if member, ok := pkg.Members[flags.fn].(*ssa.Function); ok {
			fn = member
			break
		}
	}
	if fn == nil {
		return nil, nil, fmt.Errorf("entry function not found: %s", flags.fn)
	}

	solver := z3.NewSolver()
	solver.Timeout = flags.solverTimeout

	e := ranger.NewExecutor(fn, flags.config(), flags.analysis())
	e.Solver = ranger.NewSolverFacade(solver)
	e.Solver.Timeout = flags.solverTimeout
	e.Searcher = buildSearcher(e, flags)

	return e, func() { solver.Close() }, nil
}

// buildSearcher maps the --search surface onto searcher constructors.
func buildSearcher(e *ranger.Executor, flags *engineFlags) ranger.Searcher {
	base := coreSearcher(e, flags.search)
	if !flags.splitSearch {
		return base
	}
	recovery := coreSearcher(e, flags.recoverySearch)
	highPriority := ranger.NewDFSSearcher()
	return ranger.NewOptimizedSplittedSearcher(base, recovery, highPriority, flags.splitRatio, e.Rand())
}

func coreSearcher(e *ranger.Executor, mode string) ranger.Searcher {
	switch mode {
	case "bfs":
		return ranger.NewBFSSearcher()
	case "random-state":
		return ranger.NewRandomSearcher(e.Rand())
	case "random-path":
		return ranger.NewRandomPathSearcher(e, e.Rand())
	case "nurs:covnew":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightCoveringNew, e.Rand())
	case "nurs:md2u":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightMinDistToUncovered, e.Rand())
	case "nurs:depth":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightDepth, e.Rand())
	case "nurs:icnt":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightInstCount, e.Rand())
	case "nurs:cpicnt":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightCPInstCount, e.Rand())
	case "nurs:qc":
		return ranger.NewWeightedRandomSearcher(e, ranger.WeightQueryCost, e.Rand())
	default:
		return ranger.NewDFSSearcher()
	}
}

// installTestSink routes terminated states into the test writer.
// Returns a counter of error tests.
func installTestSink(e *ranger.Executor, writer *ktest.Writer) *int {
	bugs := new(int)
	e.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		test := solveTest(e, state)

		var suffix string
		switch {
		case reason == ranger.Early:
			suffix = "early"
		case reason.IsError():
			suffix = ktest.ErrSuffix(reason.String())
			*bugs++
		}

		if _, err := writer.WriteTest(test, suffix, state.BranchHist(), message); err != nil {
			fmt.Fprintf(os.Stderr, "ranger: cannot write test case: %v\n", err)
		}
	}
	return bugs
}

// solveTest computes concrete bytes for the state's symbolic inputs.
func solveTest(e *ranger.Executor, state *ranger.ExecutionState) *ktest.Test {
	test := &ktest.Test{}

	symbolics := state.Symbolics()
	satisfiable, values, err := e.Solver.Solve(state.Constraints(), symbolics)
	if err != nil || !satisfiable {
		// Emit zero-filled objects so the path is still recorded.
		for _, array := range symbolics {
			test.Objects = append(test.Objects, ktest.Object{Name: array.Name, Bytes: make([]byte, array.Size)})
		}
		return test
	}
	for i, array := range symbolics {
		test.Objects = append(test.Objects, ktest.Object{Name: array.Name, Bytes: values[i]})
	}
	return test
}

// parseSkipFunctions parses "fn1,fn2:10,fn3:10:20" into options.
func parseSkipFunctions(s string) []ranger.SkippedFunction {
	if s == "" {
		return nil
	}
	var a []ranger.SkippedFunction
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(part, ":")
		option := ranger.SkippedFunction{Name: fields[0]}
		for _, field := range fields[1:] {
			if line, err := strconv.Atoi(field); err == nil {
				option.Lines = append(option.Lines, line)
			}
		}
		a = append(a, option)
	}
	return a
}

// parseErrorLocations parses "file.go:42,other.go:7" into the
// error-location table.
func parseErrorLocations(s string) map[string][]int {
	if s == "" {
		return nil
	}
	m := make(map[string][]int)
	for _, part := range strings.Split(s, ",") {
		i := strings.LastIndex(part, ":")
		if i < 0 {
			continue
		}
		line, err := strconv.Atoi(part[i+1:])
		if err != nil {
			continue
		}
		m[part[:i]] = append(m[part[:i]], line)
	}
	return m
}
