package dist

import (
	"log"

	ranger "github.com/ranger-se/ranger"
)

// Offload hysteresis thresholds on the worker's frontier size.
const (
	offloadReadyThresh    = 8
	offloadNotReadyThresh = 4
)

// Worker executes prefix tasks on behalf of the master and participates
// in load balancing.
type Worker struct {
	fabric   Fabric
	executor *ranger.Executor
	config   Config

	firstTask      bool
	readyToOffload bool
	timedOut       bool
}

// NewWorker returns a worker bound to the fabric's local rank. The
// executor's termination sink must already be installed; the worker
// chains onto it to report bugs.
func NewWorker(fabric Fabric, executor *ranger.Executor, config Config) *Worker {
	w := &Worker{
		fabric:    fabric,
		executor:  executor,
		config:    config,
		firstTask: true,
	}

	// Workers never enforce the exploration bound; they prune beyond it.
	executor.SetMaxDepth(config.ExplorationBound)
	executor.StepHook = w.stepHook

	sink := executor.OnStateTerminated
	executor.OnStateTerminated = func(state *ranger.ExecutionState, reason ranger.TerminateReason, message string) {
		if sink != nil {
			sink(state, reason, message)
		}
		if reason.IsError() {
			w.fabric.Send(0, TagBugFound, "")
		}
	}
	return w
}

// Run processes prefix tasks until the master kills the worker. The
// worker is idle until its first task arrives.
func (w *Worker) Run() error {
	for {
		msg, ok := w.fabric.Recv()
		if !ok {
			break
		}
		switch msg.Tag {
		case TagKill:
			w.executor.HaltFromMaster()
		case TagTimeout:
			w.timedOut = true
			w.executor.HaltFromMaster()
		case TagStartPrefixTask:
			w.startPrefixTask(msg.Payload)
		}
		if w.executor.Halted() {
			break
		}

		if err := w.executor.Run(); err != nil {
			return err
		}
		if w.executor.Halted() {
			break
		}

		// Frontier exhausted; ask the master for more work.
		log.Printf("[worker %d] finished frontier", w.fabric.Rank())
		w.fabric.Send(0, TagFinish, "")
	}

	w.executor.DumpRemainingStates()
	return nil
}

// startPrefixTask decodes a composite prefix and attaches its parts to
// the states that will explore them. The first task guides the root
// state; later tasks resume ranging-suspended states located through
// the prefix tree.
func (w *Worker) startPrefixTask(composite string) {
	prefixes := DecodeCompositePrefix(composite)
	log.Printf("[worker %d] prefix task with %d prefixes", w.fabric.Rank(), len(prefixes))

	if w.firstTask {
		w.firstTask = false
		root := w.executor.RootState()
		for _, prefix := range prefixes {
			root.AddPrefix(prefix)
		}
		return
	}

	// One suspended state may adopt several prefixes from one dispatch.
	var resumed []*ranger.ExecutionState
	seen := make(map[*ranger.ExecutionState]bool)
	for _, prefix := range prefixes {
		state, err := w.executor.ResumeRangedState(prefix)
		if err != nil {
			log.Printf("[worker %d] %v", w.fabric.Rank(), err)
			continue
		}
		if !seen[state] {
			seen[state] = true
			resumed = append(resumed, state)
		}
	}
	w.executor.ActivateResumedStates(resumed)
}

// stepHook runs after every scheduling step: a non-blocking probe for
// control messages plus the offload hysteresis signal.
func (w *Worker) stepHook(e *ranger.Executor) {
	if msg, ok := w.fabric.Probe(); ok {
		switch msg.Tag {
		case TagKill:
			e.HaltFromMaster()
			return
		case TagTimeout:
			w.timedOut = true
			e.HaltFromMaster()
			return
		case TagOffload:
			w.handleOffload(e)
		}
	}

	if !w.config.EnableLoadBalancing {
		return
	}
	size := e.Searcher.Size()
	if w.readyToOffload && size < offloadNotReadyThresh {
		w.fabric.Send(0, TagNotReadyToOffload, "")
		w.readyToOffload = false
	} else if !w.readyToOffload && size >= offloadReadyThresh {
		w.fabric.Send(0, TagReadyToOffload, "")
		w.readyToOffload = true
	}
}

// handleOffload surrenders part of the frontier to the master.
func (w *Worker) handleOffload(e *ranger.Executor) {
	states := e.OffloadStates()
	if len(states) == 0 {
		w.fabric.Send(0, TagOffloadResp, OffloadFailed)
		return
	}

	histories := make([]string, 0, len(states))
	for _, state := range states {
		histories = append(histories, state.BranchHist())
	}
	composite := EncodeCompositePrefix(histories)
	log.Printf("[worker %d] offloading %d states", w.fabric.Rank(), len(states))
	w.fabric.Send(0, TagOffloadResp, composite)
}
