package dist

import (
	"log"
	"time"

	"golang.org/x/exp/slices"

	ranger "github.com/ranger-se/ranger"
)

// Config carries the coordinator options shared by master and workers.
type Config struct {
	// ExplorationBound is the number of frontier states the master
	// explores before freezing and dispatching prefixes. Workers prune
	// non-recovery states beyond this depth instead.
	ExplorationBound int

	// EnableLoadBalancing turns on the offload protocol.
	EnableLoadBalancing bool

	// WallClock bounds the whole run. Zero disables.
	WallClock time.Duration

	// MaxErrors stops the run once more than this many error tests were
	// reported.
	// Zero stops on the first error.
	MaxErrors int
}

// Master coordinates prefix dispatch and load balancing from rank 0.
type Master struct {
	fabric   Fabric
	executor *ranger.Executor
	config   Config

	worklist []string
	busy     map[int]bool
	ready    map[int]bool
	idle     []int
	errors   int
}

// NewMaster returns a master over the fabric's rank 0.
func NewMaster(fabric Fabric, executor *ranger.Executor, config Config) *Master {
	return &Master{
		fabric:   fabric,
		executor: executor,
		config:   config,
		busy:     make(map[int]bool),
		ready:    make(map[int]bool),
	}
}

// Run performs bounded phase-1 exploration, then dispatches the
// collected work list to workers until exhaustion or a bug stops the
// run. Returns the number of error reports received.
func (m *Master) Run() (int, error) {
	assertMaster(m.fabric)

	// Phase 1: explore alone until the frontier is wide enough.
	m.executor.SetBranchLevelHalt(m.config.ExplorationBound)
	if err := m.executor.Run(); err != nil {
		return m.errors, err
	}
	m.worklist = m.executor.WorkList()
	log.Printf("[master] collected %d work-list entries", len(m.worklist))

	// Initial dispatch, one prefix per worker.
	for w := 1; w < m.fabric.Size(); w++ {
		if !m.dispatch(w) {
			m.idle = append(m.idle, w)
		}
	}

	var deadline time.Time
	if m.config.WallClock > 0 {
		deadline = time.Now().Add(m.config.WallClock)
	}

	for {
		if m.done() {
			m.broadcast(TagKill)
			return m.errors, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Printf("[master] wall clock expired")
			m.broadcast(TagTimeout)
			m.broadcast(TagKill)
			return m.errors, nil
		}

		msg, ok := m.fabric.Probe()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if stop := m.handle(msg); stop {
			m.broadcast(TagKill)
			return m.errors, nil
		}
	}
}

// handle processes one worker message. Returns true to stop the run.
func (m *Master) handle(msg Message) bool {
	switch msg.Tag {
	case TagFinish:
		m.busy[msg.From] = false
		if m.dispatch(msg.From) {
			return false
		}
		if !slices.Contains(m.idle, msg.From) {
			m.idle = append(m.idle, msg.From)
		}
		m.requestOffload()
		return false

	case TagOffloadResp:
		if msg.Payload == OffloadFailed {
			log.Printf("[master] offload from %d failed", msg.From)
			return false
		}
		m.worklist = append(m.worklist, msg.Payload)
		log.Printf("[master] received offloaded work from %d", msg.From)
		m.dispatchIdle()
		return false

	case TagReadyToOffload:
		m.ready[msg.From] = true
		if len(m.idle) > 0 {
			m.requestOffload()
		}
		return false

	case TagNotReadyToOffload:
		m.ready[msg.From] = false
		return false

	case TagBugFound:
		m.errors++
		log.Printf("[master] bug reported by %d (%d total)", msg.From, m.errors)
		return m.errors > m.config.MaxErrors
	}
	return false
}

// dispatch hands the next work-list entry to worker w. Returns false if
// the work list is empty.
func (m *Master) dispatch(w int) bool {
	if len(m.worklist) == 0 {
		return false
	}
	prefix := m.worklist[0]
	m.worklist = m.worklist[1:]
	m.busy[w] = true
	m.fabric.Send(w, TagStartPrefixTask, prefix)
	log.Printf("[master] dispatched prefix task to %d", w)
	return true
}

// dispatchIdle feeds newly arrived work to idle workers.
func (m *Master) dispatchIdle() {
	kept := m.idle[:0]
	for _, w := range m.idle {
		if !m.dispatch(w) {
			kept = append(kept, w)
		}
	}
	m.idle = kept
}

// requestOffload asks one busy, offload-ready worker to surrender work
// for the idle ones.
func (m *Master) requestOffload() {
	if !m.config.EnableLoadBalancing || len(m.idle) == 0 {
		return
	}
	for w, ready := range m.ready {
		if ready && m.busy[w] {
			m.fabric.Send(w, TagOffload, "")
			m.ready[w] = false
			return
		}
	}
}

// done reports whether all work is dispatched and every worker idled.
func (m *Master) done() bool {
	if len(m.worklist) > 0 {
		return false
	}
	for w := 1; w < m.fabric.Size(); w++ {
		if m.busy[w] {
			return false
		}
	}
	return true
}

func (m *Master) broadcast(tag Tag) {
	for w := 1; w < m.fabric.Size(); w++ {
		m.fabric.Send(w, tag, "")
	}
}

func assertMaster(f Fabric) {
	if f.Rank() != 0 {
		panic("dist: master must run on rank 0")
	}
}
