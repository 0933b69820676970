package ranger

import (
	"fmt"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// AllocationContext identifies a dynamic allocation by its allocating
// instruction and the full call trace that reached it. Two executions
// of the same allocation from a snapshot and from its recovery state
// produce the same context, which is what lets recovery rebind the
// original memory object instead of allocating a fresh one.
type AllocationContext string

// NewAllocationContext derives the context key for an allocation.
func NewAllocationContext(callTrace []ssa.Instruction, allocInst ssa.Instruction) AllocationContext {
	var sb strings.Builder
	for _, instr := range callTrace {
		fmt.Fprintf(&sb, "%p/", instr)
	}
	fmt.Fprintf(&sb, "%p", allocInst)
	return AllocationContext(sb.String())
}

// AllocationRecord maps allocation contexts to the memory object they
// produced. A nil object records an allocation that failed (over the
// allocation size limit) so re-execution fails the same way.
type AllocationRecord map[AllocationContext]*MemoryObject

// Clone returns a copy of the record.
func (r AllocationRecord) Clone() AllocationRecord {
	if r == nil {
		return nil
	}
	other := make(AllocationRecord, len(r))
	for k, v := range r {
		other[k] = v
	}
	return other
}

// Exists returns true if the context was already allocated.
func (r AllocationRecord) Exists(ctx AllocationContext) bool {
	_, ok := r[ctx]
	return ok
}

// Get returns the object recorded for the context, which may be nil.
func (r AllocationRecord) Get(ctx AllocationContext) *MemoryObject {
	return r[ctx]
}

// Add records the object allocated for the context.
func (r AllocationRecord) Add(ctx AllocationContext, mo *MemoryObject) {
	r[ctx] = mo
}
