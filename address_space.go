package ranger

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
	"golang.org/x/tools/go/ssa"
)

// MemoryObject describes an allocation. Objects are created by the
// executor's allocator and referenced by states; the same object may be
// bound in many address spaces with different contents.
type MemoryObject struct {
	ID         uint64
	Address    uint64
	Size       uint // in bytes
	IsLocal    bool
	IsGlobal   bool
	IsReadOnly bool
	AllocSite  ssa.Instruction

	// CexPreferences biases counterexample generation for this object;
	// each entry is a condition the test generator tries to satisfy.
	CexPreferences []Expr
}

// Contains returns true if addr falls inside the object.
func (mo *MemoryObject) Contains(addr uint64) bool {
	return addr >= mo.Address && addr < mo.Address+uint64(mo.Size)
}

// BaseExpr returns the object base address as a pointer-width constant.
func (mo *MemoryObject) BaseExpr(pointerWidth uint) *ConstantExpr {
	return NewConstantExpr(mo.Address, pointerWidth)
}

// ObjectState holds the byte contents of one memory object.
type ObjectState struct {
	Object *MemoryObject
	Array  *Array
}

// NewObjectState returns the initial contents for mo.
func NewObjectState(mo *MemoryObject) *ObjectState {
	array := NewArray(mo.Address, mo.Size)
	return &ObjectState{Object: mo, Array: array}
}

// Clone returns a copy sharing the underlying update chain.
func (os *ObjectState) Clone() *ObjectState {
	return &ObjectState{Object: os.Object, Array: os.Array.Clone()}
}

// Read returns a width-bit value at the byte offset within the object.
func (os *ObjectState) Read(offset Expr, width uint, isLittleEndian bool) Expr {
	return os.Array.Select(offset, width, isLittleEndian)
}

// AddressSpace maps memory objects to their per-state byte stores.
// The map itself is immutable so a cloned address space shares all
// object states until one of them is written (copy-on-write at
// ObjectState granularity).
type AddressSpace struct {
	objects *immutable.SortedMap // base address → *ObjectState
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{objects: immutable.NewSortedMap(&uint64Comparer{})}
}

// Clone returns a copy of the address space sharing all object states.
func (as *AddressSpace) Clone() *AddressSpace {
	return &AddressSpace{objects: as.objects}
}

// Bind adds an object state for mo.
func (as *AddressSpace) Bind(os *ObjectState) {
	as.objects = as.objects.Set(os.Object.Address, os)
}

// Unbind removes the binding for mo, if any.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	as.objects = as.objects.Delete(mo.Address)
}

// FindObject returns the object state bound exactly at base.
func (as *AddressSpace) FindObject(base uint64) *ObjectState {
	if value, _ := as.objects.Get(base); value != nil {
		return value.(*ObjectState)
	}
	return nil
}

// ResolveOne returns the object state containing addr.
func (as *AddressSpace) ResolveOne(addr uint64) (*ObjectState, bool) {
	// Seek to the given address or the next available address.
	itr := as.objects.Iterator()
	if itr.Seek(addr); itr.Done() {
		itr.Last()
	}

	// Move backwards until address range too low.
	for !itr.Done() {
		k, v := itr.Prev()
		os := v.(*ObjectState)
		if os.Object.Contains(addr) {
			return os, true
		} else if addr > k.(uint64)+uint64(os.Object.Size) {
			break // target address above allocation, exit
		}
	}
	return nil, false
}

// GetWriteable returns an object state for mo that is private to this
// address space. The returned state is rebound so later reads observe
// writes applied through it.
func (as *AddressSpace) GetWriteable(os *ObjectState) *ObjectState {
	clone := os.Clone()
	as.Bind(clone)
	return clone
}

// Write stores value at the byte offset within the object state,
// copy-on-write.
func (as *AddressSpace) Write(os *ObjectState, offset, value Expr, isLittleEndian bool) {
	wos := os.Clone()
	wos.Array = wos.Array.Store(offset, value, isLittleEndian)
	as.Bind(wos)
}

// WriteBytes copies the contents of src into the object containing addr.
func (as *AddressSpace) WriteBytes(addr uint64, src *Array, isLittleEndian bool) error {
	os, ok := as.ResolveOne(addr)
	if !ok {
		return fmt.Errorf("ranger.AddressSpace: allocation not found: addr=%d", addr)
	}

	wos := os.Clone()
	array := wos.Array.Clone()
	offset := addr - os.Object.Address
	for i := uint64(0); i < uint64(src.Size); i++ {
		array.storeByte(NewConstantExpr64(offset+i), src.selectByte(NewConstantExpr64(i)))
	}
	wos.Array = array
	as.Bind(wos)
	return nil
}

// Len returns the number of bound objects.
func (as *AddressSpace) Len() int {
	return as.objects.Len()
}

// Iterate calls fn for each bound object state in address order.
// Iteration stops if fn returns false.
func (as *AddressSpace) Iterate(fn func(os *ObjectState) bool) {
	itr := as.objects.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return
		}
		if !fn(v.(*ObjectState)) {
			return
		}
	}
}

// Dump returns the contents of the address space as a string.
func (as *AddressSpace) Dump() string {
	var buf bytes.Buffer
	as.Iterate(func(os *ObjectState) bool {
		fmt.Fprintf(&buf, "%08d %s\n", os.Object.Address, os.Array.String())
		for upd := os.Array.Updates; upd != nil; upd = upd.Next {
			fmt.Fprintf(&buf, "  + UPD: I=%s; V=%s\n", upd.Index.String(), upd.Value.String())
		}
		return true
	})
	return buf.String()
}

// Allocator hands out memory objects with deterministic addresses.
// Address determinism is what allows allocation records to rebind the
// same object during recovery re-execution.
type Allocator struct {
	nextAddr     uint64
	nextID       uint64
	pointerWidth uint
}

// NewAllocator returns an allocator starting above the nil page.
func NewAllocator(pointerWidth uint) *Allocator {
	return &Allocator{
		nextAddr:     uint64(pointerWidth),
		nextID:       1,
		pointerWidth: pointerWidth,
	}
}

// Allocate returns a fresh memory object of the given size.
func (a *Allocator) Allocate(size uint, isLocal bool, allocSite ssa.Instruction) *MemoryObject {
	mo := &MemoryObject{
		ID:        a.nextID,
		Address:   a.nextAddr,
		Size:      size,
		IsLocal:   isLocal,
		AllocSite: allocSite,
	}
	a.nextID++
	a.nextAddr += uint64(size)
	if a.nextAddr%8 != 0 {
		a.nextAddr += 8 - a.nextAddr%8
	}
	return mo
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater
// than b, and returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
