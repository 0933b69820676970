package ranger

import (
	"fmt"
	"sort"
	"strings"
)

// Expr represents a symbolic bitvector expression.
type Expr interface {
	expr()
	binding()
	String() string
}

func (*BinaryExpr) expr()   {}
func (*CastExpr) expr()     {}
func (*ConcatExpr) expr()   {}
func (*ConstantExpr) expr() {}
func (*ExtractExpr) expr()  {}
func (*NotExpr) expr()      {}
func (*SelectExpr) expr()   {}

// ExprWidth returns the bit width of expr.
func ExprWidth(expr Expr) uint {
	switch expr := expr.(type) {
	case *BinaryExpr:
		if expr.Op.IsCompare() {
			return WidthBool
		}
		return ExprWidth(expr.LHS)
	case *CastExpr:
		return expr.Width
	case *ConcatExpr:
		return ExprWidth(expr.MSB) + ExprWidth(expr.LSB)
	case *ConstantExpr:
		return expr.Width
	case *ExtractExpr:
		return expr.Width
	case *NotExpr:
		return ExprWidth(expr.Expr)
	case *SelectExpr:
		return Width8
	default:
		panic(fmt.Sprintf("unexpected expr type: %T", expr))
	}
}

// BinaryOp represents a binary expression operator.
type BinaryOp int

const (
	ADD BinaryOp = iota
	SUB
	MUL
	UDIV
	SDIV
	UREM
	SREM
	AND
	OR
	XOR
	SHL
	LSHR
	ASHR
	EQ
	NE
	ULT
	ULE
	UGT
	UGE
	SLT
	SLE
	SGT
	SGE
)

var binaryOps = [...]string{
	ADD:  "add",
	SUB:  "sub",
	MUL:  "mul",
	UDIV: "udiv",
	SDIV: "sdiv",
	UREM: "urem",
	SREM: "srem",
	AND:  "and",
	OR:   "or",
	XOR:  "xor",
	SHL:  "shl",
	LSHR: "lshr",
	ASHR: "ashr",
	EQ:   "eq",
	NE:   "ne",
	ULT:  "ult",
	ULE:  "ule",
	UGT:  "ugt",
	UGE:  "uge",
	SLT:  "slt",
	SLE:  "sle",
	SGT:  "sgt",
	SGE:  "sge",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOps) {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp(%d)", int(op))
}

// IsCompare returns true if op produces a boolean result.
func (op BinaryOp) IsCompare() bool {
	return op >= EQ
}

// BinaryExpr represents an operation on two expressions.
type BinaryExpr struct {
	Op       BinaryOp
	LHS, RHS Expr
}

// NewBinaryExpr returns an expression for (op lhs rhs).
// Constant operands are folded; NE/UGT/UGE/SGT/SGE comparisons are
// normalized through their dual operators.
func NewBinaryExpr(op BinaryOp, lhs, rhs Expr) Expr {
	if l, ok := lhs.(*ConstantExpr); ok {
		if r, ok := rhs.(*ConstantExpr); ok {
			return foldConstantBinaryExpr(op, l, r)
		}
	}

	switch op {
	case NE:
		return NewNotExpr(NewBinaryExpr(EQ, lhs, rhs))
	case UGT:
		return NewBinaryExpr(ULT, rhs, lhs)
	case UGE:
		return NewBinaryExpr(ULE, rhs, lhs)
	case SGT:
		return NewBinaryExpr(SLT, rhs, lhs)
	case SGE:
		return NewBinaryExpr(SLE, rhs, lhs)
	}

	// Canonicalize constants to the left side of commutative operators.
	switch op {
	case ADD, MUL, AND, OR, XOR, EQ:
		if _, ok := rhs.(*ConstantExpr); ok {
			lhs, rhs = rhs, lhs
		}
	}
	return &BinaryExpr{Op: op, LHS: lhs, RHS: rhs}
}

func foldConstantBinaryExpr(op BinaryOp, l, r *ConstantExpr) Expr {
	switch op {
	case ADD:
		return l.Add(r)
	case SUB:
		return l.Sub(r)
	case MUL:
		return l.Mul(r)
	case UDIV:
		return l.UDiv(r)
	case SDIV:
		return l.SDiv(r)
	case UREM:
		return l.URem(r)
	case SREM:
		return l.SRem(r)
	case AND:
		return l.And(r)
	case OR:
		return l.Or(r)
	case XOR:
		return l.Xor(r)
	case SHL:
		return l.Shl(r)
	case LSHR:
		return l.LShr(r)
	case ASHR:
		return l.AShr(r)
	case EQ:
		return l.Eq(r)
	case NE:
		return NewBoolConstantExpr(l.Value != r.Value)
	case ULT:
		return l.Ult(r)
	case ULE:
		return l.Ule(r)
	case UGT:
		return l.Ugt(r)
	case UGE:
		return l.Uge(r)
	case SLT:
		return l.Slt(r)
	case SLE:
		return l.Sle(r)
	case SGT:
		return l.Sgt(r)
	case SGE:
		return l.Sge(r)
	default:
		panic(fmt.Sprintf("unexpected binary op: %d", op))
	}
}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Op, e.LHS.String(), e.RHS.String())
}

func newAddExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(ADD, lhs, rhs) }
func newSubExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(SUB, lhs, rhs) }
func newMulExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(MUL, lhs, rhs) }
func newAndExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(AND, lhs, rhs) }
func newOrExpr(lhs, rhs Expr) Expr  { return NewBinaryExpr(OR, lhs, rhs) }
func newEqExpr(lhs, rhs Expr) Expr  { return NewBinaryExpr(EQ, lhs, rhs) }
func newUltExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(ULT, lhs, rhs) }
func newUleExpr(lhs, rhs Expr) Expr { return NewBinaryExpr(ULE, lhs, rhs) }

// SelectExpr represents a single byte read from an array at an index.
type SelectExpr struct {
	Array *Array
	Index Expr
}

// NewSelectExpr returns a select of the byte at index in a.
// Concrete reads of concretely written bytes fold to constants.
func NewSelectExpr(a *Array, index Expr) Expr {
	if index, ok := index.(*ConstantExpr); ok {
		if value := a.lookupConstantByte(index.Value); value != nil {
			return value
		}
	}
	return &SelectExpr{Array: a, Index: index}
}

func (e *SelectExpr) String() string {
	return fmt.Sprintf("(select #%d %s)", e.Array.ID, e.Index.String())
}

// ConcatExpr represents the bit concatenation of two expressions.
type ConcatExpr struct {
	MSB, LSB Expr
}

func NewConcatExpr(msb, lsb Expr) Expr {
	if msb, ok := msb.(*ConstantExpr); ok {
		if lsb, ok := lsb.(*ConstantExpr); ok {
			return msb.Concat(lsb)
		}
	}
	return &ConcatExpr{MSB: msb, LSB: lsb}
}

func (e *ConcatExpr) String() string {
	return fmt.Sprintf("(concat %s %s)", e.MSB.String(), e.LSB.String())
}

// ExtractExpr represents a bit range extracted from a wider expression.
type ExtractExpr struct {
	Expr   Expr
	Offset uint
	Width  uint
}

func NewExtractExpr(expr Expr, offset, width uint) Expr {
	w := ExprWidth(expr)
	assert(offset+width <= w, "extract out of range: offset=%d width=%d w=%d", offset, width, w)

	if width == w {
		return expr
	}
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Extract(offset, width)
	}
	return &ExtractExpr{Expr: expr, Offset: offset, Width: width}
}

func (e *ExtractExpr) String() string {
	return fmt.Sprintf("(extract %s %d %d)", e.Expr.String(), e.Offset, e.Width)
}

// NotExpr represents the bitwise negation of an expression.
type NotExpr struct {
	Expr Expr
}

func NewNotExpr(expr Expr) Expr {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Not()
	}
	if expr, ok := expr.(*NotExpr); ok {
		return expr.Expr
	}
	return &NotExpr{Expr: expr}
}

func (e *NotExpr) String() string {
	return fmt.Sprintf("(not %s)", e.Expr.String())
}

// NewIsZeroExpr returns an expression which is true iff other is zero.
func NewIsZeroExpr(other Expr) Expr {
	if ExprWidth(other) == WidthBool {
		return NewNotExpr(other)
	}
	return NewBinaryExpr(EQ, NewConstantExpr(0, ExprWidth(other)), other)
}

// CastExpr represents a zero- or sign-extending width change.
type CastExpr struct {
	Src    Expr
	Width  uint
	Signed bool
}

func NewCastExpr(src Expr, width uint, signed bool) Expr {
	srcWidth := ExprWidth(src)
	if srcWidth == width {
		return src
	} else if srcWidth > width {
		return NewExtractExpr(src, 0, width)
	}

	if src, ok := src.(*ConstantExpr); ok {
		if signed {
			return src.SExt(width)
		}
		return src.ZExt(width)
	}
	return &CastExpr{Src: src, Width: width, Signed: signed}
}

func newZExtExpr(src Expr, w uint) Expr { return NewCastExpr(src, w, false) }
func newSExtExpr(src Expr, w uint) Expr { return NewCastExpr(src, w, true) }

func (e *CastExpr) String() string {
	if e.Signed {
		return fmt.Sprintf("(sext %s %d)", e.Src.String(), e.Width)
	}
	return fmt.Sprintf("(zext %s %d)", e.Src.String(), e.Width)
}

// ConstantExpr represents a concrete bitvector value.
type ConstantExpr struct {
	Value uint64
	Width uint
}

func NewConstantExpr(value uint64, width uint) *ConstantExpr {
	return &ConstantExpr{Value: value & bitmask(width), Width: width}
}

func NewConstantExpr8(value uint64) *ConstantExpr  { return NewConstantExpr(value, Width8) }
func NewConstantExpr16(value uint64) *ConstantExpr { return NewConstantExpr(value, Width16) }
func NewConstantExpr32(value uint64) *ConstantExpr { return NewConstantExpr(value, Width32) }
func NewConstantExpr64(value uint64) *ConstantExpr { return NewConstantExpr(value, Width64) }

func NewBoolConstantExpr(value bool) *ConstantExpr {
	if value {
		return NewConstantExpr(1, WidthBool)
	}
	return NewConstantExpr(0, WidthBool)
}

func (e *ConstantExpr) String() string {
	return fmt.Sprintf("(const %d %d)", e.Value, e.Width)
}

func (e *ConstantExpr) IsTrue() bool  { return e.Width == WidthBool && e.Value == 1 }
func (e *ConstantExpr) IsFalse() bool { return e.Width == WidthBool && e.Value == 0 }

func (e *ConstantExpr) signExtendedValue() int64 {
	v := e.Value
	if e.Width < Width64 && v&(1<<(e.Width-1)) != 0 {
		v |= ^bitmask(e.Width)
	}
	return int64(v)
}

func (e *ConstantExpr) Add(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value+o.Value, e.Width)
}

func (e *ConstantExpr) Sub(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value-o.Value, e.Width)
}

func (e *ConstantExpr) Mul(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value*o.Value, e.Width)
}

func (e *ConstantExpr) UDiv(o *ConstantExpr) *ConstantExpr {
	if o.Value == 0 {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value/o.Value, e.Width)
}

func (e *ConstantExpr) SDiv(o *ConstantExpr) *ConstantExpr {
	if o.Value == 0 {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(uint64(e.signExtendedValue()/o.signExtendedValue()), e.Width)
}

func (e *ConstantExpr) URem(o *ConstantExpr) *ConstantExpr {
	if o.Value == 0 {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value%o.Value, e.Width)
}

func (e *ConstantExpr) SRem(o *ConstantExpr) *ConstantExpr {
	if o.Value == 0 {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(uint64(e.signExtendedValue()%o.signExtendedValue()), e.Width)
}

func (e *ConstantExpr) And(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value&o.Value, e.Width)
}

func (e *ConstantExpr) Or(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value|o.Value, e.Width)
}

func (e *ConstantExpr) Xor(o *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value^o.Value, e.Width)
}

func (e *ConstantExpr) Shl(o *ConstantExpr) *ConstantExpr {
	if o.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value<<o.Value, e.Width)
}

func (e *ConstantExpr) LShr(o *ConstantExpr) *ConstantExpr {
	if o.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value>>o.Value, e.Width)
}

func (e *ConstantExpr) AShr(o *ConstantExpr) *ConstantExpr {
	if o.Value >= uint64(e.Width) {
		if e.signExtendedValue() < 0 {
			return NewConstantExpr(bitmask(e.Width), e.Width)
		}
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(uint64(e.signExtendedValue()>>o.Value), e.Width)
}

func (e *ConstantExpr) Eq(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value == o.Value)
}

func (e *ConstantExpr) Ult(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value < o.Value)
}

func (e *ConstantExpr) Ule(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value <= o.Value)
}

func (e *ConstantExpr) Ugt(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value > o.Value)
}

func (e *ConstantExpr) Uge(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value >= o.Value)
}

func (e *ConstantExpr) Slt(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.signExtendedValue() < o.signExtendedValue())
}

func (e *ConstantExpr) Sle(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.signExtendedValue() <= o.signExtendedValue())
}

func (e *ConstantExpr) Sgt(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.signExtendedValue() > o.signExtendedValue())
}

func (e *ConstantExpr) Sge(o *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.signExtendedValue() >= o.signExtendedValue())
}

func (e *ConstantExpr) ZExt(width uint) *ConstantExpr {
	return NewConstantExpr(e.Value, width)
}

func (e *ConstantExpr) SExt(width uint) *ConstantExpr {
	return NewConstantExpr(uint64(e.signExtendedValue()), width)
}

func (e *ConstantExpr) Not() *ConstantExpr {
	return NewConstantExpr(^e.Value, e.Width)
}

func (e *ConstantExpr) Extract(offset, width uint) *ConstantExpr {
	return NewConstantExpr(e.Value>>offset, width)
}

func (e *ConstantExpr) Concat(lsb *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value<<ExprWidth(lsb)|lsb.Value, e.Width+ExprWidth(lsb))
}

func bitmask(width uint) uint64 {
	if width >= Width64 {
		return ^uint64(0)
	}
	return (1 << width) - 1
}

// IsConstantTrue returns true if expr is a constant true value.
func IsConstantTrue(expr Expr) bool {
	c, ok := expr.(*ConstantExpr)
	return ok && c.IsTrue()
}

// IsConstantFalse returns true if expr is a constant false value.
func IsConstantFalse(expr Expr) bool {
	c, ok := expr.(*ConstantExpr)
	return ok && c.IsFalse()
}

// Tuple represents multiple bindings, e.g. multi-value returns.
type Tuple []Binding

func (a Tuple) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	for i, b := range a {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(b.String())
	}
	sb.WriteString(")")
	return sb.String()
}

// ExprVisitor visits each expression in a tree. If the returned visitor
// is nil then children of the expression are not walked.
type ExprVisitor interface {
	Visit(expr Expr) ExprVisitor
}

// WalkExpr performs a depth-first traversal of expr.
func WalkExpr(v ExprVisitor, expr Expr) {
	if v = v.Visit(expr); v == nil {
		return
	}
	switch expr := expr.(type) {
	case *BinaryExpr:
		WalkExpr(v, expr.LHS)
		WalkExpr(v, expr.RHS)
	case *CastExpr:
		WalkExpr(v, expr.Src)
	case *ConcatExpr:
		WalkExpr(v, expr.MSB)
		WalkExpr(v, expr.LSB)
	case *ExtractExpr:
		WalkExpr(v, expr.Expr)
	case *NotExpr:
		WalkExpr(v, expr.Expr)
	case *SelectExpr:
		WalkExpr(v, expr.Index)
		for upd := expr.Array.Updates; upd != nil; upd = upd.Next {
			WalkExpr(v, upd.Index)
			WalkExpr(v, upd.Value)
		}
	}
}

// FindArrays returns all arrays referenced in exprs, ordered by ID.
func FindArrays(exprs ...Expr) []*Array {
	v := &arrayExprVisitor{m: make(map[*Array]struct{})}
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}

	a := make([]*Array, 0, len(v.m))
	for array := range v.m {
		a = append(a, array)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].ID < a[j].ID })
	return a
}

type arrayExprVisitor struct {
	m map[*Array]struct{}
}

func (v *arrayExprVisitor) Visit(expr Expr) ExprVisitor {
	if expr, ok := expr.(*SelectExpr); ok {
		v.m[expr.Array] = struct{}{}
	}
	return v
}

// ExprEvaluator evaluates expressions to constants under a model
// produced by the solver.
type ExprEvaluator struct {
	values map[*Array][]byte
}

func NewExprEvaluator(arrays []*Array, values [][]byte) *ExprEvaluator {
	m := make(map[*Array][]byte, len(arrays))
	for i := range arrays {
		m[arrays[i]] = values[i]
	}
	return &ExprEvaluator{values: m}
}

// Evaluate reduces expr to a constant using the evaluator's model.
func (ee *ExprEvaluator) Evaluate(expr Expr) (*ConstantExpr, error) {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr, nil
	case *BinaryExpr:
		lhs, err := ee.Evaluate(expr.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := ee.Evaluate(expr.RHS)
		if err != nil {
			return nil, err
		}
		return foldConstantBinaryExpr(expr.Op, lhs, rhs).(*ConstantExpr), nil
	case *CastExpr:
		src, err := ee.Evaluate(expr.Src)
		if err != nil {
			return nil, err
		}
		if expr.Signed {
			return src.SExt(expr.Width), nil
		}
		return src.ZExt(expr.Width), nil
	case *ConcatExpr:
		msb, err := ee.Evaluate(expr.MSB)
		if err != nil {
			return nil, err
		}
		lsb, err := ee.Evaluate(expr.LSB)
		if err != nil {
			return nil, err
		}
		return msb.Concat(lsb), nil
	case *ExtractExpr:
		src, err := ee.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return src.Extract(expr.Offset, expr.Width), nil
	case *NotExpr:
		src, err := ee.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return src.Not(), nil
	case *SelectExpr:
		index, err := ee.Evaluate(expr.Index)
		if err != nil {
			return nil, err
		}
		return ee.evaluateSelect(expr.Array, index.Value)
	default:
		return nil, fmt.Errorf("ranger.ExprEvaluator: unexpected expr type: %T", expr)
	}
}

func (ee *ExprEvaluator) evaluateSelect(array *Array, index uint64) (*ConstantExpr, error) {
	for upd := array.Updates; upd != nil; upd = upd.Next {
		i, err := ee.Evaluate(upd.Index)
		if err != nil {
			return nil, err
		}
		if i.Value == index {
			return ee.Evaluate(upd.Value)
		}
	}
	if values, ok := ee.values[array]; ok && index < uint64(len(values)) {
		return NewConstantExpr8(uint64(values[index])), nil
	}
	return NewConstantExpr8(0), nil
}

func minBytes(bits uint) uint {
	return (bits + 7) / 8
}
