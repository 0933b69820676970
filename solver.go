package ranger

import (
	"errors"
	"time"
)

// Solver represents a logical constraint solver backend.
type Solver interface {
	// Solve returns the satisfiability of the set of constraints. If the
	// formula is satisfiable, a valid value is returned for each array
	// passed in.
	Solve(constraints []Expr, arrays []*Array) (satisfiable bool, values [][]byte, err error)
}

// Validity is the result of a three-valued query.
type Validity int

const (
	ValidityUnknown Validity = iota // both branches feasible
	ValidityTrue                    // condition must be true
	ValidityFalse                   // condition must be false
)

func (v Validity) String() string {
	switch v {
	case ValidityTrue:
		return "true"
	case ValidityFalse:
		return "false"
	default:
		return "unknown"
	}
}

// SolverFacade layers the query modes the engine needs on top of a
// satisfiability backend, and accounts query time to the state that
// issued the query.
type SolverFacade struct {
	backend Solver

	// Timeout records the per-query limit. Zero means no limit. The
	// facade does not enforce it or pass it to the backend; a backend
	// with its own limit reports expiry as ErrSolverTimeout, and the
	// facade returns backend errors unchanged.
	Timeout time.Duration
}

// NewSolverFacade returns a facade over backend.
func NewSolverFacade(backend Solver) *SolverFacade {
	return &SolverFacade{backend: backend}
}

// Backend returns the wrapped solver.
func (f *SolverFacade) Backend() Solver { return f.backend }

// Solve passes a raw query through to the backend.
func (f *SolverFacade) Solve(constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	return f.backend.Solve(constraints, arrays)
}

// MayBeTrue returns true if cond can hold under the state's constraints.
func (f *SolverFacade) MayBeTrue(state *ExecutionState, cond Expr) (bool, error) {
	if cond, ok := cond.(*ConstantExpr); ok {
		return cond.IsTrue(), nil
	}

	t := time.Now()
	defer func() { state.queryCost += time.Since(t) }()

	satisfiable, _, err := f.backend.Solve(AddConstraint(state.constraints, cond), nil)
	if err != nil {
		return false, err
	}
	return satisfiable, nil
}

// MustBeTrue returns true if cond holds on every solution of the
// state's constraints.
func (f *SolverFacade) MustBeTrue(state *ExecutionState, cond Expr) (bool, error) {
	mayBeFalse, err := f.MayBeTrue(state, NewIsZeroExpr(cond))
	if err != nil {
		return false, err
	}
	return !mayBeFalse, nil
}

// MustBeFalse returns true if cond is false on every solution.
func (f *SolverFacade) MustBeFalse(state *ExecutionState, cond Expr) (bool, error) {
	return f.MustBeTrue(state, NewIsZeroExpr(cond))
}

// Evaluate determines whether cond is valid, unsatisfiable, or neither
// under the state's constraints.
func (f *SolverFacade) Evaluate(state *ExecutionState, cond Expr) (Validity, error) {
	mayBeTrue, err := f.MayBeTrue(state, cond)
	if err != nil {
		return ValidityUnknown, err
	}
	mayBeFalse, err := f.MayBeTrue(state, NewIsZeroExpr(cond))
	if err != nil {
		return ValidityUnknown, err
	}

	switch {
	case mayBeTrue && mayBeFalse:
		return ValidityUnknown, nil
	case mayBeTrue:
		return ValidityTrue, nil
	case mayBeFalse:
		return ValidityFalse, nil
	default:
		return ValidityUnknown, errors.New("ranger.SolverFacade: constraints are unsatisfiable")
	}
}

// GetValue returns one concrete value expr can take under the state's
// constraints.
func (f *SolverFacade) GetValue(state *ExecutionState, expr Expr) (*ConstantExpr, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	t := time.Now()
	defer func() { state.queryCost += time.Since(t) }()

	arrays := FindArrays(append(AddConstraint(nil, expr), state.constraints...)...)
	satisfiable, values, err := f.backend.Solve(state.constraints, arrays)
	if err != nil {
		return nil, err
	} else if !satisfiable {
		return nil, errors.New("ranger.SolverFacade: constraints are unsatisfiable")
	}
	return NewExprEvaluator(arrays, values).Evaluate(expr)
}

// GetRange returns the inclusive unsigned range of expr under the
// state's constraints via binary search.
func (f *SolverFacade) GetRange(state *ExecutionState, expr Expr) (min, max uint64, err error) {
	width := ExprWidth(expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Value, expr.Value, nil
	}

	// Smallest value v with (expr ule v) satisfiable.
	lo, hi := uint64(0), bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo)/2
		ok, err := f.MayBeTrue(state, newUleExpr(expr, NewConstantExpr(mid, width)))
		if err != nil {
			return 0, 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	min = lo

	// Largest value v with (v ule expr) satisfiable.
	lo, hi = min, bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ok, err := f.MayBeTrue(state, newUleExpr(NewConstantExpr(mid, width), expr))
		if err != nil {
			return 0, 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	max = lo

	return min, max, nil
}

// AddConstraint adds expr to a and returns the new constraint list.
// If expr is a binary AND expression then its LHS & RHS are split into
// independent constraints.
func AddConstraint(a []Expr, expr Expr) []Expr {
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND {
		a = AddConstraint(a, expr.LHS)
		return AddConstraint(a, expr.RHS)
	}
	return append(a, expr)
}

// IsTimeout reports whether err is a solver timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrSolverTimeout)
}
