package ranger

import (
	"fmt"

	"go/types"

	"golang.org/x/tools/go/ssa"
)

// pkgPath is the import path programs use to reach the symbolic API.
const pkgPath = "github.com/ranger-se/ranger"

// registerDefaults installs the built-in function handlers.
func registerDefaults(e *Executor) {
	e.Register(pkgPath, "Assert", execAssert)
	e.Register(pkgPath, "Byte", execInt)
	e.Register(pkgPath, "Int", execInt)
	e.Register(pkgPath, "Int8", execInt)
	e.Register(pkgPath, "Int16", execInt)
	e.Register(pkgPath, "Int32", execInt)
	e.Register(pkgPath, "Int64", execInt)
	e.Register(pkgPath, "Uint", execInt)
	e.Register(pkgPath, "Uint8", execInt)
	e.Register(pkgPath, "Uint16", execInt)
	e.Register(pkgPath, "Uint32", execInt)
	e.Register(pkgPath, "Uint64", execInt)
	e.Register(pkgPath, "ByteSlice", execByteSlice)
	e.Register(pkgPath, "String", execString)
	e.Register(pkgPath, "Exit", execExit)
	e.Register(pkgPath, "Abort", execAbort)
	e.Register("", "len", execLen)
	e.Register("", "cap", execCap)
	e.Register("os", "Exit", execExit)
}

// Assert checks a condition on the current execution state. Infeasible
// assertions terminate the path with an assertion error.
func Assert(cond bool) {}

func execAssert(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}

	cond, ok := args[0].(Expr)
	if !ok {
		return fmt.Errorf("ranger.Assert(): unable to assert non-expression: %T", args[0])
	}

	pair, err := e.fork(state, cond, true)
	if err != nil {
		return nil
	}
	if pair.Second != nil {
		e.terminateStateOnError(pair.Second, "assertion failed", Assert)
	}
	return nil
}

// Byte returns a symbolic byte.
func Byte() byte { return 0 }

// Int returns a symbolic signed integer with the engine's integer width.
func Int() int { return 0 }

// Int8 returns a symbolic 8-bit signed integer.
func Int8() int8 { return 0 }

// Int16 returns a symbolic 16-bit signed integer.
func Int16() int16 { return 0 }

// Int32 returns a symbolic 32-bit signed integer.
func Int32() int32 { return 0 }

// Int64 returns a symbolic 64-bit signed integer.
func Int64() int64 { return 0 }

func Uint() uint     { return 0 }
func Uint8() uint8   { return 0 }
func Uint16() uint16 { return 0 }
func Uint32() uint32 { return 0 }
func Uint64() uint64 { return 0 }

// execInt handles all int & uint symbolic input functions.
func execInt(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	width := e.Sizeof(instr.Type())
	array := NewNamedArray(e.nextArrayID(), instr.Name(), width/8)
	state.AddSymbolic(array)
	state.Frame().bind(instr, array.Select(NewConstantExpr(0, 32), width, e.IsLittleEndian()))
	return nil
}

// String returns a symbolic string that is n bytes long.
func String(n int) string { return "" }

func execString(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}

	n, ok := args[0].(*ConstantExpr)
	if !ok {
		return fmt.Errorf("ranger.String(): only constant size allowed")
	}

	array := NewNamedArray(e.nextArrayID(), instr.Name(), uint(n.Value))
	state.AddSymbolic(array)
	state.Frame().bind(instr, array)
	return nil
}

// ByteSlice returns a symbolic byte slice that is n bytes long.
func ByteSlice(n int) []byte { return nil }

func execByteSlice(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}

	n, ok := args[0].(*ConstantExpr)
	if !ok {
		return fmt.Errorf("ranger.ByteSlice(): only constant size allowed")
	}

	// The backing object keeps its bytes symbolic.
	mo := e.allocator.Allocate(uint(n.Value), false, instr)
	os := NewObjectState(mo)
	os.Array.Name = instr.Name()
	state.addressSpace.Bind(os)
	state.AddSymbolic(os.Array)

	length := NewConstantExpr(n.Value, e.PointerWidth())
	hdr := e.makeSliceHeader(state, mo.BaseExpr(e.PointerWidth()), length, length)
	state.Frame().bind(instr, hdr)
	return nil
}

// Exit terminates the current path with a clean exit.
func Exit(code int) {}

func execExit(state *ExecutionState, instr *ssa.Call) error {
	state.Executor().terminateStateOnExit(state)
	return nil
}

// Abort terminates the current path with an abort error.
func Abort() {}

func execAbort(state *ExecutionState, instr *ssa.Call) error {
	state.Executor().terminateStateOnError(state, "abort", Abort)
	return nil
}

// execLen handles the builtin len() function.
func execLen(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	arg, ok := args[0].(*Array)
	if !ok {
		return fmt.Errorf("ranger: invalid len() arg: %T", args[0])
	}

	switch typ := instr.Call.Args[0].Type().Underlying().(type) {
	case *types.Slice:
		v, ok := state.selectIntAt(arg, 1).(*ConstantExpr)
		if !ok {
			return fmt.Errorf("ranger: len() expects constant slice len")
		}
		state.Frame().bind(instr, NewCastExpr(v, e.Sizeof(instr.Type()), false))
		return nil
	case *types.Basic:
		state.Frame().bind(instr, NewConstantExpr(uint64(arg.Size), e.Sizeof(instr.Type())))
		return nil
	default:
		return fmt.Errorf("ranger: invalid len() arg type: %s", typ)
	}
}

// execCap handles the builtin cap() function.
func execCap(state *ExecutionState, instr *ssa.Call) error {
	e := state.Executor()
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	arg, ok := args[0].(*Array)
	if !ok {
		return fmt.Errorf("ranger: invalid cap() arg: %T", args[0])
	}

	v, ok := state.selectIntAt(arg, 2).(*ConstantExpr)
	if !ok {
		return fmt.Errorf("ranger: cap() expects constant slice cap")
	}
	state.Frame().bind(instr, NewCastExpr(v, e.Sizeof(instr.Type()), false))
	return nil
}
