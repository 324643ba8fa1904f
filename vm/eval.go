package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// runState is the evaluator's two-state machine (spec §4.4).
type runState int

const (
	running runState = iota
	halted
)

// Evaluator is the fetch-decode-dispatch loop plus everything spec §2/§3
// says it owns: the operand stack, the current activation record, the
// globals (via img), the heap and the runtime/IO bridges. Mirrors the
// teacher's VM struct (vm/vm.go) in shape — a single struct the dispatch
// loop mutates in place — generalized from registers-over-bytes to
// Values-over-a-tagged-heap.
type Evaluator struct {
	img   *Image
	heap  *Heap
	io    *ioBridge
	stack *operandStack
	frame *Frame
	dec   *decoder

	// lastCall records which call opcode most recently transferred control
	// (spec §4.3); CALL/CALLC set it, and BEGIN reads it to skip the
	// argument pop when the frame was entered by CALLC.
	lastCall byte

	state   runState
	errcode error

	allocs int  // allocation counter, bumped by the GC postAlloc hook
	trace  bool // -trace mode: print each decoded instruction
}

// NewEvaluator builds an evaluator ready to run img, reading LREAD input
// from in and writing LWRITE output to out.
func NewEvaluator(img *Image, in io.Reader, out io.Writer) *Evaluator {
	e := &Evaluator{
		img:   img,
		heap:  NewHeap(),
		stack: newOperandStack(defaultStackCapacity),
		dec:   newDecoder(img.CodeBase(), 0),
	}
	e.io = newIOBridge(bufio.NewReader(in), bufio.NewWriter(out))
	e.heap.SetGCHooks(nil, func() { e.allocs++ })

	// Bottom frame: created before execution starts, no caller (spec §3.3).
	e.frame = &Frame{}

	return e
}

// SetTrace enables/disables per-instruction trace output to stderr.
func (e *Evaluator) SetTrace(on bool) {
	e.trace = on
}

// Allocations reports how many heap objects have been allocated so far.
func (e *Evaluator) Allocations() int {
	return e.allocs
}

// Run executes until the program halts (normally or fatally) and returns
// the terminating condition: nil for a normal stop, a sentinel error
// otherwise (spec §7).
func (e *Evaluator) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e.errcode != nil {
				err = e.errcode
				return
			}
			err = errSegmentationFault
		}
	}()

	for e.state == running {
		if err := e.step(); err != nil {
			if err == errProgramFinished {
				return nil
			}
			e.errcode = err
			e.state = halted
			return err
		}
	}
	return nil
}

func (e *Evaluator) lookup(kind LocKind, index int32) *Value {
	if kind == LocGlobal {
		return e.img.GlobalSlot(index)
	}
	return e.frame.slot(kind, index)
}

// step decodes and executes exactly one instruction (spec §4.1/§4.2).
func (e *Evaluator) step() error {
	startIP := e.dec.ip
	h, l, err := e.dec.byteOp()
	if err != nil {
		return err
	}

	if e.trace {
		fmt.Fprintf(os.Stderr, "%08x: h=%d l=%d stack=%d\n", startIP, h, l, e.stack.depth())
	}

	if h == groupStop {
		e.state = halted
		return nil
	}

	switch h {
	case 0:
		return e.execBinop(l)
	case 1:
		return e.execMisc(l)
	case 2:
		return e.execLoad(LocKind(l))
	case 3:
		return e.execLoadAddr(LocKind(l))
	case 4:
		return e.execStore(LocKind(l))
	case 5:
		return e.execControl(l)
	case 6:
		return e.execPattern(l)
	case 7:
		return e.execBuiltin(l)
	default:
		return errUnknownOpcode
	}
}

// --- Group 0: BINOP ---

func (e *Evaluator) execBinop(l byte) error {
	op := int(l) - 1
	if op < OpAdd || op > OpOr {
		return errUnknownOpcode
	}

	rhsV, err := e.stack.pop()
	if err != nil {
		return err
	}
	lhsV, err := e.stack.pop()
	if err != nil {
		return err
	}
	lhs, rhs := lhsV.unboxInt(), rhsV.unboxInt()

	var result int32
	switch op {
	case OpAdd:
		result = lhs + rhs
	case OpSub:
		result = lhs - rhs
	case OpMul:
		result = lhs * rhs
	case OpDiv:
		if rhs == 0 {
			return errDivisionByZero
		}
		// Go's / truncates toward zero on signed ints, matching the
		// original interpreter's C semantics (spec §9 supplement).
		result = lhs / rhs
	case OpMod:
		if rhs == 0 {
			return errDivisionByZero
		}
		result = lhs % rhs
	case OpLt:
		result = boolToInt32(lhs < rhs)
	case OpLeq:
		result = boolToInt32(lhs <= rhs)
	case OpGt:
		result = boolToInt32(lhs > rhs)
	case OpGeq:
		result = boolToInt32(lhs >= rhs)
	case OpEq:
		result = boolToInt32(lhs == rhs)
	case OpNeq:
		result = boolToInt32(lhs != rhs)
	case OpAnd:
		result = boolToInt32(lhs != 0 && rhs != 0)
	case OpOr:
		result = boolToInt32(lhs != 0 || rhs != 0)
	}

	return e.stack.push(boxInt(result))
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// --- Group 1: misc ---

func (e *Evaluator) execMisc(l byte) error {
	switch l {
	case Misc1Const:
		v, err := e.dec.i32()
		if err != nil {
			return err
		}
		return e.stack.push(boxInt(v))

	case Misc1Str:
		s, err := e.readStr()
		if err != nil {
			return err
		}
		return e.stack.push(e.heap.MakeString(s))

	case Misc1Sexp:
		name, err := e.readStr()
		if err != nil {
			return err
		}
		n, err := e.dec.i32()
		if err != nil {
			return err
		}
		args := make([]Value, n)
		for i := int32(n) - 1; i >= 0; i-- {
			v, err := e.stack.pop()
			if err != nil {
				return err
			}
			args[i] = v
		}
		return e.stack.push(e.heap.MakeSexp(args, tagHash(name)))

	case Misc1Sta:
		return e.execSta()

	case Misc1Jmp:
		lbl, err := e.dec.i32()
		if err != nil {
			return err
		}
		e.dec.ip = int(lbl)
		return nil

	case Misc1End:
		if e.frame.caller == nil {
			e.state = halted
			return nil
		}
		e.dec.ip = e.frame.caller.returnIP
		e.frame = e.frame.caller
		return nil

	case Misc1Drop:
		_, err := e.stack.pop()
		return err

	case Misc1Dup:
		v, err := e.stack.peek()
		if err != nil {
			return err
		}
		return e.stack.push(v)

	case Misc1Elem:
		index, err := e.stack.pop()
		if err != nil {
			return err
		}
		s, err := e.stack.pop()
		if err != nil {
			return err
		}
		v, err := elem(e.heap, s, index)
		if err != nil {
			return err
		}
		return e.stack.push(v)

	default:
		return errUnknownOpcode
	}
}

// execSta implements the dual-purpose STA opcode (spec §4.2 group 1 l=4,
// resolved per SPEC_FULL.md §4 / DESIGN.md "LDA/STA contract"): pop v, i, x;
// if x is a heap reference, store into the array/sexp/string element; if x
// is unboxed, it is actually the (kind) half of an LDA-produced reference
// descriptor and i is the slot index, so perform the variable assignment.
func (e *Evaluator) execSta() error {
	v, err := e.stack.pop()
	if err != nil {
		return err
	}
	i, err := e.stack.pop()
	if err != nil {
		return err
	}
	x, err := e.stack.pop()
	if err != nil {
		return err
	}

	if x.isHeapRef() {
		result, err := sta(e.heap, v, i, x)
		if err != nil {
			return err
		}
		return e.stack.push(result)
	}

	kind := LocKind(x.unboxInt())
	slot := e.lookup(kind, i.unboxInt())
	*slot = v
	return e.stack.push(v)
}

func (e *Evaluator) readStr() (string, error) {
	off, err := e.dec.i32()
	if err != nil {
		return "", err
	}
	return e.img.StringAt(off), nil
}

// --- Groups 2/3/4: LD / LDA / ST ---

func (e *Evaluator) execLoad(kind LocKind) error {
	idx, err := e.dec.i32()
	if err != nil {
		return err
	}
	return e.stack.push(*e.lookup(kind, idx))
}

// execLoadAddr implements LDA: push the symbolic reference descriptor
// (box(kind), box(index)) described in SPEC_FULL.md §4.
func (e *Evaluator) execLoadAddr(kind LocKind) error {
	idx, err := e.dec.i32()
	if err != nil {
		return err
	}
	if err := e.stack.push(boxInt(int32(kind))); err != nil {
		return err
	}
	return e.stack.push(boxInt(idx))
}

func (e *Evaluator) execStore(kind LocKind) error {
	idx, err := e.dec.i32()
	if err != nil {
		return err
	}
	v, err := e.stack.peek()
	if err != nil {
		return err
	}
	*e.lookup(kind, idx) = v
	return nil
}

// --- Group 5: control & calls ---

func (e *Evaluator) execControl(l byte) error {
	switch l {
	case Ctrl5CJMPz:
		lbl, err := e.dec.i32()
		if err != nil {
			return err
		}
		v, err := e.stack.pop()
		if err != nil {
			return err
		}
		if v.unboxInt() == 0 {
			e.dec.ip = int(lbl)
		}
		return nil

	case Ctrl5CJMPnz:
		lbl, err := e.dec.i32()
		if err != nil {
			return err
		}
		v, err := e.stack.pop()
		if err != nil {
			return err
		}
		if v.unboxInt() != 0 {
			e.dec.ip = int(lbl)
		}
		return nil

	case Ctrl5Begin:
		return e.execBegin()

	case Ctrl5CBegin:
		return e.execCBegin()

	case Ctrl5Closure:
		return e.execClosure()

	case Ctrl5Callc:
		return e.execCallc()

	case Ctrl5Call:
		return e.execCall()

	case Ctrl5Tag:
		return e.execTag()

	case Ctrl5Array:
		n, err := e.dec.i32()
		if err != nil {
			return err
		}
		p, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(arrayPatt(e.heap, p, n))

	case Ctrl5Line:
		_, err := e.dec.i32()
		return err

	default:
		return errUnknownOpcode
	}
}

// execBegin is the ordinary-call prologue (spec §4.2 group 5 l=2): the
// bottom frame (no caller) never pops arguments, nor does a frame entered by
// CALLC (its args are already installed); every other frame pops nargs
// values, rightmost first, into args.
func (e *Evaluator) execBegin() error {
	nargs, err := e.dec.i32()
	if err != nil {
		return err
	}
	nlocals, err := e.dec.i32()
	if err != nil {
		return err
	}

	if e.frame.caller != nil && e.lastCall == Ctrl5Callc {
		e.frame.locals = make([]Value, nlocals)
		return nil
	}

	e.frame.args = make([]Value, nargs)
	if e.frame.caller != nil {
		for i := nargs - 1; i >= 0; i-- {
			v, err := e.stack.pop()
			if err != nil {
				return err
			}
			e.frame.args[i] = v
		}
	}
	e.frame.locals = make([]Value, nlocals)
	return nil
}

// execCBegin is the closure-call prologue (spec §4.2 group 5 l=3): CALLC
// already installed args and captured on this frame, so only locals are
// allocated here.
func (e *Evaluator) execCBegin() error {
	if _, err := e.dec.i32(); err != nil { // nargs, already satisfied by CALLC
		return err
	}
	nlocals, err := e.dec.i32()
	if err != nil {
		return err
	}
	e.frame.locals = make([]Value, nlocals)
	return nil
}

// execClosure implements CLOSURE addr nargs (kind,k)×nargs: resolve each
// captured slot against the current frame/globals, then allocate the
// closure object.
func (e *Evaluator) execClosure() error {
	addr, err := e.dec.i32()
	if err != nil {
		return err
	}
	nargs, err := e.dec.i32()
	if err != nil {
		return err
	}

	captured := make([]Value, nargs)
	for i := int32(0); i < nargs; i++ {
		kindByte, err := e.dec.byteArg()
		if err != nil {
			return err
		}
		idx, err := e.dec.i32()
		if err != nil {
			return err
		}
		captured[i] = *e.lookup(LocKind(kindByte), idx)
	}

	return e.stack.push(e.heap.MakeClosure(addr, captured))
}

// execCallc implements CALLC nargs: pop call-site args, pop the closure,
// push a new frame borrowing (not copying) the closure's captured slice.
func (e *Evaluator) execCallc() error {
	nargs, err := e.dec.i32()
	if err != nil {
		return err
	}

	args := make([]Value, nargs)
	for i := nargs - 1; i >= 0; i-- {
		v, err := e.stack.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}

	closureVal, err := e.stack.pop()
	if err != nil {
		return err
	}
	if !closureVal.isHeapRef() || closureVal == 0 {
		return errSegmentationFault
	}
	closure := e.heap.Deref(closureVal)
	if closure.Kind != KindClosure {
		return errSegmentationFault
	}

	e.frame.returnIP = e.dec.ip
	newFrame := &Frame{
		args:     args,
		captured: closure.Elems,
		caller:   e.frame,
	}
	e.frame = newFrame
	e.dec.ip = int(closure.Entry)
	e.lastCall = Ctrl5Callc
	return nil
}

// execCall implements CALL lbl nargs: push a new frame with no arguments
// collected yet (the callee's BEGIN pops them from the stack).
func (e *Evaluator) execCall() error {
	lbl, err := e.dec.i32()
	if err != nil {
		return err
	}
	if _, err := e.dec.i32(); err != nil { // nargs: consumed by the callee's BEGIN, not here
		return err
	}

	e.frame.returnIP = e.dec.ip
	newFrame := &Frame{caller: e.frame}
	e.frame = newFrame
	e.dec.ip = int(lbl)
	e.lastCall = Ctrl5Call
	return nil
}

func (e *Evaluator) execTag() error {
	name, err := e.readStr()
	if err != nil {
		return err
	}
	nargs, err := e.dec.i32()
	if err != nil {
		return err
	}
	p, err := e.stack.pop()
	if err != nil {
		return err
	}
	return e.stack.push(tagPatt(e.heap, p, tagHash(name), nargs))
}

// --- Group 6: PATT ---

func (e *Evaluator) execPattern(l byte) error {
	switch l {
	case Patt6StringEq:
		y, err := e.stack.pop()
		if err != nil {
			return err
		}
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattStringEq(e.heap, x, y))

	case Patt6IsString:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsKind(e.heap, x, KindString))

	case Patt6IsArray:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsKind(e.heap, x, KindArray))

	case Patt6IsSexp:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsKind(e.heap, x, KindSexp))

	case Patt6IsBoxed:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsBoxed(x))

	case Patt6IsUnbox:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsUnboxed(x))

	case Patt6IsFun:
		x, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(pattIsKind(e.heap, x, KindClosure))

	default:
		return errUnknownOpcode
	}
}

// --- Group 7: BUILTIN ---

func (e *Evaluator) execBuiltin(l byte) error {
	switch l {
	case Builtin7Read:
		v, err := e.io.read()
		if err != nil {
			return err
		}
		return e.stack.push(v)

	case Builtin7Write:
		v, err := e.stack.pop()
		if err != nil {
			return err
		}
		result, err := e.io.write(v)
		if err != nil {
			return err
		}
		return e.stack.push(result)

	case Builtin7Length:
		s, err := e.stack.pop()
		if err != nil {
			return err
		}
		v, err := length(e.heap, s)
		if err != nil {
			return err
		}
		return e.stack.push(v)

	case Builtin7String:
		o, err := e.stack.pop()
		if err != nil {
			return err
		}
		return e.stack.push(coerceString(e.heap, o))

	case Builtin7BArray:
		n, err := e.dec.i32()
		if err != nil {
			return err
		}
		args := make([]Value, n)
		for i := n - 1; i >= 0; i-- {
			v, err := e.stack.pop()
			if err != nil {
				return err
			}
			args[i] = v
		}
		return e.stack.push(e.heap.MakeArray(args))

	default:
		return errUnknownOpcode
	}
}
