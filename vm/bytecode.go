package vm

import "encoding/binary"

/*
Instruction encoding (spec §4.1): each instruction starts with one byte
split into two nibbles, h = byte>>4 (instruction group) and l = byte&0x0F
(variant within the group, or an operand). h==15 is a hard stop. Groups:

	0  BINOP        l 1..13 selects the operator
	1  misc         CONST/STR/SEXP/STA/JMP/END/DROP/DUP/ELEM
	2  LD           l selects location kind (Global/Local/Arg/Captured)
	3  LDA          same location kinds, "load address"
	4  ST           same location kinds
	5  control/call CJMPz/CJMPnz/BEGIN/CBEGIN/CLOSURE/CALLC/CALL/TAG/ARRAY/LINE
	6  PATT         pattern primitives
	7  BUILTIN      LREAD/LWRITE/LLENGTH/LSTRING/BARRAY

The opcodes are plain untyped constants, one block per group, fitted to
the fixed binary h/l encoding this spec requires; there is no String()
table for them.
*/

const groupStop = 15

// Group 0 — BINOP operator selectors (l-1 indexes this table).
const (
	OpAdd = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpLeq
	OpGt
	OpGeq
	OpEq
	OpNeq
	OpAnd
	OpOr
)

// Group 1 — miscellaneous.
const (
	Misc1Const = 0
	Misc1Str   = 1
	Misc1Sexp  = 2
	Misc1Sta   = 4
	Misc1Jmp   = 5
	Misc1End   = 6
	Misc1Drop  = 8
	Misc1Dup   = 9
	Misc1Elem  = 11
)

// Group 5 — control & calls.
const (
	Ctrl5CJMPz   = 0
	Ctrl5CJMPnz  = 1
	Ctrl5Begin   = 2
	Ctrl5CBegin  = 3
	Ctrl5Closure = 4
	Ctrl5Callc   = 5
	Ctrl5Call    = 6
	Ctrl5Tag     = 7
	Ctrl5Array   = 8
	Ctrl5Line    = 10
)

// Group 6 — pattern primitives.
const (
	Patt6StringEq = 0
	Patt6IsString = 1
	Patt6IsArray  = 2
	Patt6IsSexp   = 3
	Patt6IsBoxed  = 4
	Patt6IsUnbox  = 5
	Patt6IsFun    = 6
)

// Group 7 — builtins.
const (
	Builtin7Read   = 0
	Builtin7Write  = 1
	Builtin7Length = 2
	Builtin7String = 3
	Builtin7BArray = 4
)

// decoder walks the code region one instruction at a time, decoding the
// immediates an opcode needs (spec §4.1).
type decoder struct {
	code []byte
	ip   int
}

func newDecoder(code []byte, ip int) *decoder {
	return &decoder{code: code, ip: ip}
}

func (d *decoder) atEnd() bool {
	return d.ip >= len(d.code)
}

// byteOp reads the next instruction byte and splits it into (h, l).
func (d *decoder) byteOp() (h, l byte, err error) {
	if d.ip >= len(d.code) {
		return 0, 0, errProgramFinished
	}
	b := d.code[d.ip]
	d.ip++
	return b >> 4, b & 0x0F, nil
}

// i32 reads a little-endian signed 32-bit immediate.
func (d *decoder) i32() (int32, error) {
	if d.ip+4 > len(d.code) {
		return 0, errSegmentationFault
	}
	v := int32(binary.LittleEndian.Uint32(d.code[d.ip : d.ip+4]))
	d.ip += 4
	return v, nil
}

// byteArg reads a single raw byte immediate.
func (d *decoder) byteArg() (byte, error) {
	if d.ip >= len(d.code) {
		return 0, errSegmentationFault
	}
	b := d.code[d.ip]
	d.ip++
	return b, nil
}
