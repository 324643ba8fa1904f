package vm

import (
	"bytes"
	"encoding/binary"
)

// imageBuilder assembles a binary image in memory (spec §6.1), standing in
// for a real compiler frontend so tests can construct programs directly
// instead of parsing bytecode text — mirroring the teacher's own
// CompileSourceFromBuffer helper but targeting the fixed binary layout this
// evaluator consumes, labels and all.
type imageBuilder struct {
	code      []byte
	strings   bytes.Buffer
	strOffset map[string]int32
	nglobals  int32

	labels  map[string]int32
	patches []patch
}

type patch struct {
	at    int
	label string
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{
		strOffset: make(map[string]int32),
		labels:    make(map[string]int32),
	}
}

func (b *imageBuilder) globals(n int32) *imageBuilder {
	b.nglobals = n
	return b
}

func (b *imageBuilder) here() int32 {
	return int32(len(b.code))
}

// label records name as resolving to the current code position.
func (b *imageBuilder) label(name string) *imageBuilder {
	b.labels[name] = b.here()
	return b
}

func (b *imageBuilder) op(h, l byte) *imageBuilder {
	b.code = append(b.code, h<<4|l)
	return b
}

func (b *imageBuilder) i32(v int32) *imageBuilder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.code = append(b.code, buf[:]...)
	return b
}

func (b *imageBuilder) byteArg(v byte) *imageBuilder {
	b.code = append(b.code, v)
	return b
}

// ref emits a placeholder i32 resolved to label's address at build time.
func (b *imageBuilder) ref(label string) *imageBuilder {
	b.patches = append(b.patches, patch{at: len(b.code), label: label})
	return b.i32(0)
}

func (b *imageBuilder) str(s string) int32 {
	if off, ok := b.strOffset[s]; ok {
		return off
	}
	off := int32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.strOffset[s] = off
	return off
}

func (b *imageBuilder) strOp(h, l byte, s string) *imageBuilder {
	return b.op(h, l).i32(b.str(s))
}

// --- convenience emitters for the opcodes the tests exercise ---

func (b *imageBuilder) constI(v int32) *imageBuilder { return b.op(1, Misc1Const).i32(v) }
func (b *imageBuilder) strConst(s string) *imageBuilder {
	return b.strOp(1, Misc1Str, s)
}
func (b *imageBuilder) sexp(tag string, n int32) *imageBuilder {
	return b.strOp(1, Misc1Sexp, tag).i32(n)
}
func (b *imageBuilder) sta() *imageBuilder  { return b.op(1, Misc1Sta) }
func (b *imageBuilder) drop() *imageBuilder { return b.op(1, Misc1Drop) }
func (b *imageBuilder) dup() *imageBuilder  { return b.op(1, Misc1Dup) }
func (b *imageBuilder) elem() *imageBuilder { return b.op(1, Misc1Elem) }
func (b *imageBuilder) jmp(label string) *imageBuilder {
	return b.op(1, Misc1Jmp).ref(label)
}
func (b *imageBuilder) end() *imageBuilder { return b.op(1, Misc1End) }

func (b *imageBuilder) binop(op int) *imageBuilder { return b.op(0, byte(op+1)) }

func (b *imageBuilder) ld(kind LocKind, idx int32) *imageBuilder {
	return b.op(2, byte(kind)).i32(idx)
}
func (b *imageBuilder) lda(kind LocKind, idx int32) *imageBuilder {
	return b.op(3, byte(kind)).i32(idx)
}
func (b *imageBuilder) st(kind LocKind, idx int32) *imageBuilder {
	return b.op(4, byte(kind)).i32(idx)
}

func (b *imageBuilder) cjmpz(label string) *imageBuilder {
	return b.op(5, Ctrl5CJMPz).ref(label)
}
func (b *imageBuilder) cjmpnz(label string) *imageBuilder {
	return b.op(5, Ctrl5CJMPnz).ref(label)
}
func (b *imageBuilder) begin(nargs, nlocals int32) *imageBuilder {
	return b.op(5, Ctrl5Begin).i32(nargs).i32(nlocals)
}
func (b *imageBuilder) cbegin(nargs, nlocals int32) *imageBuilder {
	return b.op(5, Ctrl5CBegin).i32(nargs).i32(nlocals)
}

// closure emits CLOSURE addr nargs (kind,idx)xnargs. captures is a flat
// list of (kind, idx) pairs.
func (b *imageBuilder) closure(label string, captures ...struct {
	Kind LocKind
	Idx  int32
}) *imageBuilder {
	b.op(5, Ctrl5Closure).ref(label).i32(int32(len(captures)))
	for _, c := range captures {
		b.byteArg(byte(c.Kind)).i32(c.Idx)
	}
	return b
}

func (b *imageBuilder) callc(nargs int32) *imageBuilder {
	return b.op(5, Ctrl5Callc).i32(nargs)
}
func (b *imageBuilder) call(label string, nargs int32) *imageBuilder {
	return b.op(5, Ctrl5Call).ref(label).i32(nargs)
}
func (b *imageBuilder) tag(name string, nargs int32) *imageBuilder {
	return b.strOp(5, Ctrl5Tag, name).i32(nargs)
}
func (b *imageBuilder) array(n int32) *imageBuilder {
	return b.op(5, Ctrl5Array).i32(n)
}

func (b *imageBuilder) stringEq() *imageBuilder { return b.op(6, Patt6StringEq) }
func (b *imageBuilder) isString() *imageBuilder { return b.op(6, Patt6IsString) }
func (b *imageBuilder) isArray() *imageBuilder  { return b.op(6, Patt6IsArray) }
func (b *imageBuilder) isSexp() *imageBuilder   { return b.op(6, Patt6IsSexp) }
func (b *imageBuilder) isBoxed() *imageBuilder  { return b.op(6, Patt6IsBoxed) }
func (b *imageBuilder) isUnbox() *imageBuilder  { return b.op(6, Patt6IsUnbox) }
func (b *imageBuilder) isFun() *imageBuilder    { return b.op(6, Patt6IsFun) }

func (b *imageBuilder) read() *imageBuilder   { return b.op(7, Builtin7Read) }
func (b *imageBuilder) write() *imageBuilder  { return b.op(7, Builtin7Write) }
func (b *imageBuilder) length() *imageBuilder { return b.op(7, Builtin7Length) }
func (b *imageBuilder) lstring() *imageBuilder {
	return b.op(7, Builtin7String)
}
func (b *imageBuilder) barray(n int32) *imageBuilder {
	return b.op(7, Builtin7BArray).i32(n)
}

func (b *imageBuilder) stop() *imageBuilder {
	return b.op(groupStop, 0)
}

// build renders the header + (empty) public table + string table + code
// region, resolving every forward-referenced label along the way.
func (b *imageBuilder) build() []byte {
	code := make([]byte, len(b.code))
	copy(code, b.code)
	for _, p := range b.patches {
		target, ok := b.labels[p.label]
		if !ok {
			panic("unresolved label: " + p.label)
		}
		binary.LittleEndian.PutUint32(code[p.at:p.at+4], uint32(target))
	}

	var out bytes.Buffer
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(b.strings.Len()))
	binary.LittleEndian.PutUint32(header[4:8], uint32(b.nglobals))
	binary.LittleEndian.PutUint32(header[8:12], 0)
	out.Write(header[:])
	out.Write(b.strings.Bytes())
	out.Write(code)
	return out.Bytes()
}

func (b *imageBuilder) mustLoad() *Image {
	img, err := LoadImage(bytes.NewReader(b.build()))
	if err != nil {
		panic(err)
	}
	return img
}
