package vm

import "strconv"

// runtime.go realizes the §6.2 runtime bridge: typed adapters the
// evaluator calls into for element access, pattern primitives and length/
// string coercion. The original interpreter treats all of these (Belem,
// Bsta, Llength, Lstring, LtagHash, B*_patt) as external, defined in a
// runtime library this spec explicitly puts out of scope for rigor
// (spec §1/§6.2) — so these bodies are a simple, obviously-correct
// grounded-but-original realization, bridged into the evaluator the way
// the teacher bridges to its HardwareDevice subsystem (devices.go).

// tagHash computes the deterministic 31-bit hash of a constructor name
// used to identify S-expression shapes (spec glossary, "tag hash"). Any
// stable hash works since programs only ever compare hashes the evaluator
// itself produced; this is the classic djb2 string hash, truncated to fit
// an unboxed 31-bit integer.
func tagHash(name string) int32 {
	var h uint32 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return int32(h & 0x7FFFFFFF)
}

// elem implements the ELEM opcode and the BUILTIN-adjacent element access:
// pop index, pop s (array/sexp/string), return the element at that index.
func elem(h *Heap, s, index Value) (Value, error) {
	if !s.isHeapRef() || s == 0 {
		return 0, errSegmentationFault
	}
	obj := h.Deref(s)
	i := int(index.unboxInt())

	switch obj.Kind {
	case KindString:
		if i < 0 || i >= len(obj.Bytes) {
			return 0, errSegmentationFault
		}
		return boxInt(int32(obj.Bytes[i])), nil
	case KindArray, KindSexp:
		if i < 0 || i >= len(obj.Elems) {
			return 0, errSegmentationFault
		}
		return obj.Elems[i], nil
	default:
		return 0, errSegmentationFault
	}
}

// sta implements the STA opcode's heap-element-store branch: store v into
// array/sexp/string x at index i, returning v (the store is an expression).
func sta(h *Heap, v, index, x Value) (Value, error) {
	if !x.isHeapRef() || x == 0 {
		return 0, errSegmentationFault
	}
	obj := h.Deref(x)
	i := int(index.unboxInt())

	switch obj.Kind {
	case KindString:
		if i < 0 || i >= len(obj.Bytes) {
			return 0, errSegmentationFault
		}
		obj.Bytes[i] = byte(v.unboxInt())
		return v, nil
	case KindArray, KindSexp:
		if i < 0 || i >= len(obj.Elems) {
			return 0, errSegmentationFault
		}
		obj.Elems[i] = v
		return v, nil
	default:
		return 0, errSegmentationFault
	}
}

// length implements LLENGTH: string length in bytes, array/sexp length in
// elements, matching the header length field (spec §3.1).
func length(h *Heap, s Value) (Value, error) {
	if !s.isHeapRef() || s == 0 {
		return 0, errSegmentationFault
	}
	return boxInt(int32(h.Deref(s).Length())), nil
}

// coerceString implements LSTRING, per spec §9's note that the intended
// behavior is a runtime round-trip through the string primitive (not the
// historical fatal variant): every heap kind renders to a readable string.
func coerceString(h *Heap, o Value) Value {
	if o.isInt() {
		return h.MakeString(strconv.FormatInt(int64(o.unboxInt()), 10))
	}
	obj := h.Deref(o)
	switch obj.Kind {
	case KindString:
		return h.MakeString(string(obj.Bytes))
	case KindArray:
		return h.MakeString("<array>")
	case KindSexp:
		return h.MakeString("<sexp>")
	case KindClosure:
		return h.MakeString("<closure>")
	default:
		return h.MakeString("")
	}
}

// Pattern primitives (spec §4.2 group 6 / §6.2). All return boxed booleans.

func pattStringEq(h *Heap, x, y Value) Value {
	if !x.isHeapRef() || !y.isHeapRef() || x == 0 || y == 0 {
		return boxBool(false)
	}
	xo, yo := h.Deref(x), h.Deref(y)
	if xo.Kind != KindString || yo.Kind != KindString {
		return boxBool(false)
	}
	return boxBool(string(xo.Bytes) == string(yo.Bytes))
}

func pattIsKind(h *Heap, x Value, kind ObjKind) Value {
	if !x.isHeapRef() || x == 0 {
		return boxBool(false)
	}
	return boxBool(h.Deref(x).Kind == kind)
}

func pattIsBoxed(x Value) Value {
	return boxBool(x.isHeapRef() && x != 0)
}

func pattIsUnboxed(x Value) Value {
	return boxBool(x.isInt())
}

// tagPatt implements the TAG opcode: true iff p is a SEXP with the given
// tag hash and arity.
func tagPatt(h *Heap, p Value, hash int32, nargs int32) Value {
	if !p.isHeapRef() || p == 0 {
		return boxBool(false)
	}
	obj := h.Deref(p)
	if obj.Kind != KindSexp {
		return boxBool(false)
	}
	return boxBool(obj.TagHash == hash && int32(len(obj.Elems)) == nargs)
}

// arrayPatt implements the ARRAY opcode: true iff p is an ARRAY of length n.
func arrayPatt(h *Heap, p Value, n int32) Value {
	if !p.isHeapRef() || p == 0 {
		return boxBool(false)
	}
	obj := h.Deref(p)
	return boxBool(obj.Kind == KindArray && int32(len(obj.Elems)) == n)
}
