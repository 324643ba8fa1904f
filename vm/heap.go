package vm

// Heap is an append-only arena of heap objects. Values reference entries
// here by handle ((index+1)<<1) rather than by raw address: Go's own
// collector keeps every *HeapObject reachable through objects alive, which
// is the "equivalent root discoverability" the design notes (spec §9)
// explicitly permit substituting for a hand-rolled tracing collector.
//
// preAlloc/postAlloc are the two hooks spec §5 describes bracketing each
// allocation site; here postAlloc is wired to the evaluator's allocation
// counter (see Evaluator.allocs) and preAlloc is left unset; neither
// drives a real root-scan, since
// there is no compacting/moving step for Go's GC to coordinate with.
type Heap struct {
	objects   []*HeapObject
	preAlloc  func()
	postAlloc func()
}

func NewHeap() *Heap {
	return &Heap{}
}

// SetGCHooks installs the pre/post allocation hooks described in spec §5.
func (h *Heap) SetGCHooks(preAlloc, postAlloc func()) {
	h.preAlloc, h.postAlloc = preAlloc, postAlloc
}

func (h *Heap) alloc(o *HeapObject) Value {
	if h.preAlloc != nil {
		h.preAlloc()
	}

	h.objects = append(h.objects, o)
	idx := len(h.objects) - 1

	if h.postAlloc != nil {
		h.postAlloc()
	}

	return Value(uint32(idx+1) << 1)
}

// Deref resolves a heap-reference Value to its backing object. Callers must
// have already established v.isHeapRef() and v != 0.
func (h *Heap) Deref(v Value) *HeapObject {
	idx := int(v>>1) - 1
	return h.objects[idx]
}

// MakeString allocates a STRING heap object (runtime bridge, spec §6.2).
func (h *Heap) MakeString(s string) Value {
	return h.alloc(&HeapObject{Kind: KindString, Bytes: []byte(s)})
}

// MakeArray allocates an ARRAY heap object from elems (not retained by the
// caller afterward — ownership transfers to the heap object).
func (h *Heap) MakeArray(elems []Value) Value {
	return h.alloc(&HeapObject{Kind: KindArray, Elems: elems})
}

// MakeSexp allocates a SEXP heap object; tagHash is the constructor's
// tag-name hash, stored as the word preceding the payload in the original
// layout (here, the TagHash field).
func (h *Heap) MakeSexp(elems []Value, tagHash int32) Value {
	return h.alloc(&HeapObject{Kind: KindSexp, Elems: elems, TagHash: tagHash})
}

// MakeClosure allocates a CLOSURE heap object: entry code offset plus the
// captured environment.
func (h *Heap) MakeClosure(entry int32, captured []Value) Value {
	return h.alloc(&HeapObject{Kind: KindClosure, Entry: entry, Elems: captured})
}
