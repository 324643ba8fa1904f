package vm

import (
	"bufio"
	"fmt"
)

// ioBridge wires LREAD/LWRITE to the process's stdin/stdout, matching the
// teacher's own bufio.Reader/bufio.Writer pairing in vm/vm.go (NewVirtualMachine
// sets up vm.stdin/vm.stdout the same way).
type ioBridge struct {
	in  *bufio.Reader
	out *bufio.Writer
}

func newIOBridge(in *bufio.Reader, out *bufio.Writer) *ioBridge {
	return &ioBridge{in: in, out: out}
}

// read implements LREAD: reads one whitespace-delimited signed integer from
// stdin and returns it boxed.
func (io_ *ioBridge) read() (Value, error) {
	var i int32
	_, err := fmt.Fscan(io_.in, &i)
	if err != nil {
		return 0, errIO
	}
	return boxInt(i), nil
}

// write implements LWRITE: prints v's arithmetic value followed by a
// newline, per the end-to-end scenarios in spec §8 ("write" prints "N\n").
// Returns a boxed zero, matching Lama's unit-value convention so the
// surface language's expression discipline (every call yields a value) is
// preserved (spec §4.2, group 7 l=1 note).
func (io_ *ioBridge) write(v Value) (Value, error) {
	_, err := fmt.Fprintf(io_.out, "%d\n", v.unboxInt())
	if err != nil {
		return 0, errIO
	}
	if err := io_.out.Flush(); err != nil {
		return 0, errIO
	}
	return boxInt(0), nil
}
