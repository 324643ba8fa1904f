package vm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Image is the unpacked BytecodeImage described in spec §3.5/§6.1: a
// 3-word header (stringtab_size, global_area_size, public_symbols_number)
// followed by the public table, the string table and the code region.
// The evaluator only ever consumes it through the four accessors below.
type Image struct {
	stringTable []byte
	codeRegion  []byte
	globals     []Value
	publics     []PublicSymbol
}

// PublicSymbol is one entry of the (unused by the core) public-symbols
// table, kept only so LoadImage fully accounts for the header it reads.
type PublicSymbol struct {
	NameOffset int32
	CodeOffset int32
}

const imageHeaderWords = 3

// LoadImage parses the binary layout of spec §6.1 out of r.
func LoadImage(r io.Reader) (*Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFileRead, err)
	}
	if len(raw) < imageHeaderWords*4 {
		return nil, fmt.Errorf("%w: file too small for header", errFileRead)
	}

	stringtabSize := int(int32(binary.LittleEndian.Uint32(raw[0:4])))
	globalAreaSize := int(int32(binary.LittleEndian.Uint32(raw[4:8])))
	publicSymbolsNumber := int(int32(binary.LittleEndian.Uint32(raw[8:12])))

	body := raw[imageHeaderWords*4:]

	publicTableBytes := publicSymbolsNumber * 2 * 4
	if publicTableBytes < 0 || publicTableBytes > len(body) {
		return nil, fmt.Errorf("%w: public symbol table out of range", errFileRead)
	}
	publics := make([]PublicSymbol, publicSymbolsNumber)
	for i := 0; i < publicSymbolsNumber; i++ {
		off := i * 8
		publics[i] = PublicSymbol{
			NameOffset: int32(binary.LittleEndian.Uint32(body[off : off+4])),
			CodeOffset: int32(binary.LittleEndian.Uint32(body[off+4 : off+8])),
		}
	}

	afterPublics := body[publicTableBytes:]
	if stringtabSize < 0 || stringtabSize > len(afterPublics) {
		return nil, fmt.Errorf("%w: string table out of range", errFileRead)
	}
	stringTable := afterPublics[:stringtabSize]
	codeRegion := afterPublics[stringtabSize:]

	if globalAreaSize < 0 {
		return nil, fmt.Errorf("%w: negative global area size", errFileRead)
	}

	return &Image{
		stringTable: stringTable,
		codeRegion:  codeRegion,
		globals:     make([]Value, globalAreaSize),
		publics:     publics,
	}, nil
}

// StringAt returns the NUL-terminated string starting at byte offset off
// in the string table.
func (img *Image) StringAt(off int32) string {
	start := int(off)
	end := start
	for end < len(img.stringTable) && img.stringTable[end] != 0 {
		end++
	}
	return string(img.stringTable[start:end])
}

// CodeBase returns the code region the decoder reads instructions from.
func (img *Image) CodeBase() []byte {
	return img.codeRegion
}

// GlobalSlot returns a mutable pointer to global slot i.
func (img *Image) GlobalSlot(i int32) *Value {
	return &img.globals[i]
}

// PublicSymbols returns the (unused by the core) public-symbols table.
func (img *Image) PublicSymbols() []PublicSymbol {
	return img.publics
}
