// Package disasm renders ARM64 instruction words as text for block reports.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Word disassembles a single little-endian instruction word in GNU syntax,
// without surrounding whitespace. Undecodable words render as ".word 0x%08x".
func Word(raw uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], raw)
	return Bytes(buf[:])
}

// Bytes disassembles the first instruction in data.
func Bytes(data []byte) string {
	if len(data) < 4 {
		return fmt.Sprintf(".byte %x", data)
	}

	inst, err := arm64asm.Decode(data[:4])
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(data[:4]))
	}
	return strings.TrimSpace(arm64asm.GNUSyntax(inst))
}
