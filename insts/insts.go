// Package insts provides ARM64 control-flow decoding for block translation.
//
// The decoder does not model instruction semantics. It only answers the
// questions a block translator asks of every instruction word:
//   - does this instruction end a translation block?
//   - if it is a direct branch, where does it go?
//
// Recognized terminators: B, BL, B.cond, CBZ, CBNZ, TBZ, TBNZ, BR, BLR, RET,
// SVC, BRK and HLT. Every other word decodes as FormatSequential.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0xD65F03C0) // RET
//	if inst.IsBlockTerminator() {
//		// close the block after this instruction
//	}
package insts

// InstructionSize is the size in bytes of every A64 instruction.
const InstructionSize = 4
