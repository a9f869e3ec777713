// Package insts provides ARM64 control-flow decoding for block translation.
package insts

// Op represents an ARM64 control-flow opcode.
type Op uint16

// ARM64 opcodes. OpUnknown covers every instruction that falls through.
const (
	OpUnknown Op = iota
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpTBZ
	OpTBNZ
	OpBR
	OpBLR
	OpRET
	OpSVC
	OpBRK
	OpHLT
)

var opNames = [...]string{
	OpUnknown: "unknown",
	OpB:       "b",
	OpBL:      "bl",
	OpBCond:   "b.cond",
	OpCBZ:     "cbz",
	OpCBNZ:    "cbnz",
	OpTBZ:     "tbz",
	OpTBNZ:    "tbnz",
	OpBR:      "br",
	OpBLR:     "blr",
	OpRET:     "ret",
	OpSVC:     "svc",
	OpBRK:     "brk",
	OpHLT:     "hlt",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Format represents an instruction encoding class.
type Format uint8

// Instruction formats.
const (
	FormatSequential    Format = iota
	FormatBranch               // Unconditional Branch (Immediate)
	FormatBranchCond           // Conditional Branch
	FormatCompareBranch        // Compare and Branch (CBZ/CBNZ)
	FormatTestBranch           // Test and Branch (TBZ/TBNZ)
	FormatBranchReg            // Branch to Register
	FormatException            // Exception Generation
)

// Cond represents an ARM64 condition code.
type Cond uint8

// ARM64 condition codes.
const (
	CondEQ Cond = 0b0000
	CondNE Cond = 0b0001
	CondCS Cond = 0b0010
	CondCC Cond = 0b0011
	CondMI Cond = 0b0100
	CondPL Cond = 0b0101
	CondVS Cond = 0b0110
	CondVC Cond = 0b0111
	CondHI Cond = 0b1000
	CondLS Cond = 0b1001
	CondGE Cond = 0b1010
	CondLT Cond = 0b1011
	CondGT Cond = 0b1100
	CondLE Cond = 0b1101
	CondAL Cond = 0b1110
	CondNV Cond = 0b1111
)

// Instruction is the control-flow view of a decoded ARM64 instruction.
type Instruction struct {
	Op     Op
	Format Format
	Word   uint32

	Is64Bit bool  // CBZ/CBNZ operate on X registers
	Rn      uint8 // target register for BR/BLR/RET
	Rt      uint8 // tested register for CBZ/CBNZ/TBZ/TBNZ

	BranchOffset int64 // signed byte offset for direct branches
	Cond         Cond
	BitPos       uint8  // tested bit for TBZ/TBNZ
	Imm          uint16 // immediate of SVC/BRK/HLT
}

// IsBlockTerminator reports whether the instruction ends a translation block.
func (i *Instruction) IsBlockTerminator() bool {
	return i.Format != FormatSequential
}

// IsDirect reports whether the branch target is encoded in the instruction.
func (i *Instruction) IsDirect() bool {
	switch i.Format {
	case FormatBranch, FormatBranchCond, FormatCompareBranch, FormatTestBranch:
		return true
	}
	return false
}

// IsConditional reports whether the instruction may fall through.
func (i *Instruction) IsConditional() bool {
	switch i.Format {
	case FormatBranchCond:
		return i.Cond != CondAL && i.Cond != CondNV
	case FormatCompareBranch, FormatTestBranch:
		return true
	}
	return false
}

// Target returns the destination of a direct branch located at pc.
func (i *Instruction) Target(pc uint64) (uint64, bool) {
	if !i.IsDirect() {
		return 0, false
	}
	return uint64(int64(pc) + i.BranchOffset), true
}

// Decoder decodes ARM64 machine code into control-flow instructions.
type Decoder struct{}

// NewDecoder creates a new ARM64 control-flow decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit ARM64 instruction word.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Op: OpUnknown, Format: FormatSequential, Word: word}

	switch {
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isTestBranch(word):
		d.decodeTestBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	case d.isException(word):
		d.decodeException(word, inst)
	}

	return inst
}

// signExtend sign-extends the low bits of v and scales it to a byte offset.
func signExtend(v uint32, bits uint) int64 {
	offset := int64(v)
	if (v>>(bits-1))&1 == 1 {
		offset |= ^int64(0) << bits
	}
	return offset * InstructionSize
}

// isBranchImm checks for unconditional branch immediate.
// B:  bits [31:26] == 0b000101
// BL: bits [31:26] == 0b100101
func (d *Decoder) isBranchImm(word uint32) bool {
	op := (word >> 26) & 0x3F
	return op == 0b000101 || op == 0b100101
}

// decodeBranchImm decodes B and BL.
// Format: op | 00101 | imm26
func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(word&0x3FFFFFF, 26)

	if (word>>31)&0x1 == 0 {
		inst.Op = OpB
	} else {
		inst.Op = OpBL
	}
}

// isBranchCond checks for conditional branch.
// B.cond: bits [31:25] == 0b0101010, bit 4 == 0
func (d *Decoder) isBranchCond(word uint32) bool {
	op := (word >> 25) & 0x7F
	bit4 := (word >> 4) & 0x1
	return op == 0b0101010 && bit4 == 0
}

// decodeBranchCond decodes B.cond.
// Format: 0101010 0 | imm19 | 0 | cond
func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19)
	inst.Cond = Cond(word & 0xF)
}

// isCompareBranch checks for CBZ/CBNZ.
// Format: sf | 011010 | op | imm19 | Rt
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rt = uint8(word & 0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19)

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// isTestBranch checks for TBZ/TBNZ.
// Format: b5 | 011011 | op | b40 | imm14 | Rt
func (d *Decoder) isTestBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011011
}

func (d *Decoder) decodeTestBranch(word uint32, inst *Instruction) {
	inst.Format = FormatTestBranch
	inst.Rt = uint8(word & 0x1F)
	inst.BitPos = uint8((word>>31)&0x1)<<5 | uint8((word>>19)&0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x3FFF, 14)

	if (word>>24)&0x1 == 0 {
		inst.Op = OpTBZ
	} else {
		inst.Op = OpTBNZ
	}
}

// isBranchReg checks for branch to register.
// Format: 1101011 0 0 op[1:0] 11111 0000 0 0 Rn 00000
func (d *Decoder) isBranchReg(word uint32) bool {
	hi := (word >> 25) & 0x7F
	mid := (word >> 10) & 0x3F
	lo := word & 0x1F

	return hi == 0b1101011 && mid == 0b000000 && lo == 0b00000
}

// decodeBranchReg decodes BR, BLR and RET. Other opc values (ERET, DRPS)
// still end the block.
func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Rn = uint8((word >> 5) & 0x1F)

	if (word>>23)&0x3 != 0 {
		return
	}

	switch (word >> 21) & 0x3 {
	case 0b00:
		inst.Op = OpBR
	case 0b01:
		inst.Op = OpBLR
	case 0b10:
		inst.Op = OpRET
	}
}

// isException checks for exception generation.
// Format: 11010100 | opc | imm16 | op2 | LL
func (d *Decoder) isException(word uint32) bool {
	return word>>24 == 0xD4
}

func (d *Decoder) decodeException(word uint32, inst *Instruction) {
	inst.Format = FormatException
	inst.Imm = uint16((word >> 5) & 0xFFFF)

	opc := (word >> 21) & 0x7
	ll := word & 0x3

	switch {
	case opc == 0b000 && ll == 0b01:
		inst.Op = OpSVC
	case opc == 0b001 && ll == 0b00:
		inst.Op = OpBRK
	case opc == 0b010 && ll == 0b00:
		inst.Op = OpHLT
	}
}
