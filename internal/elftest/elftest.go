// Package elftest builds small in-memory ELF64 images for tests.
package elftest

import (
	"bytes"
	"encoding/binary"
	"os"
)

// ELF constants used by the builder.
const (
	MachineAArch64 = 183
	MachineX86_64  = 62

	FlagX = 0x1
	FlagW = 0x2
	FlagR = 0x4

	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
)

// Segment is a PT_LOAD program header plus its file contents.
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64 // defaults to len(Data)
	Flags   uint32 // defaults to R|X
}

// Symbol is a global STT_FUNC entry written to .symtab.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Image describes the ELF file to build.
type Image struct {
	Machine  uint16 // defaults to AArch64
	Entry    uint64
	Segments []Segment
	Symbols  []Symbol
}

// Code is a convenience for little-endian instruction words.
func Code(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

// Bytes renders the image.
func (img Image) Bytes() []byte {
	le := binary.LittleEndian
	machine := img.Machine
	if machine == 0 {
		machine = MachineAArch64
	}

	off := uint64(ehdrSize + phdrSize*len(img.Segments))
	dataOff := make([]uint64, len(img.Segments))
	for i, seg := range img.Segments {
		dataOff[i] = off
		off += uint64(len(seg.Data))
	}

	var strtab, symtab, shstrtab []byte
	var strOff, symOff, shstrOff, shOff uint64
	if len(img.Symbols) > 0 {
		off = align8(off)
		strtab = []byte{0}
		symtab = make([]byte, symSize) // index 0 is the null symbol
		for _, s := range img.Symbols {
			entry := make([]byte, symSize)
			le.PutUint32(entry[0:4], uint32(len(strtab)))
			entry[4] = 1<<4 | 2 // STB_GLOBAL, STT_FUNC
			le.PutUint16(entry[6:8], 0xfff1)
			le.PutUint64(entry[8:16], s.Addr)
			le.PutUint64(entry[16:24], s.Size)
			symtab = append(symtab, entry...)
			strtab = append(strtab, s.Name...)
			strtab = append(strtab, 0)
		}
		shstrtab = []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

		symOff = off
		off += uint64(len(symtab))
		strOff = off
		off += uint64(len(strtab))
		shstrOff = off
		off += uint64(len(shstrtab))
		off = align8(off)
		shOff = off
	}

	var buf bytes.Buffer

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2 // 64-bit
	ehdr[5] = 1 // little endian
	ehdr[6] = 1
	le.PutUint16(ehdr[16:18], 2) // ET_EXEC
	le.PutUint16(ehdr[18:20], machine)
	le.PutUint32(ehdr[20:24], 1)
	le.PutUint64(ehdr[24:32], img.Entry)
	le.PutUint64(ehdr[32:40], ehdrSize)
	le.PutUint64(ehdr[40:48], shOff)
	le.PutUint16(ehdr[52:54], ehdrSize)
	le.PutUint16(ehdr[54:56], phdrSize)
	le.PutUint16(ehdr[56:58], uint16(len(img.Segments)))
	le.PutUint16(ehdr[58:60], shdrSize)
	if shOff != 0 {
		le.PutUint16(ehdr[60:62], 4)
		le.PutUint16(ehdr[62:64], 3)
	}
	buf.Write(ehdr)

	for i, seg := range img.Segments {
		flags := seg.Flags
		if flags == 0 {
			flags = FlagR | FlagX
		}
		memSize := seg.MemSize
		if memSize == 0 {
			memSize = uint64(len(seg.Data))
		}

		phdr := make([]byte, phdrSize)
		le.PutUint32(phdr[0:4], 1) // PT_LOAD
		le.PutUint32(phdr[4:8], flags)
		le.PutUint64(phdr[8:16], dataOff[i])
		le.PutUint64(phdr[16:24], seg.Addr)
		le.PutUint64(phdr[24:32], seg.Addr)
		le.PutUint64(phdr[32:40], uint64(len(seg.Data)))
		le.PutUint64(phdr[40:48], memSize)
		le.PutUint64(phdr[48:56], 0x1000)
		buf.Write(phdr)
	}

	for _, seg := range img.Segments {
		buf.Write(seg.Data)
	}

	if shOff == 0 {
		return buf.Bytes()
	}

	pad(&buf, symOff)
	buf.Write(symtab)
	buf.Write(strtab)
	buf.Write(shstrtab)
	pad(&buf, shOff)

	section := func(name, typ uint32, off, size uint64, link, info uint32, align, entsize uint64) {
		shdr := make([]byte, shdrSize)
		le.PutUint32(shdr[0:4], name)
		le.PutUint32(shdr[4:8], typ)
		le.PutUint64(shdr[24:32], off)
		le.PutUint64(shdr[32:40], size)
		le.PutUint32(shdr[40:44], link)
		le.PutUint32(shdr[44:48], info)
		le.PutUint64(shdr[48:56], align)
		le.PutUint64(shdr[56:64], entsize)
		buf.Write(shdr)
	}
	section(0, 0, 0, 0, 0, 0, 0, 0)
	section(1, 2, symOff, uint64(len(symtab)), 2, 1, 8, symSize) // .symtab
	section(9, 3, strOff, uint64(len(strtab)), 0, 0, 1, 0)        // .strtab
	section(17, 3, shstrOff, uint64(len(shstrtab)), 0, 0, 1, 0)   // .shstrtab

	return buf.Bytes()
}

// WriteFile renders the image to path.
func (img Image) WriteFile(path string) error {
	return os.WriteFile(path, img.Bytes(), 0o644)
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}

func pad(buf *bytes.Buffer, to uint64) {
	for uint64(buf.Len()) < to {
		buf.WriteByte(0)
	}
}
