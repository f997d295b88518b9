// Package pebuild implements the Import-Table PE Builder (SPEC_FULL.md
// §4.5, for fresh assembled code with no source PE) and the PE
// Reassembler (§4.6, for code derived from an existing PE). This file
// holds the layout constants and file/virtual-address alignment helpers
// the builder uses (the teacher's pe.go duplicated this arithmetic across
// several near-identical writer functions); the reassembler patches bytes
// in place and does not use them.
package pebuild

const (
	dosHeaderSize      = 64
	peSignatureSize    = 4
	coffHeaderSize     = 20
	optionalHeaderSize = 240 // PE32+ optional header
	sectionHeaderSize  = 40

	peImageBase    uint64 = 0x140000000
	peSectionAlign uint32 = 0x1000
	peFileAlign    uint32 = 0x200

	scnCntCode          uint32 = 0x00000020
	scnCntInitData      uint32 = 0x00000040
	scnMemExecute       uint32 = 0x20000000
	scnMemRead          uint32 = 0x40000000
	scnMemWrite         uint32 = 0x80000000
	imageFileMachineAMD64 uint16 = 0x8664
	imageSubsystemCUI   uint16 = 3
)

// alignTo rounds value up to the next multiple of align, exactly the
// helper the teacher's pe.go defines and every other pack PE writer
// (tinyrange-rtg's buildPE64, davejbax/pixie's efipe) reimplements anew.
func alignTo(value, align uint32) uint32 {
	return (value + align - 1) &^ (align - 1)
}

func alignTo64(value uint64, align uint32) uint64 {
	a := uint64(align)
	return (value + a - 1) &^ (a - 1)
}

func sectionName8(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}
