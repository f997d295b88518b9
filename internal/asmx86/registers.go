// Package asmx86 implements the two-pass x86/x64 assembler (SPEC_FULL.md
// §4.4): pass 1 tokenizes and sizes instructions while building a label
// table, pass 2 encodes ModR/M, REX, immediate and displacement bytes and
// resolves labels. No SIB byte is ever emitted: memory operands are limited
// to [rip + label] and [rip ± disp]. Register tables and encoding conventions are adapted
// directly from the teacher's reg.go/mov.go/cmp.go.
package asmx86

// Register describes one x86/x64 register operand.
type Register struct {
	Name     string
	Size     int // 8, 16, 32, or 64 bits
	Encoding uint8
}

var registers64 = map[string]Register{
	"rax": {"rax", 64, 0}, "rcx": {"rcx", 64, 1}, "rdx": {"rdx", 64, 2}, "rbx": {"rbx", 64, 3},
	"rsp": {"rsp", 64, 4}, "rbp": {"rbp", 64, 5}, "rsi": {"rsi", 64, 6}, "rdi": {"rdi", 64, 7},
	"r8": {"r8", 64, 8}, "r9": {"r9", 64, 9}, "r10": {"r10", 64, 10}, "r11": {"r11", 64, 11},
	"r12": {"r12", 64, 12}, "r13": {"r13", 64, 13}, "r14": {"r14", 64, 14}, "r15": {"r15", 64, 15},
}

var registers32 = map[string]Register{
	"eax": {"eax", 32, 0}, "ecx": {"ecx", 32, 1}, "edx": {"edx", 32, 2}, "ebx": {"ebx", 32, 3},
	"esp": {"esp", 32, 4}, "ebp": {"ebp", 32, 5}, "esi": {"esi", 32, 6}, "edi": {"edi", 32, 7},
	"r8d": {"r8d", 32, 8}, "r9d": {"r9d", 32, 9}, "r10d": {"r10d", 32, 10}, "r11d": {"r11d", 32, 11},
	"r12d": {"r12d", 32, 12}, "r13d": {"r13d", 32, 13}, "r14d": {"r14d", 32, 14}, "r15d": {"r15d", 32, 15},
}

// LookupRegister finds a register by its assembly-syntax name across the
// 64-bit and 32-bit tables.
func LookupRegister(name string) (Register, bool) {
	if r, ok := registers64[name]; ok {
		return r, true
	}
	if r, ok := registers32[name]; ok {
		return r, true
	}
	return Register{}, false
}

// IsRegister reports whether name is a known register.
func IsRegister(name string) bool {
	_, ok := LookupRegister(name)
	return ok
}
