package asmx86

import (
	"encoding/binary"
	"fmt"
)

// resolver looks up a label's resolved address. During pass 1 it always
// succeeds with a placeholder (0) since none of our encodings change size
// based on a label's actual value — every relative field is a fixed
// 4-byte rel32 and every immediate a fixed 4-byte imm32, the same
// simplifying convention the teacher's mov.go uses. During pass 2 it
// reports failure for anything still undefined.
type resolver func(name string) (uint64, bool)

// encodeInstruction encodes one instruction at the given address. addr is
// the address of this instruction's first byte; "next instruction" for
// relative-displacement purposes is computed as addr + len(encoded bytes),
// which for control-flow instructions is the address right after them —
// exactly as in the teacher's PatchPECallsToIAT RIP-relative math.
func encodeInstruction(mnem string, ops []operand, addr uint64, lineNo int, resolve resolver) ([]byte, error) {
	switch mnem {
	case "nop":
		return []byte{0x90}, nil
	case "ret":
		return []byte{0xC3}, nil
	case "syscall":
		return []byte{0x0F, 0x05}, nil
	case "mov":
		return encodeMov(ops, addr, lineNo, resolve)
	case "lea":
		return encodeLea(ops, addr, lineNo, resolve)
	case "add", "or", "adc", "sbb", "and", "sub", "xor", "cmp":
		return encodeArith(mnem, ops, lineNo)
	case "test":
		return encodeTest(ops, lineNo)
	case "push":
		return encodePush(ops, lineNo)
	case "pop":
		return encodePop(ops, lineNo)
	case "inc", "dec", "neg", "not":
		return encodeUnary(mnem, ops, lineNo)
	case "jmp":
		return encodeJump(0xE9, nil, ops, addr, lineNo, resolve)
	case "je", "jz":
		return encodeJump(0, []byte{0x0F, 0x84}, ops, addr, lineNo, resolve)
	case "jne", "jnz":
		return encodeJump(0, []byte{0x0F, 0x85}, ops, addr, lineNo, resolve)
	case "jl":
		return encodeJump(0, []byte{0x0F, 0x8C}, ops, addr, lineNo, resolve)
	case "jge":
		return encodeJump(0, []byte{0x0F, 0x8D}, ops, addr, lineNo, resolve)
	case "jg":
		return encodeJump(0, []byte{0x0F, 0x8F}, ops, addr, lineNo, resolve)
	case "jle":
		return encodeJump(0, []byte{0x0F, 0x8E}, ops, addr, lineNo, resolve)
	case "call":
		return encodeCall(ops, addr, lineNo, resolve)
	default:
		return nil, &lineError{lineNo, fmt.Sprintf("unknown mnemonic %q", mnem), "invalid-instruction"}
	}
}

type lineError struct {
	line    int
	message string
	kind    string
}

func (e *lineError) Error() string { return e.message }

func rexPrefix(w, r, x, b bool) uint8 {
	rex := uint8(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	return rex
}

// maybeRex returns the REX byte only when one of its bits is actually
// needed: a bare 32-bit register-to-register operation needs no REX
// prefix at all, matching the disassembler's own output for `xor eax, eax`.
func maybeRex(w, r, x, b bool) []byte {
	if !w && !r && !x && !b {
		return nil
	}
	return []byte{rexPrefix(w, r, x, b)}
}

func modrmRegDirect(reg, rm uint8) uint8 {
	return 0xC0 | (reg&7)<<3 | (rm & 7)
}

func requireTwoOps(ops []operand, lineNo int, mnem string) error {
	if len(ops) != 2 {
		return &lineError{lineNo, fmt.Sprintf("%s requires two operands", mnem), "invalid-instruction"}
	}
	return nil
}

// encodeMov handles "mov reg, reg", "mov reg, imm", and "mov reg, [rip + label]".
func encodeMov(ops []operand, addr uint64, lineNo int, resolve resolver) ([]byte, error) {
	if err := requireTwoOps(ops, lineNo, "mov"); err != nil {
		return nil, err
	}
	dst, src := ops[0], ops[1]
	if dst.kind != opRegister {
		return nil, &lineError{lineNo, "mov destination must be a register", "invalid-instruction"}
	}

	switch src.kind {
	case opRegister:
		out := maybeRex(dst.reg.Size == 64, src.reg.Encoding >= 8, false, dst.reg.Encoding >= 8)
		return append(out, 0x89, modrmRegDirect(src.reg.Encoding, dst.reg.Encoding)), nil
	case opImmediate:
		out := maybeRex(dst.reg.Size == 64, false, false, dst.reg.Encoding >= 8)
		out = append(out, 0xC7, modrmRegDirect(0, dst.reg.Encoding))
		return append(out, imm32(uint32(src.imm))...), nil
	case opMemory:
		if src.memBase != "rip" {
			return nil, &lineError{lineNo, "mov memory source is only supported for [rip + label]", "invalid-instruction"}
		}
		out := maybeRex(dst.reg.Size == 64, dst.reg.Encoding >= 8, false, false)
		out = append(out, 0x8B, (dst.reg.Encoding&7)<<3|5) // ModRM.rm=101 (RIP-relative), mod=00
		disp, err := ripDisplacement(src, addr, len(out)+4, lineNo, resolve)
		if err != nil {
			return nil, err
		}
		return append(out, imm32(uint32(disp))...), nil
	default:
		return nil, &lineError{lineNo, "mov source must be a register, immediate, or [rip + label]", "invalid-instruction"}
	}
}

// encodeLea handles "lea reg, [rip + label]" / "[rip - 0xN]", the
// canonical data-reference pattern the relocator's rewritten listings use.
func encodeLea(ops []operand, addr uint64, lineNo int, resolve resolver) ([]byte, error) {
	if err := requireTwoOps(ops, lineNo, "lea"); err != nil {
		return nil, err
	}
	dst, src := ops[0], ops[1]
	if dst.kind != opRegister || src.kind != opMemory || src.memBase != "rip" {
		return nil, &lineError{lineNo, "lea is only supported for register, [rip + label] operands", "invalid-instruction"}
	}
	out := maybeRex(dst.reg.Size == 64, dst.reg.Encoding >= 8, false, false)
	out = append(out, 0x8D, (dst.reg.Encoding&7)<<3|5) // ModRM.rm=101 (RIP-relative), mod=00

	disp, err := ripDisplacement(src, addr, len(out)+4, lineNo, resolve)
	if err != nil {
		return nil, err
	}
	return append(out, imm32(uint32(disp))...), nil
}

func ripDisplacement(mem operand, instrAddr uint64, totalLen int, lineNo int, resolve resolver) (int32, error) {
	nextAddr := instrAddr + uint64(totalLen)
	var target uint64
	if mem.label != "" {
		t, ok := resolve(mem.label)
		if !ok {
			return 0, &lineError{lineNo, fmt.Sprintf("undefined label %q", mem.label), "undefined-label"}
		}
		target = t
	} else {
		// memDisp already carries the sign of a "[rip - 0xN]" operand.
		target = nextAddr + uint64(mem.memDisp)
	}
	return int32(int64(target) - int64(nextAddr)), nil
}

var arithOpcodes = map[string]struct{ regOp, regFieldForImm uint8 }{
	"add": {0x01, 0}, "or": {0x09, 1}, "adc": {0x11, 2}, "sbb": {0x19, 3},
	"and": {0x21, 4}, "sub": {0x29, 5}, "xor": {0x31, 6}, "cmp": {0x39, 7},
}

// encodeArith handles the register-register and register-immediate forms
// of add/or/adc/sbb/and/sub/xor/cmp, the same opcode family the teacher's
// mov.go/cmp.go select by /digit extension in ModR/M.reg.
func encodeArith(mnem string, ops []operand, lineNo int) ([]byte, error) {
	if err := requireTwoOps(ops, lineNo, mnem); err != nil {
		return nil, err
	}
	info := arithOpcodes[mnem]
	dst, src := ops[0], ops[1]
	if dst.kind != opRegister {
		return nil, &lineError{lineNo, mnem + " destination must be a register", "invalid-instruction"}
	}
	switch src.kind {
	case opRegister:
		out := maybeRex(dst.reg.Size == 64, src.reg.Encoding >= 8, false, dst.reg.Encoding >= 8)
		return append(out, info.regOp, modrmRegDirect(src.reg.Encoding, dst.reg.Encoding)), nil
	case opImmediate:
		out := maybeRex(dst.reg.Size == 64, false, false, dst.reg.Encoding >= 8)
		out = append(out, 0x81, modrmRegDirect(info.regFieldForImm, dst.reg.Encoding))
		return append(out, imm32(uint32(src.imm))...), nil
	default:
		return nil, &lineError{lineNo, mnem + " source must be a register or immediate", "invalid-instruction"}
	}
}

func encodeTest(ops []operand, lineNo int) ([]byte, error) {
	if err := requireTwoOps(ops, lineNo, "test"); err != nil {
		return nil, err
	}
	dst, src := ops[0], ops[1]
	if dst.kind != opRegister {
		return nil, &lineError{lineNo, "test destination must be a register", "invalid-instruction"}
	}
	switch src.kind {
	case opRegister:
		out := maybeRex(dst.reg.Size == 64, src.reg.Encoding >= 8, false, dst.reg.Encoding >= 8)
		return append(out, 0x85, modrmRegDirect(src.reg.Encoding, dst.reg.Encoding)), nil
	case opImmediate:
		out := maybeRex(dst.reg.Size == 64, false, false, dst.reg.Encoding >= 8)
		out = append(out, 0xF7, modrmRegDirect(0, dst.reg.Encoding))
		return append(out, imm32(uint32(src.imm))...), nil
	default:
		return nil, &lineError{lineNo, "test source must be a register or immediate", "invalid-instruction"}
	}
}

func encodePush(ops []operand, lineNo int) ([]byte, error) {
	if len(ops) != 1 || ops[0].kind != opRegister {
		return nil, &lineError{lineNo, "push requires one register operand", "invalid-instruction"}
	}
	reg := ops[0].reg
	out := maybeRex(false, false, false, reg.Encoding >= 8)
	return append(out, 0x50+(reg.Encoding&7)), nil
}

func encodePop(ops []operand, lineNo int) ([]byte, error) {
	if len(ops) != 1 || ops[0].kind != opRegister {
		return nil, &lineError{lineNo, "pop requires one register operand", "invalid-instruction"}
	}
	reg := ops[0].reg
	out := maybeRex(false, false, false, reg.Encoding >= 8)
	return append(out, 0x58+(reg.Encoding&7)), nil
}

var unaryRegField = map[string]uint8{"inc": 0, "dec": 1, "not": 2, "neg": 3}

func encodeUnary(mnem string, ops []operand, lineNo int) ([]byte, error) {
	if len(ops) != 1 || ops[0].kind != opRegister {
		return nil, &lineError{lineNo, mnem + " requires one register operand", "invalid-instruction"}
	}
	reg := ops[0].reg
	opcode := uint8(0xFF)
	if mnem == "not" || mnem == "neg" {
		opcode = 0xF7
	}
	out := maybeRex(reg.Size == 64, false, false, reg.Encoding >= 8)
	return append(out, opcode, modrmRegDirect(unaryRegField[mnem], reg.Encoding)), nil
}

func encodeJump(shortOp byte, longOp []byte, ops []operand, addr uint64, lineNo int, resolve resolver) ([]byte, error) {
	if len(ops) != 1 || ops[0].kind != opLabel {
		return nil, &lineError{lineNo, "jump target must be a label", "invalid-instruction"}
	}
	var prefix []byte
	if longOp != nil {
		prefix = longOp
	} else {
		prefix = []byte{shortOp}
	}
	totalLen := len(prefix) + 4
	target, ok := resolve(ops[0].label)
	if !ok {
		return nil, &lineError{lineNo, fmt.Sprintf("undefined label %q", ops[0].label), "undefined-label"}
	}
	disp := int32(int64(target) - int64(addr+uint64(totalLen)))
	return append(append([]byte{}, prefix...), imm32(uint32(disp))...), nil
}

// encodeCall handles "call label" (direct rel32) and
// "call [rip + label]" / "call qword ptr [rip + label]" (indirect through
// an IAT slot), mirroring the teacher's PatchPECallsToIAT rewrite of a
// direct CALL into CALL [RIP+disp32] for import targets.
func encodeCall(ops []operand, addr uint64, lineNo int, resolve resolver) ([]byte, error) {
	if len(ops) != 1 {
		return nil, &lineError{lineNo, "call requires exactly one operand", "invalid-instruction"}
	}
	switch ops[0].kind {
	case opLabel:
		target, ok := resolve(ops[0].label)
		if !ok {
			return nil, &lineError{lineNo, fmt.Sprintf("undefined label %q", ops[0].label), "undefined-label"}
		}
		disp := int32(int64(target) - int64(addr+5))
		return append([]byte{0xE8}, imm32(uint32(disp))...), nil
	case opMemory:
		if ops[0].memBase != "rip" {
			return nil, &lineError{lineNo, "call [mem] is only supported for [rip + label]", "invalid-instruction"}
		}
		out := []byte{0xFF, 0x15}
		disp, err := ripDisplacement(ops[0], addr, len(out)+4, lineNo, resolve)
		if err != nil {
			return nil, err
		}
		return append(out, imm32(uint32(disp))...), nil
	default:
		return nil, &lineError{lineNo, "call target must be a label or [rip + label]", "invalid-instruction"}
	}
}

func imm32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
