package asmx86

import (
	"strconv"
	"strings"
)

type sectionKind int

const (
	sectionText sectionKind = iota
	sectionData
)

type lineKind int

const (
	lineLabel lineKind = iota
	lineDirective
	lineInstruction
	lineBlank
)

// line is one tokenized input line, produced by pass 1's tokenizer.
type line struct {
	kind       lineKind
	lineNo     int
	label      string
	directive  string
	directArgs string
	mnemonic   string
	operands   []string // raw operand text, split on top-level commas
	section    sectionKind
}

func tokenize(listing string) []line {
	var out []line
	for i, raw := range strings.Split(listing, "\n") {
		lineNo := i + 1
		text := raw
		if idx := strings.IndexAny(text, ";#"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			out = append(out, line{kind: lineBlank, lineNo: lineNo})
			continue
		}

		if strings.HasPrefix(text, ".") {
			fields := strings.SplitN(text, " ", 2)
			d := line{kind: lineDirective, lineNo: lineNo, directive: fields[0]}
			if len(fields) > 1 {
				d.directArgs = strings.TrimSpace(fields[1])
			}
			out = append(out, d)
			continue
		}

		if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
			out = append(out, line{kind: lineLabel, lineNo: lineNo, label: strings.TrimSuffix(text, ":")})
			continue
		}

		// "label: rest" on a single line (label definition followed by an instruction).
		if idx := strings.Index(text, ":"); idx >= 0 && !strings.Contains(text[:idx], " ") && !strings.Contains(text[:idx], "[") {
			out = append(out, line{kind: lineLabel, lineNo: lineNo, label: strings.TrimSpace(text[:idx])})
			rest := strings.TrimSpace(text[idx+1:])
			if rest == "" {
				continue
			}
			text = rest
		}

		fields := strings.SplitN(text, " ", 2)
		instr := line{kind: lineInstruction, lineNo: lineNo, mnemonic: strings.ToLower(fields[0])}
		if len(fields) > 1 {
			instr.operands = splitOperands(fields[1])
		}
		out = append(out, instr)
	}
	return out
}

// splitOperands splits on commas that are not nested inside brackets.
func splitOperands(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

// operandKind classifies a single operand after stripping an optional
// "byte/word/dword/qword ptr" size prefix.
type operandKind int

const (
	opRegister operandKind = iota
	opImmediate
	opMemory
	opLabel
)

type operand struct {
	kind     operandKind
	reg      Register
	imm      int64
	memBase  string // "rip" or a register name, empty if absent
	memDisp  int64
	isNegDisp bool
	label    string // unresolved symbol name used as an immediate (call/jmp target) or inside [rip + label]
}

func parseOperand(text string) (operand, bool) {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"byte ptr", "word ptr", "dword ptr", "qword ptr"} {
		if strings.HasPrefix(strings.ToLower(text), prefix) {
			text = strings.TrimSpace(text[len(prefix):])
		}
	}

	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		inner := strings.TrimSpace(text[1 : len(text)-1])
		return parseMemoryOperand(inner)
	}

	if reg, ok := LookupRegister(text); ok {
		return operand{kind: opRegister, reg: reg}, true
	}

	if v, ok := parseImmediate(text); ok {
		return operand{kind: opImmediate, imm: v}, true
	}

	if isIdentifier(text) {
		return operand{kind: opLabel, label: text}, true
	}

	return operand{}, false
}

func parseMemoryOperand(inner string) (operand, bool) {
	op := operand{kind: opMemory}
	inner = strings.TrimSpace(inner)

	sign := int64(1)
	signIdx := -1
	for i := len(inner) - 1; i > 0; i-- {
		if inner[i] == '+' || inner[i] == '-' {
			signIdx = i
			if inner[i] == '-' {
				sign = -1
			}
			break
		}
	}

	base := inner
	var rest string
	if signIdx >= 0 {
		base = strings.TrimSpace(inner[:signIdx])
		rest = strings.TrimSpace(inner[signIdx+1:])
	}

	op.memBase = base

	if rest != "" {
		// rest is either a hex/decimal displacement or a label name.
		if v, ok := parseImmediate(rest); ok {
			op.memDisp = sign * v
			op.isNegDisp = sign < 0
		} else if isIdentifier(rest) {
			op.label = rest
			op.isNegDisp = sign < 0
		} else {
			return operand{}, false
		}
	}

	return op, true
}

func parseImmediate(text string) (int64, bool) {
	text = strings.TrimSpace(text)
	neg := false
	if strings.HasPrefix(text, "-") {
		neg = true
		text = text[1:]
	}
	var v uint64
	var err error
	if strings.HasPrefix(strings.ToLower(text), "0x") {
		v, err = strconv.ParseUint(text[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return 0, false
	}
	if neg {
		return -int64(v), true
	}
	return int64(v), true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
