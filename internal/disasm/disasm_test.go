package disasm

import "testing"

func TestExtractRIPOffset(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		off     uint64
		neg     bool
		wantOK  bool
	}{
		{"mov positive", "mov rax, [rip + 0x2f4a]", 0x2f4a, false, true},
		{"call positive", "call qword ptr [rip + 0x1234]", 0x1234, false, true},
		{"lea negative", "lea rdi, [rip - 0x10]", 0x10, true, true},
		{"no rip", "mov rax, rbx", 0, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			off, neg, ok := ExtractRIPOffset(c.text)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if !ok {
				return
			}
			if off != c.off || neg != c.neg {
				t.Fatalf("got (0x%x, neg=%v), want (0x%x, neg=%v)", off, neg, c.off, c.neg)
			}
		})
	}
}

func TestAddressesMonotonicWithinSection(t *testing.T) {
	sec := SectionResult{Instructions: []Instruction{
		{Address: 0x1000}, {Address: 0x1002}, {Address: 0x1005},
	}}
	for i := 1; i < len(sec.Instructions); i++ {
		if sec.Instructions[i].Address <= sec.Instructions[i-1].Address {
			t.Fatalf("addresses not increasing at %d", i)
		}
	}
}
