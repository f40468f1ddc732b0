package trap

import (
	"golang.org/x/arch/x86/x86asm"
)

// FaultKind classifies what the faulting instruction was doing, for
// the cases where the hardware error code alone doesn't say (e.g. an
// instruction fetch from a non-executable page reports the same
// present/write bits as a data access on some generations).
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultRead
	FaultWrite
	FaultExec
)

// classifyFault decodes the instruction at f.RIP to tell a fetch from
// a data access. f.Text is a short window of bytes starting at RIP;
// if it's too short to decode or absent, the classification falls
// back to FaultUnknown. Its caller (pagefault) discards the result and
// proceeds on the VMM's error and the hardware error code alone.
func classifyFault(f Frame) FaultKind {
	if len(f.Text) == 0 {
		return FaultUnknown
	}
	inst, err := x86asm.Decode(f.Text, 64)
	if err != nil {
		return FaultUnknown
	}
	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if _, ismem := arg.(x86asm.Mem); ismem {
			if writesMemory(inst.Op) {
				return FaultWrite
			}
			return FaultRead
		}
	}
	return FaultExec
}

// writesMemory reports whether op's first operand (by x86 convention,
// the destination) is written rather than only read, for the common
// instructions a page-faulting access is likely to be.
func writesMemory(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.STOS, x86asm.MOVS,
		x86asm.PUSH, x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR,
		x86asm.INC, x86asm.DEC, x86asm.XCHG, x86asm.CMPXCHG:
		return true
	default:
		return false
	}
}
