// Package mipsisa decodes and executes the MIPS32 subset this simulator
// needs to run a statically linked guest binary: arithmetic/logical
// R-type and I-type instructions, loads/stores, branches, jumps, and the
// syscall trap. Grounded on the teacher's instFuncs dispatch map
// (core/emu.go) and instr/isa.go's name-to-behavior ISA registration.
package mipsisa

import (
	"fmt"

	"github.com/sarchlab/coresim/isa"
)

// Linux signal numbers used by fault reporting. Defined locally rather
// than imported, to keep isa/* free of a dependency on the syscall layer.
const (
	sigILL  = 4
	sigFPE  = 8
	sigBUS  = 7
	sigSEGV = 11
)

const wordSize = 4

// Table is the MIPS32 dispatch table, built once at package init.
var Table = isa.NewTable("mips32")

// Decode splits a raw 32-bit big-endian-field-order MIPS instruction word
// into opcode/funct and its operand fields. MIPS is always little-endian
// byte order in this simulator (matching the ELF class this spec loads),
// but the instruction WORD's bitfields are defined MSB-first regardless of
// byte order, per the architecture manual.
func Decode(word uint32) (isa.Inst, error) {
	op := word >> 26 & 0x3F
	rs := int32(word >> 21 & 0x1F)
	rt := int32(word >> 16 & 0x1F)
	rd := int32(word >> 11 & 0x1F)
	shamt := int32(word >> 6 & 0x1F)
	funct := word & 0x3F
	imm := int32(int16(word & 0xFFFF)) // sign-extended
	uimm := int32(word & 0xFFFF)
	target := int32(word & 0x3FFFFFF)

	fields := map[string]int32{
		"rs": rs, "rt": rt, "rd": rd, "shamt": shamt,
		"imm": imm, "uimm": uimm, "target": target,
	}

	switch op {
	case 0x00: // SPECIAL (R-type)
		name, ok := rTypeNames[funct]
		if !ok {
			return isa.Inst{}, fmt.Errorf("mipsisa: unknown funct %#x", funct)
		}
		return isa.Inst{Opcode: name, Fields: fields}, nil
	case 0x02:
		return isa.Inst{Opcode: "J", Fields: fields}, nil
	case 0x03:
		return isa.Inst{Opcode: "JAL", Fields: fields}, nil
	default:
		name, ok := iTypeNames[op]
		if !ok {
			return isa.Inst{}, fmt.Errorf("mipsisa: unknown opcode %#x", op)
		}
		return isa.Inst{Opcode: name, Fields: fields}, nil
	}
}

var rTypeNames = map[uint32]string{
	0x00: "SLL", 0x02: "SRL", 0x03: "SRA",
	0x08: "JR", 0x09: "JALR",
	0x0C: "SYSCALL",
	0x20: "ADD", 0x21: "ADDU",
	0x22: "SUB", 0x23: "SUBU",
	0x24: "AND", 0x25: "OR", 0x26: "XOR", 0x27: "NOR",
	0x2A: "SLT", 0x2B: "SLTU",
}

var iTypeNames = map[uint32]string{
	0x04: "BEQ", 0x05: "BNE", 0x06: "BLEZ", 0x07: "BGTZ",
	0x08: "ADDI", 0x09: "ADDIU",
	0x0A: "SLTI", 0x0B: "SLTIU",
	0x0C: "ANDI", 0x0D: "ORI", 0x0E: "XORI",
	0x0F: "LUI",
	0x20: "LB", 0x21: "LH", 0x23: "LW", 0x24: "LBU", 0x25: "LHU",
	0x28: "SB", 0x29: "SH", 0x2B: "SW",
}

func reg(m isa.Machine, n int32) uint32 {
	if n == 0 {
		return 0
	}
	return m.Reg(int(n))
}

func setReg(m isa.Machine, n int32, v uint32) {
	if n == 0 {
		return // $zero is hardwired
	}
	m.SetReg(int(n), v)
}

func advance(m isa.Machine) {
	m.SetPC(m.PC() + wordSize)
}

// branch computes the branch target (PC + 4 + imm*4, matching the
// architectural delay-slot-relative base) and always records it via
// SetTargetPC for speculative execution, taking it only if taken is true.
// This simulator does not model the branch delay slot: the instruction
// immediately following a taken branch is simply skipped, a documented
// simplification from the hardware's delay-slot semantics.
func branch(m isa.Machine, inst isa.Inst, taken bool) {
	target := uint32(int32(m.PC()) + wordSize + inst.Fields["imm"]*wordSize)
	m.SetTargetPC(target)
	if taken {
		m.SetPC(target)
		return
	}
	advance(m)
}

func init() {
	Table.Register("SLL", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rt"])<<uint(i.Fields["shamt"]))
		advance(m)
	})
	Table.Register("SRL", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rt"])>>uint(i.Fields["shamt"]))
		advance(m)
	})
	Table.Register("SRA", func(m isa.Machine, i isa.Inst) {
		v := int32(reg(m, i.Fields["rt"])) >> uint(i.Fields["shamt"])
		setReg(m, i.Fields["rd"], uint32(v))
		advance(m)
	})
	Table.Register("ADD", func(m isa.Machine, i isa.Inst) {
		a, b := int32(reg(m, i.Fields["rs"])), int32(reg(m, i.Fields["rt"]))
		sum := a + b
		if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum > 0) {
			m.Fault(sigFPE, "integer overflow in ADD")
			return
		}
		setReg(m, i.Fields["rd"], uint32(sum))
		advance(m)
	})
	Table.Register("ADDU", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])+reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("SUB", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])-reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("SUBU", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])-reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("AND", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])&reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("OR", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])|reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("XOR", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], reg(m, i.Fields["rs"])^reg(m, i.Fields["rt"]))
		advance(m)
	})
	Table.Register("NOR", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rd"], ^(reg(m, i.Fields["rs"]) | reg(m, i.Fields["rt"])))
		advance(m)
	})
	Table.Register("SLT", func(m isa.Machine, i isa.Inst) {
		v := uint32(0)
		if int32(reg(m, i.Fields["rs"])) < int32(reg(m, i.Fields["rt"])) {
			v = 1
		}
		setReg(m, i.Fields["rd"], v)
		advance(m)
	})
	Table.Register("SLTU", func(m isa.Machine, i isa.Inst) {
		v := uint32(0)
		if reg(m, i.Fields["rs"]) < reg(m, i.Fields["rt"]) {
			v = 1
		}
		setReg(m, i.Fields["rd"], v)
		advance(m)
	})
	Table.Register("JR", func(m isa.Machine, i isa.Inst) {
		m.SetTargetPC(reg(m, i.Fields["rs"]))
		m.SetPC(reg(m, i.Fields["rs"]))
	})
	Table.Register("JALR", func(m isa.Machine, i isa.Inst) {
		link := m.PC() + wordSize
		target := reg(m, i.Fields["rs"])
		setReg(m, i.Fields["rd"], link)
		m.SetTargetPC(target)
		m.SetPC(target)
	})
	Table.Register("SYSCALL", func(m isa.Machine, i isa.Inst) {
		m.Syscall(reg(m, 2)) // MIPS o32 ABI: syscall number in $v0
		advance(m)
	})

	Table.Register("ADDI", func(m isa.Machine, i isa.Inst) {
		a := int32(reg(m, i.Fields["rs"]))
		sum := a + i.Fields["imm"]
		if (a > 0 && i.Fields["imm"] > 0 && sum < 0) || (a < 0 && i.Fields["imm"] < 0 && sum > 0) {
			m.Fault(sigFPE, "integer overflow in ADDI")
			return
		}
		setReg(m, i.Fields["rt"], uint32(sum))
		advance(m)
	})
	Table.Register("ADDIU", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rt"], uint32(int32(reg(m, i.Fields["rs"]))+i.Fields["imm"]))
		advance(m)
	})
	Table.Register("SLTI", func(m isa.Machine, i isa.Inst) {
		v := uint32(0)
		if int32(reg(m, i.Fields["rs"])) < i.Fields["imm"] {
			v = 1
		}
		setReg(m, i.Fields["rt"], v)
		advance(m)
	})
	Table.Register("SLTIU", func(m isa.Machine, i isa.Inst) {
		v := uint32(0)
		if reg(m, i.Fields["rs"]) < uint32(i.Fields["imm"]) {
			v = 1
		}
		setReg(m, i.Fields["rt"], v)
		advance(m)
	})
	Table.Register("ANDI", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rt"], reg(m, i.Fields["rs"])&uint32(i.Fields["uimm"]))
		advance(m)
	})
	Table.Register("ORI", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rt"], reg(m, i.Fields["rs"])|uint32(i.Fields["uimm"]))
		advance(m)
	})
	Table.Register("XORI", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rt"], reg(m, i.Fields["rs"])^uint32(i.Fields["uimm"]))
		advance(m)
	})
	Table.Register("LUI", func(m isa.Machine, i isa.Inst) {
		setReg(m, i.Fields["rt"], uint32(i.Fields["uimm"])<<16)
		advance(m)
	})

	Table.Register("LB", func(m isa.Machine, i isa.Inst) { load(m, i, 1, true) })
	Table.Register("LBU", func(m isa.Machine, i isa.Inst) { load(m, i, 1, false) })
	Table.Register("LH", func(m isa.Machine, i isa.Inst) { load(m, i, 2, true) })
	Table.Register("LHU", func(m isa.Machine, i isa.Inst) { load(m, i, 2, false) })
	Table.Register("LW", func(m isa.Machine, i isa.Inst) { load(m, i, 4, true) })
	Table.Register("SB", func(m isa.Machine, i isa.Inst) { store(m, i, 1) })
	Table.Register("SH", func(m isa.Machine, i isa.Inst) { store(m, i, 2) })
	Table.Register("SW", func(m isa.Machine, i isa.Inst) { store(m, i, 4) })

	Table.Register("BEQ", func(m isa.Machine, i isa.Inst) {
		branch(m, i, reg(m, i.Fields["rs"]) == reg(m, i.Fields["rt"]))
	})
	Table.Register("BNE", func(m isa.Machine, i isa.Inst) {
		branch(m, i, reg(m, i.Fields["rs"]) != reg(m, i.Fields["rt"]))
	})
	Table.Register("BLEZ", func(m isa.Machine, i isa.Inst) {
		branch(m, i, int32(reg(m, i.Fields["rs"])) <= 0)
	})
	Table.Register("BGTZ", func(m isa.Machine, i isa.Inst) {
		branch(m, i, int32(reg(m, i.Fields["rs"])) > 0)
	})

	Table.Register("J", func(m isa.Machine, i isa.Inst) {
		target := (m.PC() & 0xF0000000) | uint32(i.Fields["target"])<<2
		m.SetTargetPC(target)
		m.SetPC(target)
	})
	Table.Register("JAL", func(m isa.Machine, i isa.Inst) {
		link := m.PC() + wordSize
		target := (m.PC() & 0xF0000000) | uint32(i.Fields["target"])<<2
		setReg(m, 31, link)
		m.SetTargetPC(target)
		m.SetPC(target)
	})
}

func load(m isa.Machine, i isa.Inst, size int, signed bool) {
	addr := reg(m, i.Fields["rs"]) + uint32(i.Fields["imm"])
	if size > 1 && addr%uint32(size) != 0 {
		m.Fault(sigBUS, "unaligned load")
		return
	}
	buf := make([]byte, size)
	if err := m.ReadMem(addr, buf); err != nil {
		m.Fault(sigSEGV, err.Error())
		return
	}
	var v uint32
	switch size {
	case 1:
		v = uint32(buf[0])
		if signed {
			v = uint32(int32(int8(buf[0])))
		}
	case 2:
		v = uint32(buf[0]) | uint32(buf[1])<<8
		if signed {
			v = uint32(int32(int16(v)))
		}
	case 4:
		v = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	}
	setReg(m, i.Fields["rt"], v)
	advance(m)
}

func store(m isa.Machine, i isa.Inst, size int) {
	addr := reg(m, i.Fields["rs"]) + uint32(i.Fields["imm"])
	if size > 1 && addr%uint32(size) != 0 {
		m.Fault(sigBUS, "unaligned store")
		return
	}
	v := reg(m, i.Fields["rt"])
	buf := make([]byte, size)
	for k := 0; k < size; k++ {
		buf[k] = byte(v >> (8 * uint(k)))
	}
	if err := m.WriteMem(addr, buf); err != nil {
		m.Fault(sigSEGV, err.Error())
		return
	}
	advance(m)
}

var _ isa.Decoder = decoderFunc(Decode)

type decoderFunc func(uint32) (isa.Inst, error)

func (f decoderFunc) Decode(word uint32) (isa.Inst, error) { return f(word) }
