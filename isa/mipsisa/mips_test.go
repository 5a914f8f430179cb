package mipsisa

import (
	"testing"

	"github.com/sarchlab/coresim/isa"
)

type fakeMachine struct {
	regs       [32]uint32
	pc, target uint32
	mem        map[uint32]byte
	faultSig   int
	faultMsg   string
	sysnum     uint32
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{mem: make(map[uint32]byte)}
}

func (f *fakeMachine) Reg(n int) uint32     { return f.regs[n] }
func (f *fakeMachine) SetReg(n int, v uint32) { f.regs[n] = v }
func (f *fakeMachine) PC() uint32           { return f.pc }
func (f *fakeMachine) SetPC(v uint32)       { f.pc = v }
func (f *fakeMachine) SetTargetPC(v uint32) { f.target = v }
func (f *fakeMachine) ReadMem(addr uint32, dst []byte) error {
	for i := range dst {
		dst[i] = f.mem[addr+uint32(i)]
	}
	return nil
}
func (f *fakeMachine) WriteMem(addr uint32, src []byte) error {
	for i, b := range src {
		f.mem[addr+uint32(i)] = b
	}
	return nil
}
func (f *fakeMachine) Syscall(num uint32)        { f.sysnum = num }
func (f *fakeMachine) Fault(sig int, reason string) { f.faultSig, f.faultMsg = sig, reason }

func encodeR(funct, rs, rt, rd, shamt uint32) uint32 {
	return rs<<21 | rt<<16 | rd<<11 | shamt<<6 | funct
}

func encodeI(op, rs, rt uint32, imm int16) uint32 {
	return op<<26 | rs<<21 | rt<<16 | uint32(uint16(imm))
}

func TestDecodeAndExecAddiu(t *testing.T) {
	word := encodeI(0x09, 0, 8, 42) // ADDIU $t0, $zero, 42
	inst, err := Decode(word)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Opcode != "ADDIU" {
		t.Fatalf("opcode = %q, want ADDIU", inst.Opcode)
	}

	m := newFakeMachine()
	if err := Table.Exec(m, inst); err != nil {
		t.Fatal(err)
	}
	if m.Reg(8) != 42 {
		t.Fatalf("$t0 = %d, want 42", m.Reg(8))
	}
	if m.pc != wordSize {
		t.Fatalf("PC did not advance: %d", m.pc)
	}
}

func TestRegisterZeroIsHardwired(t *testing.T) {
	word := encodeI(0x09, 0, 0, 5) // ADDIU $zero, $zero, 5
	inst, _ := Decode(word)
	m := newFakeMachine()
	Table.Exec(m, inst)
	if m.Reg(0) != 0 {
		t.Fatalf("$zero was written: %d", m.Reg(0))
	}
}

func TestBeqTakenSetsTargetAndPC(t *testing.T) {
	word := encodeI(0x04, 1, 2, 4) // BEQ $1, $2, +4 instructions
	inst, _ := Decode(word)

	m := newFakeMachine()
	m.SetReg(1, 7)
	m.SetReg(2, 7)
	m.pc = 0x1000
	Table.Exec(m, inst)

	want := uint32(0x1000 + wordSize + 4*wordSize)
	if m.target != want {
		t.Fatalf("target = %#x, want %#x", m.target, want)
	}
	if m.pc != want {
		t.Fatalf("branch not taken: pc = %#x, want %#x", m.pc, want)
	}
}

func TestBeqNotTakenStillRecordsTarget(t *testing.T) {
	word := encodeI(0x04, 1, 2, 4)
	inst, _ := Decode(word)

	m := newFakeMachine()
	m.SetReg(1, 1)
	m.SetReg(2, 2)
	m.pc = 0x2000
	Table.Exec(m, inst)

	if m.target == 0 {
		t.Fatalf("branch target not recorded when not taken")
	}
	if m.pc != 0x2000+wordSize {
		t.Fatalf("pc = %#x, want fallthrough", m.pc)
	}
}

func TestLwSwRoundtrip(t *testing.T) {
	sw := encodeI(0x2B, 1, 2, 0) // SW $2, 0($1)
	lw := encodeI(0x23, 1, 3, 0) // LW $3, 0($1)

	m := newFakeMachine()
	m.SetReg(1, 0x4000)
	m.SetReg(2, 0xDEADBEEF)

	swInst, _ := Decode(sw)
	Table.Exec(m, swInst)

	lwInst, _ := Decode(lw)
	Table.Exec(m, lwInst)

	if m.Reg(3) != 0xDEADBEEF {
		t.Fatalf("LW result = %#x, want 0xDEADBEEF", m.Reg(3))
	}
}

func TestSyscallDispatchesByV0(t *testing.T) {
	word := uint32(0x0C) // SYSCALL, all other fields zero
	inst, err := Decode(word)
	if err != nil {
		t.Fatal(err)
	}
	m := newFakeMachine()
	m.SetReg(2, 4004) // $v0 = sys_write
	Table.Exec(m, inst)
	if m.sysnum != 4004 {
		t.Fatalf("syscall number = %d, want 4004", m.sysnum)
	}
}

func TestUnalignedLoadFaults(t *testing.T) {
	lw := encodeI(0x23, 1, 3, 1) // LW $3, 1($1) -- misaligned
	m := newFakeMachine()
	m.SetReg(1, 0x1000)
	inst, _ := Decode(lw)
	Table.Exec(m, inst)
	if m.faultSig != sigBUS {
		t.Fatalf("expected SIGBUS fault, got %d", m.faultSig)
	}
}

var _ isa.Machine = (*fakeMachine)(nil)
