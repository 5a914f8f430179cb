package x86isa

import (
	"testing"

	"github.com/sarchlab/coresim/isa"
)

type fakeMachine struct {
	regs   [8]uint32
	pc     uint32
	target uint32
	sysnum uint32
	fault  bool
}

func (f *fakeMachine) Reg(n int) uint32          { return f.regs[n] }
func (f *fakeMachine) SetReg(n int, v uint32)    { f.regs[n] = v }
func (f *fakeMachine) PC() uint32                { return f.pc }
func (f *fakeMachine) SetPC(v uint32)            { f.pc = v }
func (f *fakeMachine) SetTargetPC(v uint32)      { f.target = v }
func (f *fakeMachine) ReadMem(a uint32, d []byte) error  { return nil }
func (f *fakeMachine) WriteMem(a uint32, s []byte) error { return nil }
func (f *fakeMachine) Syscall(num uint32)        { f.sysnum = num }
func (f *fakeMachine) Fault(sig int, reason string) { f.fault = true }

func TestDecodeMovImm(t *testing.T) {
	// B8 2A 00 00 00 -> MOV eax, 42
	bytes := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00}
	inst, n, err := Decode(bytes)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || inst.Opcode != "MOV_IMM" {
		t.Fatalf("decode = %+v, %d", inst, n)
	}

	m := &fakeMachine{}
	Table.Exec(m, inst)
	if m.Reg(0) != 42 {
		t.Fatalf("eax = %d, want 42", m.Reg(0))
	}
}

func TestDecodeAddRR(t *testing.T) {
	// 01 D8 -> ADD eax, ebx (ModRM: mod=11 reg=ebx(3) rm=eax(0))
	bytes := []byte{0x01, 0xD8}
	inst, n, err := Decode(bytes)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || inst.Opcode != "ADD_RR" {
		t.Fatalf("decode = %+v, %d", inst, n)
	}

	m := &fakeMachine{}
	m.SetReg(0, 10) // eax
	m.SetReg(3, 32) // ebx
	Table.Exec(m, inst)
	if m.Reg(0) != 42 {
		t.Fatalf("eax = %d, want 42", m.Reg(0))
	}
}

func TestInt80DispatchesSyscall(t *testing.T) {
	bytes := []byte{0xCD, 0x80}
	inst, n, err := Decode(bytes)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("want length 2, got %d", n)
	}

	m := &fakeMachine{}
	m.SetReg(0, 1) // eax = sys_exit convention in this subset
	Table.Exec(m, inst)
	if m.sysnum != 1 {
		t.Fatalf("syscall number = %d, want 1", m.sysnum)
	}
}

func TestIndirectModRMUnsupported(t *testing.T) {
	// 01 00 -> ADD [eax], eax (mod=00, memory operand) -- unsupported
	_, _, err := Decode([]byte{0x01, 0x00})
	if err == nil {
		t.Fatalf("expected decode error for memory-operand ModRM")
	}
}

var _ isa.Machine = (*fakeMachine)(nil)
