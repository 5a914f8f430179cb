package process

import (
	"testing"

	"github.com/sarchlab/coresim/elfload"
	"github.com/sarchlab/coresim/engine"
	"github.com/sarchlab/coresim/guestsys"
	"github.com/sarchlab/coresim/vmem"
)

const (
	codeAddr  = 0x10000
	dataAddr  = 0x20000
	stackAddr = 0x60000000
)

func encodeR(funct, rs, rt, rd, shamt uint32) uint32 {
	return rs<<21 | rt<<16 | rd<<11 | shamt<<6 | funct
}

func encodeI(op, rs, rt uint32, imm int16) uint32 {
	return op<<26 | rs<<21 | rt<<16 | uint32(uint16(imm))
}

func putWord(t *testing.T, im *vmem.Image, addr, word uint32) {
	t.Helper()
	buf := []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	if err := im.Write(addr, buf); err != nil {
		t.Fatalf("putWord: %v", err)
	}
}

func newTestManager(t *testing.T) (*Manager, *engine.Kernel) {
	t.Helper()
	k := engine.NewKernel()
	m := NewManager(k)
	return m, k
}

func newTestContext(t *testing.T, m *Manager) (*Context, *vmem.Image) {
	t.Helper()
	im := vmem.NewImage(0x30000, 0x70000000)
	if err := im.Map(codeAddr, vmem.PageSize, vmem.PermRead|vmem.PermWrite|vmem.PermExec); err != nil {
		t.Fatal(err)
	}
	if err := im.Map(dataAddr, vmem.PageSize, vmem.PermRead|vmem.PermWrite); err != nil {
		t.Fatal(err)
	}
	ld := &elfload.Image{Cwd: "/"}
	c := m.Spawn(MIPS32, im, ld, codeAddr, stackAddr)
	return c, im
}

func TestStepExecutesAddiuAndAdvancesPC(t *testing.T) {
	m, _ := newTestManager(t)
	c, im := newTestContext(t, m)

	putWord(t, im, codeAddr, encodeI(0x09, 0, 8, 42)) // ADDIU $t0, $zero, 42
	c.Step()

	if c.Reg(8) != 42 {
		t.Fatalf("$t0 = %d, want 42", c.Reg(8))
	}
	if c.PC() != codeAddr+4 {
		t.Fatalf("PC = %#x, want %#x", c.PC(), codeAddr+4)
	}
}

func TestSyscallDispatchesThroughGuestsys(t *testing.T) {
	m, _ := newTestManager(t)
	c, im := newTestContext(t, m)

	c.SetReg(2, guestsys.SysBrk) // $v0 = __NR_brk
	c.SetReg(4, 0)               // a0 = 0 (query)
	putWord(t, im, codeAddr, encodeR(0x0C, 0, 0, 0, 0)) // SYSCALL
	c.Step()

	if c.Reg(2) != 0x30000 {
		t.Fatalf("brk(0) via syscall = %#x, want 0x30000", c.Reg(2))
	}
}

// TestCloneVMSharesMemory exercises P7: a post-clone write in the child is
// observed by the parent.
func TestCloneVMSharesMemory(t *testing.T) {
	m, _ := newTestManager(t)
	parent, im := newTestContext(t, m)

	flags := uint32(cloneVM | cloneFS | cloneFILES | cloneSIGHAND)
	childPid, err := m.clone(parent, flags, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	var child *Context
	for _, c := range m.Contexts() {
		if c.Pid() == childPid {
			child = c
		}
	}
	if child == nil {
		t.Fatal("child context not found")
	}

	child.SetReg(8, dataAddr)
	child.SetReg(9, 0xCAFEBABE)
	putWord(t, im, codeAddr, encodeI(0x2B, 8, 9, 0)) // SW $t1, 0($t0) -- shared image
	child.Step()

	var buf [4]byte
	if err := parent.ReadMem(dataAddr, buf[:]); err != nil {
		t.Fatal(err)
	}
	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if got != 0xCAFEBABE {
		t.Fatalf("parent observed %#x, want 0xCAFEBABE", got)
	}
}

func TestCloneWithoutRequiredFlagsIsFatal(t *testing.T) {
	m, _ := newTestManager(t)
	parent, _ := newTestContext(t, m)

	_, err := m.clone(parent, cloneVM, 0, 0, 0, 0)
	if err == nil {
		t.Fatal("expected error for CLONE_VM without CLONE_FS|CLONE_FILES|CLONE_SIGHAND")
	}
	if len(m.zombie) != 1 {
		t.Fatalf("expected caller's group to be terminated, zombie count = %d", len(m.zombie))
	}
}

func TestWaitpidReapsZombieChild(t *testing.T) {
	m, k := newTestManager(t)
	parent, _ := newTestContext(t, m)
	childPid, err := m.clone(parent, 0, 0, 0, 0, 0) // fork-style, independent memory
	if err != nil {
		t.Fatal(err)
	}
	var child *Context
	for _, c := range m.Contexts() {
		if c.Pid() == childPid {
			child = c
		}
	}
	child.Exit(7, false)

	guestsys.Dispatch(parent, guestsys.SysWaitpid, guestsys.Args{0xFFFFFFFF, dataAddr, 0, 0, 0, 0})
	if parent.State() != StateSuspended {
		t.Fatalf("waitpid should suspend the parent, state = %v", parent.State())
	}

	m.pollSuspended(k, k.Now())

	if parent.State() != StateRunning {
		t.Fatalf("parent should resume once the child is reaped, state = %v", parent.State())
	}
	if parent.Reg(2) != childPid {
		t.Fatalf("waitpid return = %d, want child pid %d", parent.Reg(2), childPid)
	}
	var buf [4]byte
	parent.ReadMem(dataAddr, buf[:])
	status := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if status != 7<<8 {
		t.Fatalf("status = %#x, want %#x", status, 7<<8)
	}
}

func TestFutexWaitThenWake(t *testing.T) {
	m, _ := newTestManager(t)
	c1, im := newTestContext(t, m)
	flags := uint32(cloneVM | cloneFS | cloneFILES | cloneSIGHAND)
	childPid, err := m.clone(c1, flags, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var c2 *Context
	for _, c := range m.Contexts() {
		if c.Pid() == childPid {
			c2 = c
		}
	}

	var zero [4]byte
	im.Write(dataAddr, zero[:])

	guestsys.Dispatch(c2, guestsys.SysFutex, guestsys.Args{dataAddr, 0, 0, 0, 0, 0}) // FUTEX_WAIT, expect 0
	if c2.State() != StateSuspended {
		t.Fatalf("futex WAIT should suspend, state = %v", c2.State())
	}

	guestsys.Dispatch(c1, guestsys.SysFutex, guestsys.Args{dataAddr, 1, 1, 0, 0, 0}) // FUTEX_WAKE, wake 1

	if c2.State() != StateRunning {
		t.Fatalf("futex WAKE should resume the waiter, state = %v", c2.State())
	}
}

func TestSignalDeliveryAndSigReturn(t *testing.T) {
	m, _ := newTestManager(t)
	c, _ := newTestContext(t, m)

	const sig = 17
	const handlerAddr = 0x10100
	c.SetSigAction(sig, handlerAddr)

	originalPC := c.PC()
	c.Fault(sig, "test fault")

	if !c.inHandler {
		t.Fatal("expected context to be marked in-handler")
	}
	if c.PC() != handlerAddr {
		t.Fatalf("PC = %#x, want handler at %#x", c.PC(), handlerAddr)
	}
	if c.Reg(4) != sig {
		t.Fatalf("a0 = %d, want signal number %d", c.Reg(4), sig)
	}

	c.SigReturn()
	if c.inHandler {
		t.Fatal("expected inHandler to clear after sigreturn")
	}
	if c.PC() != originalPC {
		t.Fatalf("PC after sigreturn = %#x, want %#x", c.PC(), originalPC)
	}
}

func TestFaultWithoutHandlerIsFatal(t *testing.T) {
	m, _ := newTestManager(t)
	c, _ := newTestContext(t, m)

	c.Fault(4, "illegal instruction")
	if c.State() != StateZombie {
		t.Fatalf("unhandled fault should terminate the group, state = %v", c.State())
	}
	if len(m.Logs()) == 0 {
		t.Fatal("expected a diagnostic to be logged")
	}
}
