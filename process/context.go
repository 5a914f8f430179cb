// Package process implements the context manager and signal delivery
// mechanism (CX): per-guest-thread register/memory/signal state, the four
// context state lists (running/suspended/zombie/finished), the per-tick
// suspended-context poller that drives spec §4.2's wakeup table, clone(2)
// semantics, and synthetic signal-handler call frames.
package process

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/coresim/elfload"
	"github.com/sarchlab/coresim/guestsys"
	"github.com/sarchlab/coresim/isa"
	"github.com/sarchlab/coresim/vmem"
)

var (
	_ isa.Machine   = (*Context)(nil)
	_ guestsys.Proc = (*Context)(nil)
)

// State is one of the four lists a Context can live on, per spec §3.
type State int

// Context states. A context is always on exactly one of the Manager's
// four lists, matching spec §4.1's "set_state/clear_state" contract.
const (
	StateRunning State = iota
	StateSuspended
	StateZombie
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateZombie:
		return "zombie"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// numRegs covers the largest register file this simulator's ISAs need
// (MIPS32's 32 general registers; the x86-32 subset only uses the first
// 8).
const numRegs = 32

// Context is one guest thread of execution: register file, a private
// speculative view over a (possibly shared) memory image, a private or
// shared fd table, a private or shared signal-handler table, and
// everything spec §3's Context type names.
type Context struct {
	mgr  *Manager
	arch Arch

	pid uint32

	mem    *vmem.Image
	mirror *vmem.Mirror
	fds    *guestsys.FDTable
	sig    *SignalTable
	loader *elfload.Image

	regs [numRegs]uint32
	pc   uint32

	// lastPC/curPC/targetPC record the instruction-address trail spec §3
	// asks for: the address just executed, the one about to execute, and
	// the branch target recorded even when not taken (spec §4.3).
	lastPC, curPC, targetPC uint32
	lastEffAddr             uint32

	state State
	wake  guestsys.Wakeup

	sigMask    uint64
	pending    uint64
	inHandler  bool
	savedFrame *signalFrame

	groupParent   *Context
	groupChildren []*Context
	exitSignal    int32
	clearChildTID uint32
	exited        bool
	exitCode      int32

	tlsBase, tlsLimit uint32

	cwd string
}

// Pid returns the context's guest-visible process/thread id.
func (c *Context) Pid() uint32 { return c.pid }

// State returns which of the Manager's four lists the context is on.
func (c *Context) State() State { return c.state }

// InstTrail returns the last-executed, current, and recorded-target
// instruction addresses, per spec §3's instruction-address trail.
func (c *Context) InstTrail() (last, cur, target uint32) { return c.lastPC, c.curPC, c.targetPC }

// LastEffAddr returns the address of the most recent memory access.
func (c *Context) LastEffAddr() uint32 { return c.lastEffAddr }

// ExitStatus reports whether the context has exited and, if so, the
// status it exited with. Used by cmd/coresim-run's end-of-run report.
func (c *Context) ExitStatus() (exited bool, status int32) { return c.exited, c.exitCode }

// --- isa.Machine ---

// Reg reads general-purpose register n. Register 0 is hardwired to zero
// on MIPS, enforced by the mipsisa execution routines rather than here,
// since x86 has no such convention.
func (c *Context) Reg(n int) uint32 { return c.regs[n] }

// SetReg writes general-purpose register n.
func (c *Context) SetReg(n int, v uint32) { c.regs[n] = v }

// PC returns the address of the instruction about to execute.
func (c *Context) PC() uint32 { return c.pc }

// SetPC sets the address of the next instruction to execute.
func (c *Context) SetPC(v uint32) { c.pc = v }

// SetTargetPC records a branch target, taken or not, per spec §4.3.
func (c *Context) SetTargetPC(v uint32) { c.targetPC = v }

// ReadMem reads through the context's speculative mirror, recording addr
// as the last effective address per spec §3.
func (c *Context) ReadMem(addr uint32, dst []byte) error {
	c.lastEffAddr = addr
	return c.mirror.Read(addr, dst)
}

// WriteMem writes through the context's speculative mirror, recording
// addr as the last effective address per spec §3.
func (c *Context) WriteMem(addr uint32, src []byte) error {
	c.lastEffAddr = addr
	return c.mirror.Write(addr, src)
}

// Syscall gathers the ABI-defined argument registers and dispatches
// through guestsys.
func (c *Context) Syscall(num uint32) {
	args := c.arch.syscallArgs(c)
	guestsys.Dispatch(c, num, guestsys.Args(args))
}

// Fault posts a guest signal, or terminates the context's group if no
// handler is installed for sig, per isa.Machine's contract.
func (c *Context) Fault(sig int, reason string) {
	if act := c.sig.Action(sig); act == 0 || act == 1 { // default or SIG_IGN: no handler
		c.Fatal(fmt.Sprintf("unhandled signal %d: %s", sig, reason))
		return
	}
	c.raise(sig)
}

// --- guestsys.Proc ---

// Cwd returns the context's current working directory.
func (c *Context) Cwd() string { return c.cwd }

// ReadCString reads a NUL-terminated guest string through the mirror.
func (c *Context) ReadCString(addr uint32, max int) (string, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for len(buf) < max {
		if err := c.ReadMem(addr+uint32(len(buf)), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}

// MapsSnapshot renders the resident page ranges of the underlying memory
// image, for guestsys's virtual /proc/self/maps support.
func (c *Context) MapsSnapshot() []vmem.MapRange { return c.mem.MapsSnapshot() }

// Brk delegates to the underlying memory image.
func (c *Context) Brk(addr uint32) (uint32, error) { return c.mem.Brk(addr) }

// MapMem/UnmapMem/ProtectMem/ReserveDown delegate to the underlying
// memory image, giving guestsys's mmap/munmap/mprotect handlers the
// spec §4.4 placement and permission operations without reaching past
// the Proc interface into process internals.
func (c *Context) MapMem(addr, length uint32, perm vmem.Perm) error {
	return c.mem.Map(addr, length, perm)
}
func (c *Context) UnmapMem(addr, length uint32) { c.mem.Unmap(addr, length) }
func (c *Context) ProtectMem(addr, length uint32, perm vmem.Perm) error {
	return c.mem.Protect(addr, length, perm)
}
func (c *Context) ReserveDown(hint, length uint32) uint32 { return c.mem.ReserveDown(hint, length) }

// FDs returns the context's (possibly shared, per CLONE_FILES) fd table.
func (c *Context) FDs() *guestsys.FDTable { return c.fds }

// Futex returns the manager, which implements guestsys.FutexRegistry.
func (c *Context) Futex() guestsys.FutexRegistry { return c.mgr }

// NowNs returns the kernel's current simulated time.
func (c *Context) NowNs() int64 { return int64(c.mgr.kernel.Now()) }

// SetReturn writes v into the ABI return register.
func (c *Context) SetReturn(v uint32) { c.regs[c.arch.ReturnReg] = v }

// Suspend records w and moves the context onto the suspended list.
func (c *Context) Suspend(w guestsys.Wakeup) {
	c.wake = w
	c.mgr.setState(c, StateSuspended)
}

// Clone implements clone(2) per spec §4.4; see clone.go.
func (c *Context) Clone(flags, newsp, parentTidPtr, childTidPtr, tls uint32) (uint32, error) {
	return c.mgr.clone(c, flags, newsp, parentTidPtr, childTidPtr, tls)
}

// Exit terminates this context (status, group=false) or its whole thread
// group (group=true, exit_group).
func (c *Context) Exit(status int32, group bool) {
	if group {
		c.mgr.exitGroup(c, status)
		return
	}
	c.mgr.exitOne(c, status)
}

// Fatal terminates the context's whole group with a diagnostic, per spec
// DESIGN NOTES's "fail noisily rather than returning 0" resolution for
// unimplemented syscalls and unrecoverable faults.
func (c *Context) Fatal(msg string) {
	c.mgr.exitGroup(c, -1)
	c.mgr.log(fmt.Sprintf("pid %d: fatal: %s", c.pid, msg))
}

// Step executes exactly one instruction: fetch, decode, dispatch through
// the ISA's execution table. Faults and illegal opcodes are routed
// through Fault rather than propagated as Go errors, matching
// isa.Machine's contract.
func (c *Context) Step() {
	c.lastPC = c.curPC
	c.curPC = c.pc
	c.arch.step(c)
}

// little-endian helpers shared by signal/clone bookkeeping that writes
// guest pointers.
func putU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func getU32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
