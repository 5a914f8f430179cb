package process

import (
	"sort"

	"github.com/sarchlab/coresim/elfload"
	"github.com/sarchlab/coresim/engine"
	"github.com/sarchlab/coresim/guestsys"
	"github.com/sarchlab/coresim/vmem"
)

// Manager is the context manager (CX): it owns every context's place on
// the four state lists spec §3/§4.1 describe, the global futex sleep
// epoch counter (and so implements guestsys.FutexRegistry), pid
// allocation, and the per-tick suspended-context poller that drives spec
// §4.2's wakeup table.
type Manager struct {
	kernel *engine.Kernel

	nextPid uint32

	running  []*Context
	suspended []*Context
	zombie    []*Context
	finished  []*Context

	futexEpoch uint64

	logs []string
}

// pumpKind is a reserved event kind Manager uses to guarantee its
// suspended-context poller keeps running every tick while any context is
// suspended, even when nothing else (no coherence traffic, no other
// deadline) has scheduled an event at the next moment in time. Chosen far
// from the small, application-assigned kind values a caller typically
// hands to coherence.NewEngine, to avoid a collision when both share one
// kernel.
const pumpKind engine.Kind = -1

// NewManager creates a context manager bound to kernel and registers its
// per-tick suspended-context poller.
func NewManager(kernel *engine.Kernel) *Manager {
	m := &Manager{kernel: kernel, nextPid: 1}
	kernel.RegisterHandler(pumpKind, func(*engine.Kernel, engine.Time, engine.Stack) {})
	kernel.RegisterPerTick(m.pollSuspended)
	return m
}

// log records one diagnostic message from Fatal; Logs returns them in order.
func (m *Manager) log(msg string) { m.logs = append(m.logs, msg) }

// Logs returns the diagnostics recorded so far.
func (m *Manager) Logs() []string { return m.logs }

// Spawn creates the initial (root) context for a freshly loaded program
// image, per spec §6: a single context, running, owning its own memory
// image, fd table, and signal table.
func (m *Manager) Spawn(arch Arch, mem *vmem.Image, ld *elfload.Image, entry, sp uint32) *Context {
	c := &Context{
		mgr:    m,
		arch:   arch,
		pid:    m.allocPid(),
		mem:    mem,
		mirror: vmem.NewMirror(mem),
		fds:    guestsys.NewFDTable(),
		sig:    NewSignalTable(),
		loader: ld,
		pc:     entry,
		cwd:    ld.Cwd,
	}
	if arch.Name == X86_32.Name {
		c.regs[4] = sp // esp
	} else {
		c.regs[29] = sp // $sp
	}
	c.state = StateRunning
	m.running = append(m.running, c)
	return c
}

func (m *Manager) allocPid() uint32 {
	pid := m.nextPid
	m.nextPid++
	return pid
}

// Running returns the current running list. The slice is shared with the
// manager's internals; callers must not mutate it.
func (m *Manager) Running() []*Context { return m.running }

// Contexts returns every context the manager has ever created, across all
// four lists, in no particular order — used by tests and reporting.
func (m *Manager) Contexts() []*Context {
	out := make([]*Context, 0, len(m.running)+len(m.suspended)+len(m.zombie)+len(m.finished))
	out = append(out, m.running...)
	out = append(out, m.suspended...)
	out = append(out, m.zombie...)
	out = append(out, m.finished...)
	return out
}

// Idle reports whether every context has finished.
func (m *Manager) Idle() bool {
	return len(m.running) == 0 && len(m.suspended) == 0 && len(m.zombie) == 0
}

func removeCtx(list []*Context, c *Context) []*Context {
	for i, x := range list {
		if x == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// setState moves c from whichever list it's currently on to the named
// state's list, per spec §4.1's set_state/clear_state contract.
func (m *Manager) setState(c *Context, s State) {
	switch c.state {
	case StateRunning:
		m.running = removeCtx(m.running, c)
	case StateSuspended:
		m.suspended = removeCtx(m.suspended, c)
	case StateZombie:
		m.zombie = removeCtx(m.zombie, c)
	case StateFinished:
		m.finished = removeCtx(m.finished, c)
	}
	c.state = s
	switch s {
	case StateRunning:
		m.running = append(m.running, c)
	case StateSuspended:
		m.suspended = append(m.suspended, c)
		// Bootstrap progress: pollSuspended only runs as a side effect of
		// the kernel advancing to a scheduled event's fire time, so the
		// very first suspension (with nothing else on the heap) needs a
		// tick of its own or the poller would never run.
		m.kernel.Schedule(pumpKind, nil, 1)
	case StateZombie:
		m.zombie = append(m.zombie, c)
	case StateFinished:
		m.finished = append(m.finished, c)
	}
}

// RunTicks advances every running context by one instruction each, until
// either none remain running (everyone has exited or blocked) or the
// given instruction budget is exhausted. Callers typically wrap this in
// their own loop alternating with kernel.RunUntilIdle to let scheduled
// coherence/timer events interleave with guest execution.
func (m *Manager) RunTicks(maxInsts int) {
	for i := 0; i < maxInsts && len(m.running) > 0; i++ {
		// Snapshot: a context's Step can cause clone/exit, which mutates
		// m.running mid-iteration.
		batch := append([]*Context(nil), m.running...)
		for _, c := range batch {
			if c.state != StateRunning {
				continue
			}
			c.Step()
		}
	}
}

// --- exit / waitpid ---

func (m *Manager) exitOne(c *Context, status int32) {
	c.exited = true
	c.exitCode = status
	if c.clearChildTID != 0 {
		var zero [4]byte
		c.WriteMem(c.clearChildTID, zero[:])
		m.Wake(c.clearChildTID, 1, 0xFFFFFFFF)
	}
	m.setState(c, StateZombie)
}

func (m *Manager) exitGroup(c *Context, status int32) {
	group := append([]*Context{c}, c.groupChildren...)
	if c.groupParent != nil {
		group = append(group, c.groupParent)
		group = append(group, c.groupParent.groupChildren...)
	}
	seen := map[*Context]bool{}
	for _, x := range group {
		if x == nil || seen[x] {
			continue
		}
		seen[x] = true
		if x.state == StateZombie || x.state == StateFinished {
			continue
		}
		x.exited = true
		x.exitCode = status
		m.setState(x, StateZombie)
	}
}

// pollSuspended is the per-tick hook implementing spec §4.2's predicate/
// action table: for each suspended context, check its wakeup cause's
// readiness predicate, and if satisfied, perform the cause's action and
// move the context back to running.
func (m *Manager) pollSuspended(k *engine.Kernel, now engine.Time) {
	nowNs := int64(now)
	batch := append([]*Context(nil), m.suspended...)
	for _, c := range batch {
		w := c.wake
		switch w.Cause {
		case guestsys.CauseRead:
			ret := guestsys.FinishRead(c, w)
			c.SetReturn(uint32(ret))
			m.setState(c, StateRunning)

		case guestsys.CauseWrite:
			ret := guestsys.FinishWrite(c, w)
			c.SetReturn(uint32(ret))
			m.setState(c, StateRunning)

		case guestsys.CauseNanosleep:
			if nowNs >= w.DeadlineNs {
				c.SetReturn(0)
				m.setState(c, StateRunning)
			}

		case guestsys.CauseFutex:
			if w.DeadlineNs != 0 && nowNs >= w.DeadlineNs {
				c.SetReturn(uint32(-int32(guestsys.ETIMEDOUT)))
				m.setState(c, StateRunning)
			}
			// Otherwise stays suspended until Wake/Requeue moves it.

		case guestsys.CauseWaitpid:
			if child := m.findReapableChild(c, w.WaitPid); child != nil {
				m.reap(c, child, w.StatusPtr)
			}
		}
	}

	// Only reschedule the pump for causes this poller alone can resolve
	// given enough simulated time (a nanosleep deadline or a futex
	// timeout): a futex wait or waitpid with no deadline can only be
	// resolved by another context's Wake/exit, which happens during guest
	// execution, not while draining the event heap, so chasing those here
	// would spin forever without ever handing control back.
	nextDeadline := int64(-1)
	for _, c := range m.suspended {
		if c.wake.DeadlineNs <= 0 {
			continue
		}
		if nextDeadline == -1 || c.wake.DeadlineNs < nextDeadline {
			nextDeadline = c.wake.DeadlineNs
		}
	}
	if nextDeadline >= 0 {
		delay := nextDeadline - nowNs
		if delay < 1 {
			delay = 1
		}
		k.Schedule(pumpKind, nil, engine.Time(delay))
	}
}

// findReapableChild returns a zombie context that is c's child and
// matches want (-1 or 0: any child; >0: that specific pid), or nil.
func (m *Manager) findReapableChild(c *Context, want int32) *Context {
	for _, z := range m.zombie {
		if z.groupParent != c {
			continue
		}
		if want > 0 && uint32(want) != z.pid {
			continue
		}
		return z
	}
	return nil
}

func (m *Manager) reap(parent, child *Context, statusPtr uint32) {
	status := uint32(child.exitCode&0xff) << 8 // WIFEXITED encoding
	if statusPtr != 0 {
		var buf [4]byte
		putU32(buf[:], status)
		parent.WriteMem(statusPtr, buf[:])
	}
	parent.SetReturn(child.pid)
	parent.groupChildren = removeCtx(parent.groupChildren, child)
	m.setState(child, StateFinished)
	child.mem.Release()
	m.setState(parent, StateRunning)
}

// --- guestsys.FutexRegistry ---

// NextEpoch returns a fresh, strictly increasing sleep epoch.
func (m *Manager) NextEpoch() uint64 {
	m.futexEpoch++
	return m.futexEpoch
}

// matchingWaiters returns suspended contexts blocked on a FUTEX_WAIT at
// addr whose bitset intersects mask, sorted oldest-epoch first (FIFO wake
// order).
func (m *Manager) matchingWaiters(addr, mask uint32) []*Context {
	var out []*Context
	for _, c := range m.suspended {
		if c.wake.Cause == guestsys.CauseFutex && c.wake.FutexAddr == addr && c.wake.FutexBitset&mask != 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].wake.SleepEpoch < out[j].wake.SleepEpoch })
	return out
}

// Wake implements guestsys.FutexRegistry.Wake.
func (m *Manager) Wake(addr uint32, count uint32, mask uint32) int {
	waiters := m.matchingWaiters(addr, mask)
	n := 0
	for _, c := range waiters {
		if uint32(n) >= count {
			break
		}
		c.SetReturn(0)
		m.setState(c, StateRunning)
		n++
	}
	return n
}

// Requeue implements guestsys.FutexRegistry.Requeue: wakes up to
// wakeCount waiters on addr1, then moves every remaining addr1 waiter's
// FutexAddr to addr2 so a later wake on addr2 reaches them.
func (m *Manager) Requeue(addr1, addr2 uint32, wakeCount uint32, mask uint32) int {
	waiters := m.matchingWaiters(addr1, mask)
	n := 0
	for _, c := range waiters {
		if uint32(n) < wakeCount {
			c.SetReturn(0)
			m.setState(c, StateRunning)
			n++
			continue
		}
		c.wake.FutexAddr = addr2
	}
	return n
}

var _ guestsys.FutexRegistry = (*Manager)(nil)
