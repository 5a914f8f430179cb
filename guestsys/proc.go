package guestsys

import "github.com/sarchlab/coresim/vmem"

// WakeCause identifies why a context is suspended, matching the
// wakeup-cause bits of spec §3's Context state bitmap.
type WakeCause int

// Wakeup causes, one per row of spec §4.2's per-tick polling table.
const (
	CauseNone WakeCause = iota
	CauseRead
	CauseWrite
	CauseNanosleep
	CauseFutex
	CauseWaitpid
)

// Wakeup records everything a suspended context needs for its cause to be
// re-evaluated and, once satisfied, resumed.
type Wakeup struct {
	Cause WakeCause

	FD     int32
	Events uint32

	// BufAddr/BufLen record the guest buffer a deferred read/write
	// targets, so FinishRead/FinishWrite can complete it on wakeup.
	BufAddr uint32
	BufLen  uint32

	DeadlineNs int64

	FutexAddr   uint32
	FutexBitset uint32
	SleepEpoch  uint64

	WaitPid   int32
	StatusPtr uint32
}

// FutexRegistry is the futex half of the context manager (CX): it owns the
// global sleep-epoch counter and the cross-context wake/requeue logic that
// a single Proc cannot implement on its own, since waking a futex touches
// every other suspended context, not just the caller.
type FutexRegistry interface {
	// NextEpoch returns a fresh, strictly increasing sleep epoch for a new
	// FUTEX_WAIT.
	NextEpoch() uint64

	// Wake wakes up to count contexts suspended on addr whose bitset
	// intersects mask, preferring lower sleep epochs first, and returns
	// how many were woken.
	Wake(addr uint32, count uint32, mask uint32) int

	// Requeue wakes wakeCount waiters on addr1 (bitset-filtered the same
	// way as Wake) and moves the rest to addr2, returning the count
	// woken (not requeued).
	Requeue(addr1, addr2 uint32, wakeCount uint32, mask uint32) int
}

// Proc is the view of a guest context (process.Context) that syscall
// handlers need: register-borne arguments, guest memory, the shared fd
// table, and the suspend/clone/exit control surface. Keeping this as an
// interface (rather than importing process.Context) matches spec DESIGN
// NOTES's "collect into an explicit environment object... passed to every
// handler; no implicit globals" guidance while avoiding a guestsys <->
// process import cycle.
type Proc interface {
	Pid() uint32
	Cwd() string

	ReadMem(addr uint32, dst []byte) error
	WriteMem(addr uint32, src []byte) error
	ReadCString(addr uint32, max int) (string, error)
	MapsSnapshot() []vmem.MapRange
	Brk(addr uint32) (uint32, error)

	// MapMem/UnmapMem/ProtectMem/ReserveDown implement the mmap/munmap/
	// mprotect side of spec §4.4: MapMem backs [addr, addr+length) with
	// perm (zero-filled); UnmapMem releases it; ProtectMem changes
	// permissions on an already-mapped range; ReserveDown finds length
	// free bytes at or below hint (falling back to a global base),
	// without mapping anything, per mmap's "search downward from a
	// fixed hint" placement policy.
	MapMem(addr, length uint32, perm vmem.Perm) error
	UnmapMem(addr, length uint32)
	ProtectMem(addr, length uint32, perm vmem.Perm) error
	ReserveDown(hint, length uint32) uint32

	FDs() *FDTable
	Futex() FutexRegistry

	// NowNs is the current simulated time in nanoseconds, per engine.Now().
	NowNs() int64

	SetReturn(v uint32)
	Suspend(w Wakeup)

	// SigAction/SetSigAction/SigMask/SetSigMask give guestsys's
	// rt_sigaction/rt_sigprocmask handlers access to the context's signal
	// disposition table and blocked-signal mask, which are owned by
	// process (CX) rather than guestsys.
	SigAction(sig int) uint32
	SetSigAction(sig int, handler uint32)
	SigMask() uint64
	SetSigMask(mask uint64)

	// Clone creates a new context per spec §4.4's clone(2) semantics and
	// returns the child's pid.
	Clone(flags, newsp, parentTidPtr, childTidPtr, tls uint32) (childPid uint32, err error)

	// Exit terminates the calling context (group=false) or its entire
	// thread group (group=true, exit_group) with the given status.
	Exit(status int32, group bool)

	// Fatal terminates the context's group with a diagnostic, used for
	// unimplemented syscalls and unrecoverable translation failures per
	// spec DESIGN NOTES's "fail noisily rather than returning 0".
	Fatal(msg string)
}
