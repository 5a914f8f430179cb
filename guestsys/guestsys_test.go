package guestsys

import (
	"testing"

	"github.com/sarchlab/coresim/vmem"
)

type fakeFutex struct {
	epoch   uint64
	waiters []int
}

func (f *fakeFutex) NextEpoch() uint64 {
	f.epoch++
	return f.epoch
}
func (f *fakeFutex) Wake(addr uint32, count uint32, mask uint32) int { return 0 }
func (f *fakeFutex) Requeue(addr1, addr2 uint32, wakeCount uint32, mask uint32) int { return 0 }

type fakeProc struct {
	mem      *vmem.Image
	fds      *FDTable
	futex    *fakeFutex
	ret      int32
	wake     Wakeup
	suspend  bool
	exited   bool
	exitCode int32
	fatal    string

	sigActions [64]uint32
	sigMask    uint64
}

func newFakeProc() *fakeProc {
	im := vmem.NewImage(0x10000, 0x60000000)
	im.Map(0x20000, vmem.PageSize, vmem.PermRead|vmem.PermWrite)
	return &fakeProc{mem: im, fds: NewFDTable(), futex: &fakeFutex{}}
}

func (p *fakeProc) Pid() uint32 { return 1 }
func (p *fakeProc) Cwd() string { return "/" }
func (p *fakeProc) ReadMem(addr uint32, dst []byte) error  { return p.mem.Read(addr, dst) }
func (p *fakeProc) WriteMem(addr uint32, src []byte) error { return p.mem.Write(addr, src) }
func (p *fakeProc) ReadCString(addr uint32, max int) (string, error) {
	return p.mem.ReadCString(addr, max)
}
func (p *fakeProc) MapsSnapshot() []vmem.MapRange { return p.mem.MapsSnapshot() }
func (p *fakeProc) Brk(addr uint32) (uint32, error) { return p.mem.Brk(addr) }
func (p *fakeProc) FDs() *FDTable                   { return p.fds }
func (p *fakeProc) Futex() FutexRegistry            { return p.futex }
func (p *fakeProc) NowNs() int64                    { return 1_000_000_000 }
func (p *fakeProc) SetReturn(v uint32)              { p.ret = int32(v) }
func (p *fakeProc) Suspend(w Wakeup)                { p.wake, p.suspend = w, true }
func (p *fakeProc) Clone(flags, newsp, pt, ct, tls uint32) (uint32, error) { return 2, nil }
func (p *fakeProc) Exit(status int32, group bool)   { p.exited, p.exitCode = true, status }
func (p *fakeProc) Fatal(msg string)                { p.fatal = msg }
func (p *fakeProc) SigAction(sig int) uint32         { return p.sigActions[sig] }
func (p *fakeProc) SetSigAction(sig int, h uint32)   { p.sigActions[sig] = h }
func (p *fakeProc) SigMask() uint64                  { return p.sigMask }
func (p *fakeProc) SetSigMask(m uint64)              { p.sigMask = m }
func (p *fakeProc) MapMem(addr, length uint32, perm vmem.Perm) error {
	return p.mem.Map(addr, length, perm)
}
func (p *fakeProc) UnmapMem(addr, length uint32) { p.mem.Unmap(addr, length) }
func (p *fakeProc) ProtectMem(addr, length uint32, perm vmem.Perm) error {
	return p.mem.Protect(addr, length, perm)
}
func (p *fakeProc) ReserveDown(hint, length uint32) uint32 { return p.mem.ReserveDown(hint, length) }

var _ Proc = (*fakeProc)(nil)

func TestBrkSyscall(t *testing.T) {
	p := newFakeProc()
	ret, suspend := sysBrk(p, Args{0})
	if suspend {
		t.Fatal("brk should not suspend")
	}
	if ret != 0x10000 {
		t.Fatalf("brk(0) = %#x, want 0x10000", ret)
	}
}

func TestReadSuspendsThenFinishes(t *testing.T) {
	p := newFakeProc()
	// fd 0 (stdin) defaults to blocking in this fake: expect suspend.
	_, suspend := sysRead(p, Args{0, 0x20000, 4})
	if !suspend {
		t.Fatalf("expected read on blocking fd to suspend")
	}
	if p.wake.Cause != CauseRead {
		t.Fatalf("wrong wakeup cause: %v", p.wake.Cause)
	}
}

func TestNanosleepRoundsDownToMicroseconds(t *testing.T) {
	p := newFakeProc()
	var ts [8]byte
	// 1500 ns requested
	ts[4] = 0xDC
	ts[5] = 0x05 // little-endian 1500
	p.mem.Write(0x20000, ts[:])

	_, suspend := sysNanosleep(p, Args{0x20000})
	if !suspend {
		t.Fatal("nanosleep should suspend")
	}
	wantDeadline := p.NowNs() + 1000 // 1500ns rounds down to 1000ns (1us)
	if p.wake.DeadlineNs != wantDeadline {
		t.Fatalf("deadline = %d, want %d", p.wake.DeadlineNs, wantDeadline)
	}
}

func TestFutexWaitMismatchReturnsEAGAIN(t *testing.T) {
	p := newFakeProc()
	var buf [4]byte
	buf[0] = 5
	p.mem.Write(0x20000, buf[:])

	ret, suspend := sysFutex(p, Args{0x20000, futexWait, 99, 0, 0, 0})
	if suspend {
		t.Fatal("mismatched futex WAIT should not suspend")
	}
	if ret != -int32(EAGAIN) {
		t.Fatalf("ret = %d, want -EAGAIN", ret)
	}
}

func TestFutexWaitMatchSuspends(t *testing.T) {
	p := newFakeProc()
	var buf [4]byte
	p.mem.Write(0x20000, buf[:]) // value 0

	_, suspend := sysFutex(p, Args{0x20000, futexWait, 0, 0, 0, 0})
	if !suspend {
		t.Fatal("matching futex WAIT should suspend")
	}
	if p.wake.Cause != CauseFutex || p.wake.FutexAddr != 0x20000 {
		t.Fatalf("unexpected wakeup: %+v", p.wake)
	}
}

func TestDispatchUnknownSyscallIsFatal(t *testing.T) {
	p := newFakeProc()
	Dispatch(p, 999999, Args{})
	if p.fatal == "" {
		t.Fatal("expected Fatal to be called for unknown syscall")
	}
}

func TestUnameWritesFields(t *testing.T) {
	p := newFakeProc()
	ret, _ := sysUname(p, Args{0x20000})
	if ret != 0 {
		t.Fatalf("uname returned %d", ret)
	}
	buf := make([]byte, utsnameSize)
	p.mem.Read(0x20000, buf)
	if string(buf[:5]) != "Linux" {
		t.Fatalf("sysname = %q", buf[:5])
	}
}

// TestMmapAnonymousThenMunmapReusesRange exercises spec P6: mmap of an
// unmapped range followed by munmap of the same range returns it to the
// allocator, so a second mmap of the same size can reuse it.
func TestMmapAnonymousThenMunmapReusesRange(t *testing.T) {
	p := newFakeProc()
	const length = 0x2000

	ret1, suspend := sysMmap(p, Args{0, length, 3 /* PROT_READ|PROT_WRITE */, 0x22 /* MAP_PRIVATE|MAP_ANONYMOUS */, 0xFFFFFFFF, 0})
	if suspend {
		t.Fatal("mmap should not suspend")
	}
	if ret1 < 0 {
		t.Fatalf("first mmap failed: %d", ret1)
	}

	if ret, _ := sysMunmap(p, Args{uint32(ret1), length}); ret != 0 {
		t.Fatalf("munmap failed: %d", ret)
	}

	ret2, _ := sysMmap(p, Args{0, length, 3, 0x22, 0xFFFFFFFF, 0})
	if ret2 < 0 {
		t.Fatalf("second mmap failed: %d", ret2)
	}
	if ret2 != ret1 {
		t.Fatalf("second mmap got %#x, want reused range %#x", ret2, ret1)
	}
}

// TestMmapFixedRemaps exercises MAP_FIXED: the specified range is
// unmapped and re-mapped at exactly the requested address.
func TestMmapFixedRemaps(t *testing.T) {
	p := newFakeProc()
	const addr, length = 0x40000000, 0x1000

	ret, _ := sysMmap(p, Args{addr, length, 3, 0x10 /* MAP_FIXED */, 0xFFFFFFFF, 0})
	if ret != addr {
		t.Fatalf("MAP_FIXED mmap = %#x, want %#x", ret, addr)
	}
	var buf [4]byte
	if err := p.mem.Write(addr, buf[:]); err != nil {
		t.Fatalf("write to freshly mapped MAP_FIXED range: %v", err)
	}
}

// TestMprotectNarrowsPermission checks that mprotect actually changes
// guest-visible permission (a write to a read-only page fails).
func TestMprotectNarrowsPermission(t *testing.T) {
	p := newFakeProc()
	const addr, length = 0x50000000, 0x1000

	if ret, _ := sysMmap(p, Args{addr, length, 3, 0x22, 0xFFFFFFFF, 0}); ret != addr {
		t.Fatalf("mmap = %#x", ret)
	}
	if ret, _ := sysMprotect(p, Args{addr, length, 1 /* PROT_READ */}); ret != 0 {
		t.Fatalf("mprotect failed: %d", ret)
	}
	var buf [4]byte
	if err := p.mem.Write(addr, buf[:]); err == nil {
		t.Fatal("expected write to PROT_READ-only page to fail after mprotect")
	}
}
