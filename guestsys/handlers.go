package guestsys

import (
	"fmt"
	"os"
	"strings"

	"github.com/sarchlab/coresim/config"
	"github.com/sarchlab/coresim/vmem"
)

func sysExit(p Proc, a Args) (int32, bool) {
	p.Exit(int32(a[0]), false)
	return 0, true
}

func sysExitGroup(p Proc, a Args) (int32, bool) {
	p.Exit(int32(a[0]), true)
	return 0, true
}

// sysRead implements read(2). It always defers to the per-tick poll step
// (CauseRead), which is the one path that can tell whether a host fd is
// actually ready; a descriptor marked non-blocking is instead finished
// immediately, matching O_NONBLOCK's "fd is O_NONBLOCK" predicate shortcut
// from spec §4.2's wakeup table.
func sysRead(p Proc, a Args) (int32, bool) {
	fd, addr, count := int32(a[0]), a[1], a[2]
	f, ok := p.FDs().Get(fd)
	if !ok {
		return -int32(EBADF), false
	}
	if f.NonBlock {
		return FinishRead(p, Wakeup{FD: fd, BufAddr: addr, BufLen: count}), false
	}
	p.Suspend(Wakeup{Cause: CauseRead, FD: fd, Events: 1, BufAddr: addr, BufLen: count})
	return 0, true
}

func sysWrite(p Proc, a Args) (int32, bool) {
	fd, addr, count := int32(a[0]), a[1], a[2]
	f, ok := p.FDs().Get(fd)
	if !ok {
		return -int32(EBADF), false
	}
	if f.NonBlock {
		return FinishWrite(p, Wakeup{FD: fd, BufAddr: addr, BufLen: count}), false
	}
	p.Suspend(Wakeup{Cause: CauseWrite, FD: fd, Events: 4, BufAddr: addr, BufLen: count})
	return 0, true
}

// FinishRead performs the deferred host read once the per-tick poll
// decides fd is ready, writes the bytes into guest memory, and returns
// the syscall's final result. Called either immediately (non-blocking fd)
// or by the context manager on wakeup.
func FinishRead(p Proc, w Wakeup) int32 {
	f, ok := p.FDs().Get(w.FD)
	if !ok {
		return -int32(EBADF)
	}
	buf := make([]byte, w.BufLen)
	n, err := f.File.Read(buf)
	if err != nil && n == 0 {
		return -int32(EIO)
	}
	if n > 0 {
		if err := p.WriteMem(w.BufAddr, buf[:n]); err != nil {
			return -int32(EFAULT)
		}
	}
	return int32(n)
}

// FinishWrite is FinishRead's write-side counterpart.
func FinishWrite(p Proc, w Wakeup) int32 {
	f, ok := p.FDs().Get(w.FD)
	if !ok {
		return -int32(EBADF)
	}
	buf := make([]byte, w.BufLen)
	if err := p.ReadMem(w.BufAddr, buf); err != nil {
		return -int32(EFAULT)
	}
	n, err := f.File.Write(buf)
	if err != nil && n == 0 {
		return -int32(EIO)
	}
	return int32(n)
}

func sysOpen(p Proc, a Args) (int32, bool) {
	path, err := p.ReadCString(a[0], 4096)
	if err != nil {
		return -int32(EFAULT), false
	}
	flags := a[1]

	if strings.HasPrefix(path, "/proc/") {
		return openVirtualProc(p, path, flags)
	}

	goFlags := 0
	switch flags & config.OAccMode {
	case config.ORdonly:
		goFlags = os.O_RDONLY
	case config.OWronly:
		goFlags = os.O_WRONLY
	case config.ORdwr:
		goFlags = os.O_RDWR
	}
	if flags&config.OCreat != 0 {
		goFlags |= os.O_CREATE
	}
	if flags&config.OTrunc != 0 {
		goFlags |= os.O_TRUNC
	}
	if flags&config.OAppend != 0 {
		goFlags |= os.O_APPEND
	}

	f, err := os.OpenFile(path, goFlags, 0644)
	if err != nil {
		return -int32(ENOENT), false
	}
	fd := p.FDs().Install(&FD{File: f, NonBlock: flags&config.ONonblock != 0})
	return fd, false
}

// openVirtualProc synthesizes content for a /proc path this simulator
// models (spec §4.4: "/proc/self/maps is rendered from VM; /proc/cpuinfo
// from a fixed template") into a host temp file, then opens that as the
// descriptor's backing file.
func openVirtualProc(p Proc, path string, flags uint32) (int32, bool) {
	var content string
	switch path {
	case "/proc/self/maps":
		var b strings.Builder
		for _, r := range p.MapsSnapshot() {
			b.WriteString(fmt.Sprintf("%08x-%08x %s\n", r.Start, r.End, formatPerm(r.Perm)))
		}
		content = b.String()
	case "/proc/cpuinfo":
		content = "processor\t: 0\nvendor_id\t: GenuineCoresim\nmodel name\t: coresim virtual CPU\n"
	default:
		return -int32(ENOENT), false
	}

	tmp, err := os.CreateTemp("", "coresim-proc-*")
	if err != nil {
		return -int32(EIO), false
	}
	tmp.WriteString(content)
	tmp.Seek(0, 0)

	fd := p.FDs().Install(&FD{File: tmp, Virtual: true, TempPath: tmp.Name()})
	return fd, false
}

func formatPerm(perm vmem.Perm) string {
	r, w, x := "-", "-", "-"
	if perm&vmem.PermRead != 0 {
		r = "r"
	}
	if perm&vmem.PermWrite != 0 {
		w = "w"
	}
	if perm&vmem.PermExec != 0 {
		x = "x"
	}
	return r + w + x + "p"
}

func sysClose(p Proc, a Args) (int32, bool) {
	if err := p.FDs().Close(int32(a[0])); err != nil {
		return -int32(EBADF), false
	}
	return 0, false
}

func sysAccess(p Proc, a Args) (int32, bool) {
	path, err := p.ReadCString(a[0], 4096)
	if err != nil {
		return -int32(EFAULT), false
	}
	if _, err := os.Stat(path); err != nil {
		return -int32(ENOENT), false
	}
	return 0, false
}

func sysUnlink(p Proc, a Args) (int32, bool) {
	path, err := p.ReadCString(a[0], 4096)
	if err != nil {
		return -int32(EFAULT), false
	}
	if err := os.Remove(path); err != nil {
		return -int32(ENOENT), false
	}
	return 0, false
}

func sysTime(p Proc, a Args) (int32, bool) {
	secs := int32(p.NowNs() / 1_000_000_000)
	if a[0] != 0 {
		var buf [4]byte
		buf[0] = byte(secs)
		buf[1] = byte(secs >> 8)
		buf[2] = byte(secs >> 16)
		buf[3] = byte(secs >> 24)
		p.WriteMem(a[0], buf[:])
	}
	return secs, false
}

func sysBrk(p Proc, a Args) (int32, bool) {
	newBrk, err := p.Brk(a[0])
	if err != nil {
		return -int32(ENOMEM), false
	}
	return int32(newBrk), false
}

// mmapPageSize is the page granularity mmap/mmap2's length and offset
// arguments are rounded to, matching vmem.PageSize.
const mmapPageSize = vmem.PageSize

// sysMmap implements mmap(2): offset is in bytes.
func sysMmap(p Proc, a Args) (int32, bool) { return doMmap(p, a, false) }

// sysMmap2 implements mmap2(2): identical to mmap except offset is in
// pages, per spec §4.4.
func sysMmap2(p Proc, a Args) (int32, bool) { return doMmap(p, a, true) }

// doMmap implements spec §4.4's mmap/mmap2 handler: permission-bit
// translation (PROT_* -> vmem.Perm, always ORed with PermInit), MAP_FIXED
// unmap-then-remap, otherwise a downward hint search via
// Proc.ReserveDown, and file-backed reads of the backing fd into the
// freshly mapped region page by page.
func doMmap(p Proc, a Args, offsetInPages bool) (int32, bool) {
	hint, length, prot, flags, fd, offset := a[0], a[1], a[2], a[3], int32(a[4]), a[5]
	if offsetInPages {
		offset *= mmapPageSize
	}

	perm := mmapPerm(prot)

	var addr uint32
	if flags&config.MapFixed != 0 {
		addr = hint &^ (mmapPageSize - 1)
		p.UnmapMem(addr, length)
	} else {
		addr = p.ReserveDown(hint, length)
	}

	// File-backed maps are filled before Protect narrows permissions, so
	// the initial write always succeeds regardless of the guest's
	// requested protection (matching "using init permission" in spec
	// §4.4).
	fillPerm := perm | vmem.PermRead | vmem.PermWrite
	if err := p.MapMem(addr, length, fillPerm); err != nil {
		return -int32(ENOMEM), false
	}

	if flags&config.MapAnonymous == 0 && fd >= 0 {
		f, ok := p.FDs().Get(fd)
		if !ok {
			return -int32(EBADF), false
		}
		buf := make([]byte, mmapPageSize)
		for off := uint32(0); off < length; off += mmapPageSize {
			n, err := f.File.ReadAt(buf, int64(offset)+int64(off))
			if n > 0 {
				if werr := p.WriteMem(addr+off, buf[:n]); werr != nil {
					return -int32(EFAULT), false
				}
			}
			if err != nil {
				break
			}
		}
	}

	if fillPerm != perm {
		if err := p.ProtectMem(addr, length, perm); err != nil {
			return -int32(ENOMEM), false
		}
	}

	return int32(addr), false
}

// mmapPerm translates PROT_* bits to vmem.Perm (r/w/x -> init|read,
// init|write, init|exec per spec §4.4).
func mmapPerm(prot uint32) vmem.Perm {
	var perm vmem.Perm
	if prot&config.ProtRead != 0 {
		perm |= vmem.PermRead
	}
	if prot&config.ProtWrite != 0 {
		perm |= vmem.PermWrite
	}
	if prot&config.ProtExec != 0 {
		perm |= vmem.PermExec
	}
	return perm
}

func sysMunmap(p Proc, a Args) (int32, bool) {
	p.UnmapMem(a[0], a[1])
	return 0, false
}

func sysMprotect(p Proc, a Args) (int32, bool) {
	if err := p.ProtectMem(a[0], a[1], mmapPerm(a[2])); err != nil {
		return -int32(ENOMEM), false
	}
	return 0, false
}

func sysUname(p Proc, a Args) (int32, bool) {
	buf := make([]byte, utsnameSize)
	putUtsname(buf, "Linux", "coresim", "5.10.0-coresim", "#1", "mips")
	if err := p.WriteMem(a[0], buf); err != nil {
		return -int32(EFAULT), false
	}
	return 0, false
}

func sysFstat64(p Proc, a Args) (int32, bool) {
	fd := int32(a[0])
	f, ok := p.FDs().Get(fd)
	if !ok {
		return -int32(EBADF), false
	}
	info, err := f.File.Stat()
	if err != nil {
		return -int32(EIO), false
	}
	buf := make([]byte, stat64Size)
	putStat64(buf, info.Size(), uint32(info.Mode().Perm()), info.IsDir())
	if err := p.WriteMem(a[1], buf); err != nil {
		return -int32(EFAULT), false
	}
	return 0, false
}

func sysGetrlimit(p Proc, a Args) (int32, bool) {
	buf := make([]byte, rlimitSize)
	putRlimit(buf, 0xFFFFFFFF, 0xFFFFFFFF) // RLIM_INFINITY for every resource this simulator models
	if err := p.WriteMem(a[1], buf); err != nil {
		return -int32(EFAULT), false
	}
	return 0, false
}

func sysNanosleep(p Proc, a Args) (int32, bool) {
	buf := make([]byte, timespecSize)
	if err := p.ReadMem(a[0], buf); err != nil {
		return -int32(EFAULT), false
	}
	durNs := getTimespec(buf)
	// Open question (spec §9): wakeup rounds down to whole microseconds;
	// preserved here rather than fixed, per the design note's guidance.
	durNs = (durNs / 1000) * 1000
	p.Suspend(Wakeup{Cause: CauseNanosleep, DeadlineNs: p.NowNs() + durNs})
	return 0, true
}

func sysClone(p Proc, a Args) (int32, bool) {
	child, err := p.Clone(a[0], a[1], a[2], a[3], a[4])
	if err != nil {
		return -int32(EINVAL), false
	}
	return int32(child), false
}

func sysWaitpid(p Proc, a Args) (int32, bool) {
	p.Suspend(Wakeup{Cause: CauseWaitpid, WaitPid: int32(a[0]), StatusPtr: a[1]})
	return 0, true
}

func sysSetTidAddress(p Proc, a Args) (int32, bool) {
	return int32(p.Pid()), false
}

func sysSetRobustList(p Proc, a Args) (int32, bool) {
	return 0, false
}

// sigactionHandlerOffset is struct sigaction's first field (the
// handler/sa_handler pointer) in the guest's layout; flags, mask, and
// restorer are not modeled since no handler this simulator runs inspects
// them.
const sigactionHandlerOffset = 0

func sysRtSigaction(p Proc, a Args) (int32, bool) {
	sig, actPtr, oldActPtr := int(a[0]), a[1], a[2]
	if oldActPtr != 0 {
		var buf [4]byte
		putU32(buf[:], p.SigAction(sig))
		if err := p.WriteMem(oldActPtr+sigactionHandlerOffset, buf[:]); err != nil {
			return -int32(EFAULT), false
		}
	}
	if actPtr != 0 {
		var buf [4]byte
		if err := p.ReadMem(actPtr+sigactionHandlerOffset, buf[:]); err != nil {
			return -int32(EFAULT), false
		}
		p.SetSigAction(sig, getU32(buf[:]))
	}
	return 0, false
}

func sysRtSigprocmask(p Proc, a Args) (int32, bool) {
	const (
		sigBlock   = 0
		sigUnblock = 1
		sigSetmask = 2
	)
	how, setPtr, oldSetPtr := a[0], a[1], a[2]
	if oldSetPtr != 0 {
		var buf [8]byte
		putU64(buf[:], p.SigMask())
		if err := p.WriteMem(oldSetPtr, buf[:]); err != nil {
			return -int32(EFAULT), false
		}
	}
	if setPtr == 0 {
		return 0, false
	}
	var buf [8]byte
	if err := p.ReadMem(setPtr, buf[:]); err != nil {
		return -int32(EFAULT), false
	}
	set := getU64(buf[:])
	switch how {
	case sigBlock:
		p.SetSigMask(p.SigMask() | set)
	case sigUnblock:
		p.SetSigMask(p.SigMask() &^ set)
	case sigSetmask:
		p.SetSigMask(set)
	}
	return 0, false
}

func sysSetThreadArea(p Proc, a Args) (int32, bool) {
	buf := make([]byte, userDescSize)
	if err := p.ReadMem(a[0], buf); err != nil {
		return -int32(EFAULT), false
	}
	d := getUserDesc(buf)
	d.EntryNumber = 6 // forced per spec §4.4's CLONE_SETTLS contract
	putUserDesc(buf, d)
	p.WriteMem(a[0], buf)
	return 0, false
}
