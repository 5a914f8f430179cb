// Package guestsys is the syscall translator (SC): it recognizes the
// ABI-defined syscall number placed in a register by the instruction
// executor, translates guest-visible arguments and structures to host
// calls, and writes results back into guest memory and the return
// register — or suspends the calling context when the call must block.
//
// Syscall numbers follow the MIPS o32 Linux ABI (base 4000), the same
// convention recent guest binaries this simulator targets are compiled
// against.
package guestsys

import "fmt"

// Errno is a Linux errno value, returned to the guest as a negative
// return-register value per the syscall ABI convention.
type Errno int32

// Errno table, Linux i386/MIPS ABI values 1..34 (spec §4.4 cites this
// exact subset as the propagation surface for syscall failures), plus
// ETIMEDOUT for a futex wait whose timeout expires.
const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	ESRCH   Errno = 3
	EINTR   Errno = 4
	EIO     Errno = 5
	ENXIO   Errno = 6
	E2BIG   Errno = 7
	ENOEXEC Errno = 8
	EBADF   Errno = 9
	ECHILD  Errno = 10
	EAGAIN  Errno = 11
	ENOMEM  Errno = 12
	EACCES  Errno = 13
	EFAULT  Errno = 14
	ENOTBLK Errno = 15
	EBUSY   Errno = 16
	EEXIST  Errno = 17
	EXDEV   Errno = 18
	ENODEV  Errno = 19
	ENOTDIR Errno = 20
	EISDIR  Errno = 21
	EINVAL  Errno = 22
	ENFILE  Errno = 23
	EMFILE  Errno = 24
	ENOTTY  Errno = 25
	ETXTBSY Errno = 26
	EFBIG   Errno = 27
	ENOSPC  Errno = 28
	ESPIPE  Errno = 29
	EROFS   Errno = 30
	EMLINK  Errno = 31
	EPIPE   Errno = 32
	EDOM    Errno = 33
	ERANGE  Errno = 34

	ETIMEDOUT Errno = 110
)

// Syscall numbers, MIPS o32 ABI (offset 4000).
const (
	SysExit          = 4001
	SysFork          = 4002
	SysRead          = 4003
	SysWrite         = 4004
	SysOpen          = 4005
	SysClose         = 4006
	SysWaitpid       = 4007
	SysUnlink        = 4010
	SysTime          = 4013
	SysAccess        = 4033
	SysBrk           = 4045
	SysUname         = 4122
	SysClone         = 4120
	SysMprotect      = 4125
	SysNanosleep     = 4166
	SysRtSigaction   = 4194
	SysRtSigprocmask = 4195
	SysGetrlimit     = 4076
	SysMmap          = 4090
	SysMunmap        = 4091
	SysMmap2         = 4210
	SysFstat64       = 4215
	SysSetThreadArea = 4283
	SysSetTidAddress = 4252
	SysExitGroup     = 4246
	SysFutex         = 4238
	SysSetRobustList = 4338
)

// Args is the up-to-six-register argument vector an ABI syscall receives
// ($a0-$a3 plus two stack-spilled words for o32, or eax/ebx.. for IA-32 —
// the executor is responsible for gathering them into this shape
// regardless of ISA).
type Args [6]uint32

// Handler implements one syscall. It returns the value to write into the
// ABI return register, or sets suspend=true if it has already recorded a
// wakeup cause on p and the return register must NOT be overwritten
// (CX will supply the real return value on wakeup, per spec §4.4's
// suspension contract).
type Handler func(p Proc, a Args) (ret int32, suspend bool)

var table = map[uint32]Handler{
	SysExit:          sysExit,
	SysExitGroup:     sysExitGroup,
	SysRead:          sysRead,
	SysWrite:         sysWrite,
	SysOpen:          sysOpen,
	SysClose:         sysClose,
	SysAccess:        sysAccess,
	SysUnlink:        sysUnlink,
	SysTime:          sysTime,
	SysBrk:           sysBrk,
	SysMmap:          sysMmap,
	SysMmap2:         sysMmap2,
	SysMunmap:        sysMunmap,
	SysMprotect:      sysMprotect,
	SysUname:         sysUname,
	SysFstat64:       sysFstat64,
	SysGetrlimit:     sysGetrlimit,
	SysNanosleep:     sysNanosleep,
	SysClone:         sysClone,
	SysWaitpid:       sysWaitpid,
	SysSetTidAddress: sysSetTidAddress,
	SysSetRobustList: sysSetRobustList,
	SysRtSigaction:   sysRtSigaction,
	SysRtSigprocmask: sysRtSigprocmask,
	SysSetThreadArea: sysSetThreadArea,
	SysFutex:         sysFutex,
}

// Dispatch looks up num in the syscall table and runs its handler. An
// unrecognized syscall number is, per spec DESIGN NOTES, a noisy failure
// rather than a silent success: it terminates the calling context's
// group.
func Dispatch(p Proc, num uint32, a Args) {
	h, ok := table[num]
	if !ok {
		p.Fatal(fmt.Sprintf("guestsys: unimplemented syscall %d", num))
		return
	}
	ret, suspended := h(p, a)
	if !suspended {
		p.SetReturn(uint32(ret))
	}
}
