// Command coresim-run loads a 32-bit MIPS or x86 ELF guest binary and
// executes it to completion, the way the teacher's samples/*/main.go
// programs build a device and run a kernel to completion: construct the
// event kernel, wire the root context, drive it to idle, print a
// statistics report when CORESIM_REPORT is set, and exit with the guest's
// own exit code via atexit.Exit.
//
// Command-line parsing itself is out of scope for this simulator (spec
// §1 names it an external collaborator's concern), so invocation is
// positional rather than flag-based: the guest binary path followed by
// its own argv.
package main

import (
	"crypto/rand"
	"debug/elf"
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	"github.com/sarchlab/coresim/elfload"
	"github.com/sarchlab/coresim/engine"
	"github.com/sarchlab/coresim/internal/report"
	"github.com/sarchlab/coresim/internal/trace"
	"github.com/sarchlab/coresim/process"
	"github.com/sarchlab/coresim/vmem"
)

// maxTicks bounds the guest-instruction step count so a genuinely
// deadlocked guest program (every context suspended on a futex/waitpid
// with no deadline and nothing left to wake it) doesn't hang this
// process forever; spec §4.6's "no retry cap is imposed (livelock is
// externally detected by test harness)" names exactly this kind of
// external backstop.
const maxTicks = 50_000_000

const (
	mmapBase = 0x40000000
	brkStart = 0x08000000
	stackTop = 0x7FFFF000
	stackLen = 64 * 1024
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: coresim-run <guest-binary> [guest-args...]")
		atexit.Exit(2)
		return
	}
	if os.Getenv("CORESIM_TRACE") != "" {
		trace.Enabled = true
	}

	path := os.Args[1]
	status := run(path, os.Args[1:], os.Environ())
	atexit.Exit(status)
}

func run(path string, argv, environ []string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coresim-run: %v\n", err)
		return 1
	}

	arch, err := detectArch(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coresim-run: %v\n", err)
		return 1
	}

	cwd, _ := os.Getwd()
	im := vmem.NewImage(brkStart, mmapBase)
	ld, err := elfload.Load(im, data, path, argv, environ, cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coresim-run: %v\n", err)
		return 1
	}

	var random [16]byte
	_, _ = rand.Read(random[:])
	ids := elfload.Ids{UID: uint32(os.Getuid()), EUID: uint32(os.Geteuid()), GID: uint32(os.Getgid()), EGID: uint32(os.Getegid())}
	sp, err := elfload.BuildStack(im, ld, stackTop, stackLen, random, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coresim-run: %v\n", err)
		return 1
	}

	entry := ld.Entry
	if ld.Interp != "" {
		entry = ld.InterpEntry
	}

	kernel := engine.NewKernel()
	mgr := process.NewManager(kernel)
	root := mgr.Spawn(arch, im, ld, entry, sp)

	ticks := 0
	for !mgr.Idle() && ticks < maxTicks {
		mgr.RunTicks(1)
		kernel.RunUntilIdle()
		ticks++
	}

	for _, l := range mgr.Logs() {
		fmt.Fprintln(os.Stderr, l)
	}
	if !mgr.Idle() {
		fmt.Fprintf(os.Stderr, "coresim-run: guest did not reach completion within %d ticks (livelock?)\n", maxTicks)
	}

	if os.Getenv("CORESIM_REPORT") != "" {
		printReport(mgr)
	}

	_, status := root.ExitStatus()
	return int(status)
}

// detectArch reads just enough of the ELF header to pick the ISA this
// simulator knows how to execute, per spec §1's MIPS/x86 scope. elfload
// itself doesn't surface e_machine (it only needs ELFCLASS32), so this
// is read directly the same minimal way elfload.Load validates
// ELFCLASS32.
func detectArch(data []byte) (process.Arch, error) {
	f, err := elf.NewFile(sliceReaderAt(data))
	if err != nil {
		return process.Arch{}, fmt.Errorf("detectArch: %w", err)
	}
	defer f.Close()

	switch f.Machine {
	case elf.EM_MIPS:
		return process.MIPS32, nil
	case elf.EM_386:
		return process.X86_32, nil
	default:
		return process.Arch{}, fmt.Errorf("detectArch: unsupported e_machine %v", f.Machine)
	}
}

type sliceReaderAt []byte

func (s sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s)) {
		return 0, fmt.Errorf("detectArch: read past end of file")
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, fmt.Errorf("detectArch: short read")
	}
	return n, nil
}

func printReport(mgr *process.Manager) {
	rows := make([]report.ContextRow, 0, len(mgr.Contexts()))
	for _, c := range mgr.Contexts() {
		exited, status := c.ExitStatus()
		last, cur, _ := c.InstTrail()
		rows = append(rows, report.ContextRow{
			Pid:     c.Pid(),
			State:   c.State().String(),
			LastPC:  last,
			CurPC:   cur,
			Exited:  exited,
			ExitVal: status,
		})
	}
	report.Contexts(os.Stdout, rows)
}
