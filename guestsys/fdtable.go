package guestsys

import (
	"fmt"
	"os"
	"sync"
)

// FD is one open file descriptor. Virtual descriptors are backed by a
// host temp file holding synthesized content (spec §4.4's "virtual
// files": /proc/self/maps, /proc/cpuinfo) and are deleted on close.
type FD struct {
	File     *os.File
	Virtual  bool
	TempPath string
	NonBlock bool
}

// FDTable is the guest file-descriptor table, shared across every context
// in a clone group that set CLONE_FILES (and all contexts under
// CLONE_VM, per spec §4.4's "otherwise fatal" rule).
type FDTable struct {
	mu    sync.Mutex
	files map[int32]*FD
	next  int32
}

// NewFDTable returns a table pre-populated with stdin/stdout/stderr
// wired to the host's standard streams.
func NewFDTable() *FDTable {
	t := &FDTable{files: make(map[int32]*FD), next: 3}
	t.files[0] = &FD{File: os.Stdin}
	t.files[1] = &FD{File: os.Stdout}
	t.files[2] = &FD{File: os.Stderr}
	return t
}

// Share returns the same table (used for CLONE_FILES/CLONE_VM).
func (t *FDTable) Share() *FDTable { return t }

// Clone returns an independent copy of the table sharing no descriptors
// (used for a fork-style clone without CLONE_FILES).
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &FDTable{files: make(map[int32]*FD, len(t.files)), next: t.next}
	for fd, f := range t.files {
		cp := *f
		out.files[fd] = &cp
	}
	return out
}

// Install assigns the lowest free guest fd number to f and returns it.
func (t *FDTable) Install(f *FD) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := int32(0)
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	return fd
}

// Get returns the FD for fd, or (nil, false) if it is not open.
func (t *FDTable) Get(fd int32) (*FD, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// Close closes and removes fd. Virtual descriptors have their backing
// temp file deleted.
func (t *FDTable) Close(fd int32) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("guestsys: close of unopened fd %d", fd)
	}
	err := f.File.Close()
	if f.Virtual && f.TempPath != "" {
		os.Remove(f.TempPath)
	}
	return err
}
