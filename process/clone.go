package process

import (
	"fmt"
	"strings"

	"github.com/sarchlab/coresim/config"
	"github.com/sarchlab/coresim/vmem"
)

// clone(2) flag bit values come from config's guest-ABI tables, never
// reinvented or taken from a host header, per spec §6's "host<->guest
// translation must use these, never host header constants" guidance.
const (
	cloneVM            = config.CloneVM
	cloneFS            = config.CloneFS
	cloneFILES         = config.CloneFILES
	cloneSIGHAND       = config.CloneSIGHAND
	cloneTHREAD        = config.CloneTHREAD
	cloneSETTLS        = config.CloneSETTLS
	cloneParentSetTID  = config.CloneParentSetTID
	cloneChildClearTID = config.CloneChildClearTID
	cloneChildSetTID   = config.CloneChildSetTID
)

// clone implements spec §4.4's clone(2) semantics: CLONE_VM shares memory,
// fd table, and signal handlers with its three sibling flags required
// alongside it; otherwise the child gets a deep-cloned memory image and
// independent fd/signal tables.
func (m *Manager) clone(parent *Context, flags, newsp, parentTidPtr, childTidPtr, tls uint32) (uint32, error) {
	vm := flags&cloneVM != 0
	if vm {
		required := uint32(cloneFS | cloneFILES | cloneSIGHAND)
		if flags&required != required {
			parent.Fatal(fmt.Sprintf(
				"clone: CLONE_VM requires CLONE_FS|CLONE_FILES|CLONE_SIGHAND together (got %s)",
				strings.Join(config.DecodeCloneFlags(flags), "|")))
			return 0, fmt.Errorf("clone: invalid flag combination %#x", flags)
		}
	}

	child := &Context{
		mgr:    m,
		arch:   parent.arch,
		pid:    m.allocPid(),
		loader: parent.loader,
		cwd:    parent.cwd,
		regs:   parent.regs,
		pc:     parent.pc,
	}

	if vm {
		child.mem = parent.mem.Share()
		child.fds = parent.fds.Share()
		child.sig = parent.sig.Share()
	} else {
		child.mem = parent.mem.Clone()
		child.fds = parent.fds.Clone()
		child.sig = parent.sig.Clone()
	}
	child.mirror = vmem.NewMirror(child.mem)

	if newsp != 0 {
		child.regs[29] = newsp
	}
	child.regs[child.arch.ReturnReg] = 0

	if flags&cloneTHREAD != 0 {
		child.exitSignal = 0
		if parent.groupParent != nil {
			child.groupParent = parent.groupParent
		} else {
			child.groupParent = parent
		}
	} else {
		child.groupParent = parent
	}
	parent.groupChildren = append(parent.groupChildren, child)

	if flags&cloneParentSetTID != 0 && parentTidPtr != 0 {
		var buf [4]byte
		putU32(buf[:], child.pid)
		parent.WriteMem(parentTidPtr, buf[:])
	}
	if flags&cloneChildSetTID != 0 && childTidPtr != 0 {
		var buf [4]byte
		putU32(buf[:], child.pid)
		child.WriteMem(childTidPtr, buf[:])
	}
	if flags&cloneChildClearTID != 0 {
		child.clearChildTID = childTidPtr
	}
	if flags&cloneSETTLS != 0 {
		child.tlsBase = tls
	}

	child.state = StateRunning
	m.running = append(m.running, child)
	return child.pid, nil
}
