package elfload

import (
	"encoding/binary"

	"github.com/sarchlab/coresim/vmem"
)

// auxEntry is one (tag, value) pair of the auxiliary vector.
type auxEntry struct {
	Tag, Val uint32
}

// Ids carries the guest-visible identity fields the auxiliary vector
// exposes (AT_UID/AT_EUID/AT_GID/AT_EGID). The simulator runs every guest
// as a single fixed identity; nothing in this spec models multi-user
// permission checks.
type Ids struct {
	UID, EUID, GID, EGID uint32
}

// BuildStack lays out the initial stack image below img.StackTop, in the
// exact order the guest C runtime expects:
//
//	[argc, argv pointers, NULL, envp pointers, NULL, auxv entries, AT_NULL,
//	 argv/envp strings, random bytes]
//
// It maps a fresh stack region of stackSize bytes topped at stackTop,
// writes the layout, and returns the initial stack pointer along with
// filling in img.StackBase/StackTop/StackSize/EnvironBase/RandomAddr.
func BuildStack(im *vmem.Image, img *Image, stackTop, stackSize uint32, random [16]byte, ids Ids) (sp uint32, err error) {
	base := (stackTop &^ vmem.PageMask) - stackSize
	if err := im.Map(base, stackSize, vmem.PermInit|vmem.PermRead|vmem.PermWrite); err != nil {
		return 0, err
	}
	img.StackBase = base
	img.StackTop = stackTop
	img.StackSize = stackSize

	// The random bytes go at the very top, 16-byte aligned; the strings are
	// packed downward below them, each NUL-terminated.
	cursor := stackTop
	cursor -= 16
	cursor &^= 0xF
	randAddr := cursor
	if err := im.Write(randAddr, random[:]); err != nil {
		return 0, err
	}
	img.RandomAddr = randAddr

	writeStr := func(s string) (uint32, error) {
		n := uint32(len(s) + 1)
		cursor -= n
		buf := make([]byte, n)
		copy(buf, s)
		if err := im.Write(cursor, buf); err != nil {
			return 0, err
		}
		return cursor, nil
	}

	argvPtrs := make([]uint32, len(img.Argv))
	for i, s := range img.Argv {
		p, err := writeStr(s)
		if err != nil {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envPtrs := make([]uint32, len(img.Environ))
	for i, s := range img.Environ {
		p, err := writeStr(s)
		if err != nil {
			return 0, err
		}
		envPtrs[i] = p
	}

	auxv := []auxEntry{
		{AtPhdr, img.PhdrTable},
		{AtPhent, uint32(img.PhdrEntSize)},
		{AtPhnum, uint32(img.PhdrCount)},
		{AtPagesz, vmem.PageSize},
		{AtBase, img.InterpEntry},
		{AtEntry, img.Entry},
		{AtUID, ids.UID},
		{AtEUID, ids.EUID},
		{AtGID, ids.GID},
		{AtEGID, ids.EGID},
		{AtRandom, randAddr},
		{AtNull, 0},
	}

	// The pointer blocks (argc, argv[], NULL, envp[], NULL, auxv[]) are
	// word arrays, so the block's base must itself be 4-byte aligned.
	totalWords := 1 + len(argvPtrs) + 1 + len(envPtrs) + 1 + len(auxv)*2
	cursor -= uint32(totalWords) * 4
	cursor &^= 0xF // keep argc 16-byte aligned, matching the ABI's entry contract
	sp = cursor

	put32 := func(v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		if err := im.Write(cursor, b[:]); err != nil {
			return err
		}
		cursor += 4
		return nil
	}

	if err := put32(uint32(len(img.Argv))); err != nil {
		return 0, err
	}
	for _, p := range argvPtrs {
		if err := put32(p); err != nil {
			return 0, err
		}
	}
	if err := put32(0); err != nil {
		return 0, err
	}
	for _, p := range envPtrs {
		if err := put32(p); err != nil {
			return 0, err
		}
	}
	if err := put32(0); err != nil {
		return 0, err
	}
	if len(img.Environ) > 0 {
		img.EnvironBase = sp + 4 + uint32(len(img.Argv)+1)*4
	}
	for _, e := range auxv {
		if err := put32(e.Tag); err != nil {
			return 0, err
		}
		if err := put32(e.Val); err != nil {
			return 0, err
		}
	}

	return sp, nil
}
