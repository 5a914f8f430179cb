package guestsys

import "encoding/binary"

// The structs below are simplified guest-ABI layouts: enough fields,
// packed little-endian in the order the real struct defines them, to
// satisfy a guest libc that only inspects a handful of members (mode,
// size, times) rather than a byte-exact kernel struct stat64. Spec §4.4
// calls out exactly these five as needing guest/host translation.

// putStat64 writes a guest struct stat64 (simplified: st_dev, st_ino,
// st_mode, st_nlink, st_uid, st_gid, st_size, st_atime, st_mtime,
// st_ctime, st_blksize, st_blocks — 12 x uint32/uint64 mixed, packed as
// uint32 words for simplicity) into buf, which must be at least 96 bytes.
func putStat64(buf []byte, size int64, mode uint32, isDir bool) {
	le := binary.LittleEndian
	for i := range buf {
		buf[i] = 0
	}
	if isDir {
		mode |= 0040000
	} else {
		mode |= 0100000
	}
	le.PutUint32(buf[0:], 0)          // st_dev
	le.PutUint32(buf[16:], 1)         // st_ino
	le.PutUint32(buf[24:], mode)      // st_mode
	le.PutUint32(buf[28:], 1)         // st_nlink
	le.PutUint64(buf[48:], uint64(size)) // st_size
	le.PutUint32(buf[56:], 4096)      // st_blksize
}

const stat64Size = 96

// putUtsname writes a guest struct utsname: five 65-byte NUL-terminated
// fields (sysname, nodename, release, version, machine), per spec §4.4.
func putUtsname(buf []byte, sysname, nodename, release, version, machine string) {
	const fieldLen = 65
	fields := []string{sysname, nodename, release, version, machine}
	for i, s := range fields {
		off := i * fieldLen
		n := copy(buf[off:off+fieldLen-1], s)
		buf[off+n] = 0
	}
}

const utsnameSize = 65 * 5

// putRlimit writes a guest struct rlimit {rlim_cur, rlim_max} as two
// 32-bit words (this simulator never needs the 64-bit RLIM_INFINITY
// range).
func putRlimit(buf []byte, cur, max uint32) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], cur)
	le.PutUint32(buf[4:], max)
}

const rlimitSize = 8

// userDesc mirrors Linux's struct user_desc, used by set_thread_area:
// entry_number, base_addr, limit, and a packed flags word. Only
// entry_number/base_addr/limit are honored; the flags word is ignored,
// since this simulator doesn't model segment-limit faults.
type userDesc struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flags       uint32
}

func getUserDesc(buf []byte) userDesc {
	le := binary.LittleEndian
	return userDesc{
		EntryNumber: le.Uint32(buf[0:]),
		BaseAddr:    le.Uint32(buf[4:]),
		Limit:       le.Uint32(buf[8:]),
		Flags:       le.Uint32(buf[12:]),
	}
}

func putUserDesc(buf []byte, d userDesc) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], d.EntryNumber)
	le.PutUint32(buf[4:], d.BaseAddr)
	le.PutUint32(buf[8:], d.Limit)
	le.PutUint32(buf[12:], d.Flags)
}

const userDescSize = 16

// getTimespec reads a guest struct timespec {tv_sec, tv_nsec} (two 32-bit
// words) and returns it as total nanoseconds.
func getTimespec(buf []byte) int64 {
	le := binary.LittleEndian
	sec := int64(int32(le.Uint32(buf[0:])))
	nsec := int64(int32(le.Uint32(buf[4:])))
	return sec*1_000_000_000 + nsec
}

func putTimespec(buf []byte, ns int64) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(ns/1_000_000_000))
	le.PutUint32(buf[4:], uint32(ns%1_000_000_000))
}

const timespecSize = 8

func putU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func getU32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
func putU64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getU64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }
