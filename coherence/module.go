package coherence

import "github.com/sarchlab/coresim/engine"

// line is one resident cache block within a set: its tag (block-aligned
// address) and its MOESI state. No separate tag for a fill in progress is
// kept. Sets are kept MRU-first so the victim for replacement is always the
// last element, per spec §4.5.
type line struct {
	addr  uint32
	state BlockState
}

// dirEntry is one directory record, at sub-block (min_block_size)
// granularity, per spec §3's Directory data model.
type dirEntry struct {
	sharers map[int]bool
	owner   int // noNode if none
}

func newDirEntry() *dirEntry { return &dirEntry{sharers: make(map[int]bool)} }

// blockLock is a block's directory lock; blocked find-and-lock requests
// queue FIFO in waiters.
type blockLock struct {
	held    bool
	holder  AccessID
	waiters []*Access
}

// Module is one level of the memory hierarchy: a cache, or the
// main-memory module that terminates it. Spec §3's "Cache module" data
// model.
type Module struct {
	Name string

	BlockSize    uint32
	MinBlockSize uint32
	Assoc        int
	SetCount     int
	Latency      engine.Time
	Kind         Kind

	Below      *Module
	IndexBelow int // this module's node id as seen by Below's directory
	Above      []*Module

	sets []([]line)
	dir  map[uint32]*dirEntry  // keyed by sub-block aligned address
	lock map[uint32]*blockLock // keyed by block-aligned address

	// data holds each module's own view of the bytes at a block address.
	// A cache module only has fresh data for blocks it actually owns or
	// shares a current copy of; the directory-forwarding logic in
	// protocol.go is what keeps reads landing on the right module.
	data map[uint32]uint32

	Stats Stats
}

// NewModule constructs a cache module. assoc/setCount are ignored (may be
// zero) for KindMainMemory, which has unbounded, always-hit capacity.
func NewModule(name string, blockSize, minBlockSize uint32, assoc, setCount int, latency engine.Time, kind Kind) *Module {
	m := &Module{
		Name:         name,
		BlockSize:    blockSize,
		MinBlockSize: minBlockSize,
		Assoc:        assoc,
		SetCount:     setCount,
		Latency:      latency,
		Kind:         kind,
		dir:          make(map[uint32]*dirEntry),
		lock:         make(map[uint32]*blockLock),
		data:         make(map[uint32]uint32),
	}
	if kind == KindCache {
		m.sets = make([][]line, setCount)
	}
	return m
}

// Wire attaches upper as a node directly above lower, assigning upper the
// next free node id in lower's directory/Above bookkeeping.
func Wire(lower, upper *Module) {
	upper.Below = lower
	upper.IndexBelow = len(lower.Above)
	lower.Above = append(lower.Above, upper)
}

func (m *Module) blockAddr(addr uint32) uint32 { return addr &^ (m.BlockSize - 1) }
func (m *Module) subAddr(addr uint32) uint32   { return addr &^ (m.MinBlockSize - 1) }

func (m *Module) setIndex(blockAddr uint32) int {
	return int((blockAddr / m.BlockSize) % uint32(m.SetCount))
}

// lookup reports the resident line for addr's block, if any.
func (m *Module) lookup(addr uint32) (way int, st BlockState, found bool) {
	ba := m.blockAddr(addr)
	si := m.setIndex(ba)
	for i, l := range m.sets[si] {
		if l.addr == ba {
			return i, l.state, true
		}
	}
	return -1, StateI, false
}

// touch promotes addr's block to most-recently-used.
func (m *Module) touch(addr uint32) {
	ba := m.blockAddr(addr)
	si := m.setIndex(ba)
	set := m.sets[si]
	for i, l := range set {
		if l.addr == ba {
			copy(set[1:i+1], set[:i])
			set[0] = l
			return
		}
	}
}

// victim reports the current LRU candidate in addr's set, if the set is
// at capacity.
func (m *Module) victim(addr uint32) (line, bool) {
	ba := m.blockAddr(addr)
	si := m.setIndex(ba)
	set := m.sets[si]
	if len(set) < m.Assoc {
		return line{}, false
	}
	return set[len(set)-1], true
}

// setState writes addr's resident state, inserting a new line if the
// block wasn't already resident (the caller is responsible for having
// evicted a victim first if the set was full). Main memory has no
// set-associative state of its own (NewModule never allocates sets for
// KindMainMemory) and is always implicitly valid, so this is a no-op
// there.
func (m *Module) setState(addr uint32, st BlockState) {
	if m.Kind == KindMainMemory {
		return
	}
	ba := m.blockAddr(addr)
	si := m.setIndex(ba)
	set := m.sets[si]
	for i, l := range set {
		if l.addr == ba {
			set[i].state = st
			m.touch(addr)
			return
		}
	}
	newSet := append([]line{{addr: ba, state: st}}, set...)
	if len(newSet) > m.Assoc {
		newSet = newSet[:m.Assoc]
	}
	m.sets[si] = newSet
}

// invalidateLocal removes addr's block from the set entirely (state I is
// modeled as absence, matching directory invariant (a): I has no
// sharers/owner).
func (m *Module) invalidateLocal(addr uint32) {
	ba := m.blockAddr(addr)
	si := m.setIndex(ba)
	set := m.sets[si]
	for i, l := range set {
		if l.addr == ba {
			m.sets[si] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

// readData returns this module's own view of the word at addr (zero if
// it has never been written).
func (m *Module) readData(addr uint32) uint32 { return m.data[addr] }

// writeData records this module's own view of the word at addr.
func (m *Module) writeData(addr, v uint32) { m.data[addr] = v }

// directory returns (creating if absent) the sub-block directory entry
// for addr.
func (m *Module) directory(addr uint32) *dirEntry {
	sa := m.subAddr(addr)
	d, ok := m.dir[sa]
	if !ok {
		d = newDirEntry()
		d.owner = noNode
		m.dir[sa] = d
	}
	return d
}

// clearDirectory drops addr's sub-block directory entries entirely
// (invariant (a): invalid blocks carry no sharers/owner).
func (m *Module) clearDirectory(blockAddr uint32) {
	for sub := blockAddr; sub < blockAddr+m.BlockSize; sub += m.MinBlockSize {
		delete(m.dir, sub)
	}
}

func (m *Module) getLock(blockAddr uint32) *blockLock {
	l, ok := m.lock[blockAddr]
	if !ok {
		l = &blockLock{holder: noAccess}
		m.lock[blockAddr] = l
	}
	return l
}
