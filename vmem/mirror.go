package vmem

// Mirror is a per-context speculative overlay over an Image. Reads consult
// the overlay first and fall back to the base image; writes are buffered
// in the overlay until Commit or Discard. It is exclusively owned by its
// context (never shared), unlike Image.
type Mirror struct {
	base   *Image
	dirty  map[uint32][PageSize]byte
	active bool
}

// NewMirror returns a mirror over base with speculation not yet entered.
func NewMirror(base *Image) *Mirror {
	return &Mirror{base: base, dirty: make(map[uint32][PageSize]byte)}
}

// Enter puts the mirror into speculative mode. It is idempotent: entering
// while already active keeps the existing buffered writes. There is a
// single speculative region: regions do not nest, and one Commit or
// Discard applies to every buffered write.
func (m *Mirror) Enter() { m.active = true }

// Active reports whether the mirror is currently buffering writes.
func (m *Mirror) Active() bool { return m.active }

// Write buffers src at addr into the speculative overlay if active;
// otherwise it writes straight through to the base image.
func (m *Mirror) Write(addr uint32, src []byte) error {
	if !m.active {
		return m.base.Write(addr, src)
	}

	off := 0
	for off < len(src) {
		a := addr + uint32(off)
		base := pageBase(a)
		page, ok := m.dirty[base]
		if !ok {
			var fresh [PageSize]byte
			if err := m.base.Read(base, fresh[:]); err != nil {
				// Unmapped in the base image; start from zero so a
				// speculative store into freshly-mmap'd memory still
				// works before commit.
			}
			page = fresh
		}
		pageOff := a - base
		n := copy(page[pageOff:], src[off:])
		m.dirty[base] = page
		off += n
	}
	return nil
}

// Read copies len(dst) bytes starting at addr, preferring speculatively
// dirtied pages over the base image.
func (m *Mirror) Read(addr uint32, dst []byte) error {
	off := 0
	for off < len(dst) {
		a := addr + uint32(off)
		base := pageBase(a)
		pageOff := a - base

		if page, ok := m.dirty[base]; ok && m.active {
			n := copy(dst[off:], page[pageOff:])
			off += n
			continue
		}

		var tmp [PageSize]byte
		if err := m.base.Read(base, tmp[:]); err != nil {
			return err
		}
		n := copy(dst[off:], tmp[pageOff:])
		off += n
	}
	return nil
}

// Commit flushes every buffered speculative write to the base image and
// clears the overlay.
func (m *Mirror) Commit() error {
	for base, page := range m.dirty {
		if err := m.base.Write(base, page[:]); err != nil {
			return err
		}
	}
	m.Discard()
	return nil
}

// Discard clears the speculative overlay without touching the base image,
// and leaves speculative mode. This is the recovery path after a branch
// misprediction or an aborted speculative access.
func (m *Mirror) Discard() {
	m.dirty = make(map[uint32][PageSize]byte)
	m.active = false
}
