package coherence

// AccessID indexes the access-stack arena. Spec §9's "arena allocation
// indexed by access-id, with the parent link a plain index" is implemented
// literally: Access.Parent is an AccessID, not a pointer, and the arena
// below is the only thing that dereferences it.
type AccessID int

// noAccess marks "no parent frame" (this Access is a top-level request).
const noAccess AccessID = -1

// Access is the per-request frame spec §3 names: "caller id, module,
// target module, address, tag, set, way, state read, dir-lock handle,
// return parent pointer, shared flag (out), error flag (out), eviction
// flag, writeback flag, pending-child counter, reply size, message
// handle, except-node for invalidations, original source set/way/tag when
// in eviction sub-flow."
type Access struct {
	ID     AccessID
	Parent AccessID

	Kind   AccessKind
	Module *Module
	Addr   uint32
	Size   uint32

	// FromNode is the index into Module.Above the requester occupies, or
	// noNode if this access was issued directly by a CPU (no upper level
	// to track as a sharer).
	FromNode    int
	NonBlocking bool

	blockAddr uint32
	hitState  BlockState

	// Shared is the load path's "shared flag (out)": set when another
	// sharer already existed below, so the requester installs S not E.
	Shared bool

	Eviction   bool
	Writeback  bool
	ExceptNode int

	pendingChildren int
	storeData       uint32
	retries         int

	// done is invoked with the final Result when a top-level (Parent ==
	// noAccess) access completes. Sub-flow frames instead resume their
	// parent directly (see finish/resume in protocol.go).
	done func(Result)

	// resume is the continuation scheduled when this frame's dependency
	// (a lock, a message, a child access) becomes available.
	resume func()
}

// Arena is the access-stack's backing store: a dense slice indexed by
// AccessID, as spec §9 asks for, with freed slots recycled via a free
// list so long runs don't grow the arena without bound.
type Arena struct {
	slots []*Access
	free  []AccessID
}

func newArena() *Arena { return &Arena{} }

func (a *Arena) alloc(parent AccessID, kind AccessKind, m *Module, addr, size uint32, fromNode int) *Access {
	acc := &Access{
		Parent:      parent,
		Kind:        kind,
		Module:      m,
		Addr:        addr,
		Size:        size,
		FromNode:    fromNode,
		ExceptNode:  noNode,
		blockAddr:   m.blockAddr(addr),
	}
	if len(a.free) > 0 {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		acc.ID = id
		a.slots[id] = acc
		return acc
	}
	acc.ID = AccessID(len(a.slots))
	a.slots = append(a.slots, acc)
	return acc
}

func (a *Arena) get(id AccessID) *Access {
	if id == noAccess {
		return nil
	}
	return a.slots[id]
}

// release reclaims id's slot. Spec §9: "the arena slot is reclaimed when
// the initiator completes" — sub-flow frames are released as soon as
// their parent has consumed their result.
func (a *Arena) release(id AccessID) {
	if id == noAccess {
		return
	}
	a.slots[id] = nil
	a.free = append(a.free, id)
}
