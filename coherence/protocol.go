package coherence

import "github.com/sarchlab/coresim/engine"

// action runs once find-and-lock has resolved hit/miss for a, per the
// Load/Store entries of spec §4.6.
func (e *Engine) action(a *Access) {
	if a.Kind == AccessLoad {
		e.doLoad(a)
		return
	}
	e.doStore(a)
}

func (e *Engine) doLoad(a *Access) {
	m := a.Module
	if a.hitState != StateI {
		e.finish(a, a.hitState, m.readData(a.Addr))
		return
	}
	e.readRequestDown(a, func(shared bool, data uint32) {
		a.Shared = shared
		st := StateE
		if shared {
			st = StateS
		}
		m.setState(a.blockAddr, st)
		m.writeData(a.Addr, data)
		e.finish(a, st, data)
	})
}

func (e *Engine) doStore(a *Access) {
	m := a.Module
	e.invalidateUpperSharers(a, a.Addr, noNode, func(_ bool) {
		proceed := func() {
			m.setState(a.blockAddr, StateM)
			m.writeData(a.Addr, a.storeData)
			e.finish(a, StateM, a.storeData)
		}
		if a.hitState == StateM || a.hitState == StateE {
			proceed()
			return
		}
		e.writeRequestDown(a, proceed)
	})
}

// NCStore implements the nc-store access kind: a write that bypasses the
// coherence protocol entirely, landing directly at the backing
// main-memory module. Spec §4.6 names nc-store among the three top-level
// access kinds but gives it no dedicated protocol steps; this simulator
// treats it as the MMIO-style bypass that naming implies, documented as
// a simplification in DESIGN.md.
func (e *Engine) NCStore(m *Module, addr, data uint32, done func(Result)) {
	root := m
	for root.Below != nil {
		root = root.Below
	}
	e.after(m.Latency, func() {
		root.writeData(addr, data)
		done(Result{FinalState: StateI})
	})
}

// findAndLockFor runs find-and-lock for a freshly allocated internal
// access (not a top-level one), invoking onLocked once the lock is held
// and a.hitState is populated.
func (e *Engine) findAndLockFor(a *Access, onLocked func()) {
	a.resume = onLocked
	e.findAndLock(a)
}

// findAndLock is spec §4.6's Find-and-lock: acquire the per-block
// directory lock (FIFO among blocking waiters, immediate failure for
// non-blocking ones), evicting an LRU victim first if the set is full.
func (e *Engine) findAndLock(a *Access) {
	m := a.Module
	bl := m.getLock(a.blockAddr)
	if bl.held {
		if a.NonBlocking {
			e.fail(a)
			return
		}
		bl.waiters = append(bl.waiters, a)
		return
	}
	e.acquireAndProceed(a, bl)
}

func (e *Engine) acquireAndProceed(a *Access, bl *blockLock) {
	bl.held = true
	bl.holder = a.ID
	m := a.Module

	if m.Kind == KindMainMemory {
		a.hitState = StateE
		a.resume()
		return
	}

	if _, st, found := m.lookup(a.Addr); found {
		m.Stats.Hits++
		m.touch(a.Addr)
		a.hitState = st
		a.resume()
		return
	}

	m.Stats.Misses++
	if victim, full := m.victim(a.Addr); full {
		e.evict(a, victim.addr, func() {
			a.hitState = StateI
			a.resume()
		})
		return
	}
	a.hitState = StateI
	a.resume()
}

// unlock releases a.Module's lock on blockAddr, handing it directly to
// the next FIFO waiter if one is queued.
func (e *Engine) unlock(m *Module, blockAddr uint32) {
	bl := m.getLock(blockAddr)
	if len(bl.waiters) > 0 {
		next := bl.waiters[0]
		bl.waiters = bl.waiters[1:]
		e.acquireAndProceed(next, bl)
		return
	}
	bl.held = false
	bl.holder = noAccess
}

// finish completes a top-level access: releases its block lock, reports
// the result, and reclaims its arena slot.
func (e *Engine) finish(a *Access, st BlockState, data uint32) {
	e.unlock(a.Module, a.blockAddr)
	res := Result{FinalState: st, Data: data, Retries: a.retries, Shared: a.Shared}
	done := a.done
	e.arena.release(a.ID)
	done(res)
}

// top walks a's parent chain back to the originating top-level access.
func (e *Engine) top(a *Access) *Access {
	cur := a
	for cur.Parent != noAccess {
		cur = e.arena.get(cur.Parent)
	}
	return cur
}

// fail implements spec §4.6's Error-and-retry: a non-blocking lock
// failure anywhere in an access's call chain aborts the whole chain and
// reissues the top-level access after a randomised latency at least as
// large as the module's own latency.
func (e *Engine) fail(a *Access) {
	top := e.top(a)
	for cur := a; cur != nil; {
		parentID := cur.Parent
		if cur.ID != top.ID {
			e.arena.release(cur.ID)
		}
		if parentID == noAccess {
			break
		}
		cur = e.arena.get(parentID)
	}

	top.retries++
	top.Module.Stats.Retries++
	m, kind, addr, size, nb, data, done, retries := top.Module, top.Kind, top.Addr, top.Size, top.NonBlocking, top.storeData, top.done, top.retries
	delay := m.Latency + engine.Time(e.rng.Intn(int(m.Latency)+1))
	e.arena.release(top.ID)
	e.after(delay, func() {
		e.topLevel(kind, m, addr, size, nb, data, done, retries)
	})
}

// evict implements spec §4.6's Evict for the resident block at
// victimAddr in parent.Module: invalidate upper sharers, writeback if
// dirty (or a bare ack otherwise), and at the lower level clear the
// evicting node's directory bits, then promote to M if the block was dirty.
func (e *Engine) evict(parent *Access, victimAddr uint32, onDone func()) {
	m := parent.Module
	_, st, found := m.lookup(victimAddr)
	if !found {
		onDone()
		return
	}
	dirty := st == StateM || st == StateO

	ev := e.arena.alloc(parent.ID, parent.Kind, m, victimAddr, m.BlockSize, noNode)
	ev.Eviction = true

	e.invalidateUpperSharers(ev, victimAddr, noNode, func(upperDirty bool) {
		dirty = dirty || upperDirty
		m.invalidateLocal(victimAddr)
		m.clearDirectory(victimAddr)
		m.Stats.Evictions++

		finish := func() {
			e.arena.release(ev.ID)
			onDone()
		}

		if m.Below == nil {
			finish()
			return
		}
		if dirty {
			m.Stats.Writebacks++
			ev.Writeback = true
		}
		size := uint32(8)
		if dirty {
			size = m.BlockSize + 8
		}
		data := m.readData(victimAddr)
		lower := m.Below
		e.sendMessage(m, lower, size, func() {
			sub := e.arena.alloc(ev.ID, AccessStore, lower, victimAddr, lower.BlockSize, m.IndexBelow)
			e.findAndLockFor(sub, func() {
				d := lower.directory(victimAddr)
				delete(d.sharers, m.IndexBelow)
				if d.owner == m.IndexBelow {
					d.owner = noNode
				}
				proceed := func() {
					if dirty {
						lower.setState(sub.blockAddr, StateM)
						lower.writeData(victimAddr, data)
					}
					e.unlock(lower, sub.blockAddr)
					e.arena.release(sub.ID)
					finish()
				}
				if sub.hitState == StateO || sub.hitState == StateS {
					e.writeRequestDown(sub, proceed)
					return
				}
				proceed()
			})
		})
	})
}

// readRequestDown implements spec §4.6's read-request up-down step: a's
// module forwards a miss to a.Module.Below, which serves it (forwarding
// to the current owner if one exists and recursing on its own miss), and
// reports whether another sharer already existed there.
func (e *Engine) readRequestDown(a *Access, cb func(shared bool, data uint32)) {
	m := a.Module
	lower := m.Below
	if lower == nil {
		cb(false, m.readData(a.Addr))
		return
	}
	e.sendMessage(m, lower, a.Size, func() {
		sub := e.arena.alloc(a.ID, AccessLoad, lower, a.Addr, a.Size, m.IndexBelow)
		e.findAndLockFor(sub, func() {
			d := lower.directory(a.Addr)
			finishSub := func(data uint32) {
				hadOther := len(d.sharers) > 0
				d.sharers[m.IndexBelow] = true
				e.unlock(lower, sub.blockAddr)
				e.arena.release(sub.ID)
				cb(hadOther, data)
			}

			if sub.hitState != StateI {
				if d.owner != noNode && d.owner != m.IndexBelow {
					owner := d.owner
					// The owner is about to downgrade to S and a second
					// sharer is about to be added below, so no single node
					// owns the block anymore (directory invariant: S state
					// carries owner = NONE).
					d.owner = noNode
					e.sendMessage(lower, lower.Above[owner], a.Size, func() {
						e.readRequestDownUp(lower.Above[owner], a.Addr, finishSub)
					})
					return
				}
				finishSub(lower.readData(a.Addr))
				return
			}

			e.readRequestDown(sub, func(shared bool, data uint32) {
				st := StateE
				if shared {
					st = StateS
				}
				lower.setState(sub.blockAddr, st)
				lower.writeData(a.Addr, data)
				finishSub(data)
			})
		})
	})
}

// readRequestDownUp implements spec §4.6's read-request down-up step:
// the owner above downgrades to S and supplies its data.
func (e *Engine) readRequestDownUp(owner *Module, addr uint32, done func(data uint32)) {
	data := owner.readData(addr)
	if _, st, found := owner.lookup(addr); found && st != StateS {
		owner.setState(owner.blockAddr(addr), StateS)
	}
	done(data)
}

// writeRequestDown implements spec §4.6's write-request up-down step on
// behalf of a: a.Module.Below invalidates its own upper sharers (except
// the requester), then either serves immediately (M/E) or recurses
// further down before transitioning to M with the requester as sole
// sharer+owner.
func (e *Engine) writeRequestDown(a *Access, done func()) {
	m := a.Module
	lower := m.Below
	if lower == nil {
		done()
		return
	}
	e.sendMessage(m, lower, a.Size, func() {
		sub := e.arena.alloc(a.ID, AccessStore, lower, a.Addr, a.Size, m.IndexBelow)
		e.findAndLockFor(sub, func() {
			e.invalidateUpperSharers(sub, a.Addr, m.IndexBelow, func(_ bool) {
				finishSub := func() {
					d := lower.directory(a.Addr)
					d.sharers = map[int]bool{m.IndexBelow: true}
					d.owner = m.IndexBelow
					e.unlock(lower, sub.blockAddr)
					e.arena.release(sub.ID)
					done()
				}
				if sub.hitState == StateM || sub.hitState == StateE {
					lower.setState(sub.blockAddr, StateM)
					finishSub()
					return
				}
				e.writeRequestDown(sub, func() {
					lower.setState(sub.blockAddr, StateM)
					finishSub()
				})
			})
		})
	})
}

// writeRequestDownUp implements spec §4.6's write-request down-up step:
// a cache above is asked to give up the block entirely. It invalidates
// its own copy and reports whether it held dirty data.
func (e *Engine) writeRequestDownUp(m *Module, addr uint32, done func(dirty bool)) {
	_, st, found := m.lookup(addr)
	if !found {
		done(false)
		return
	}
	dirty := st == StateM || st == StateO
	m.invalidateLocal(addr)
	m.clearDirectory(addr)
	done(dirty)
}

// invalidateUpperSharers implements spec §4.6's Invalidate: every sharer
// of parent.Module's directory entry for addr, except `except`, is sent
// a write-request upward; completion blocks until every child returns.
func (e *Engine) invalidateUpperSharers(parent *Access, addr uint32, except int, done func(anyDirty bool)) {
	m := parent.Module
	d := m.directory(addr)
	var targets []int
	for n := range d.sharers {
		if n != except {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		done(false)
		return
	}

	inv := e.arena.alloc(parent.ID, parent.Kind, m, addr, m.BlockSize, except)
	inv.ExceptNode = except
	inv.pendingChildren = len(targets)
	anyDirty := false

	for _, n := range targets {
		n := n
		e.sendMessage(m, m.Above[n], 8, func() {
			e.writeRequestDownUp(m.Above[n], addr, func(dirty bool) {
				if dirty {
					anyDirty = true
				}
				delete(d.sharers, n)
				if d.owner == n {
					d.owner = noNode
				}
				inv.pendingChildren--
				if inv.pendingChildren == 0 {
					e.arena.release(inv.ID)
					done(anyDirty)
				}
			})
		})
	}
}
