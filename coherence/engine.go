package coherence

import (
	"math/rand"

	"github.com/sarchlab/coresim/engine"
)

// Engine is the MOESI coherence engine (MO): the access-stack arena, the
// NX network, and the event-kernel binding that lets protocol steps be
// expressed as chained continuations instead of an explicit state
// machine, mirroring how process.Manager's pollSuspended and guestsys's
// Wakeup records drive the rest of this simulator off the same kernel.
type Engine struct {
	kernel *engine.Kernel
	kind   engine.Kind
	arena  *Arena
	net    *Network
	rng    *rand.Rand
}

// stepFunc is the payload threaded through a coherence event: a single
// argument-free closure capturing whatever state the next protocol step
// needs. Kept as a plain func rather than an access-id dispatch table
// because, unlike process's Wakeup causes, every coherence continuation
// is unique to the call site that schedules it.
type stepFunc func()

// NewEngine constructs a coherence engine bound to kernel, registering
// the event kind it uses for scheduling continuations. linkCapacity is
// the default in-flight-message capacity of every NX link (see
// Engine.trySend).
func NewEngine(kernel *engine.Kernel, kind engine.Kind, linkCapacity int) *Engine {
	e := &Engine{
		kernel: kernel,
		kind:   kind,
		arena:  newArena(),
		net:    NewNetwork(linkCapacity),
		rng:    rand.New(rand.NewSource(1)),
	}
	kernel.RegisterHandler(kind, func(k *engine.Kernel, now engine.Time, stack engine.Stack) {
		stack.(stepFunc)()
	})
	return e
}

// after schedules fn to run delay ticks from now.
func (e *Engine) after(delay engine.Time, fn func()) {
	e.kernel.Schedule(e.kind, stepFunc(fn), delay)
}

// Load issues a top-level load access at module m, per spec §4.6.
func (e *Engine) Load(m *Module, addr, size uint32, nonBlocking bool, done func(Result)) {
	e.topLevel(AccessLoad, m, addr, size, nonBlocking, 0, done, 0)
}

// Store issues a top-level store access at module m. data is the value
// being written, delivered to the backing module once the access
// resolves to state M.
func (e *Engine) Store(m *Module, addr, size, data uint32, nonBlocking bool, done func(Result)) {
	e.topLevel(AccessStore, m, addr, size, nonBlocking, data, done, 0)
}

// topLevel allocates a fresh top-level access frame and starts it down
// the find-and-lock path. retries carries over the count from a prior
// failed attempt when this call is itself a retry (see fail in
// protocol.go).
func (e *Engine) topLevel(kind AccessKind, m *Module, addr, size uint32, nonBlocking bool, data uint32, done func(Result), retries int) {
	a := e.arena.alloc(noAccess, kind, m, addr, size, noNode)
	a.NonBlocking = nonBlocking
	a.storeData = data
	a.done = done
	a.retries = retries
	a.resume = func() { e.action(a) }
	e.after(m.Latency, func() { e.findAndLock(a) })
}
