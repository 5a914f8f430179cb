// Package engine implements the event simulator kernel (ES): a
// single-threaded, cooperative, discrete-event scheduler over a
// monotonically increasing simulated clock.
//
// It is built directly on github.com/sarchlab/akita/v4/sim's own
// discrete-event primitives, the same triad every teacher simulation entry
// point drives: sim.NewSerialEngine() (test/testbench/relu/main.go,
// samples/passthrough/main.go and every other samples/*/main.go), and the
// sim.Event/sim.Handler contract those engines run (the Time()/Handler()
// accessor shape and the Handle(e sim.Event) error dispatch method are
// visible wherever the teacher builds a concrete sim.Msg, e.g.
// core/extport_internal_test.go's TestMsg, and wherever it drives
// sim.Buffer/sim.Port off one, e.g. core/port.go's defaultPort). Kernel is
// a thin domain adapter around sim.NewSerialEngine(): every event this
// repository schedules (a Kind plus an opaque Stack payload) is wrapped in
// a type implementing sim.Event and dispatched through a single
// sim.Handler, while Kernel keeps its own nanosecond-resolution Time on
// top of sim.VTimeInSec (seconds) so the rest of the repository's time
// arithmetic (nanosleep/futex deadlines, coherence retry latencies) stays
// in whole nanoseconds rather than floating-point seconds.
package engine

import (
	"math"

	"github.com/sarchlab/akita/v4/sim"
)

// Time is the simulated clock, in nanoseconds. Nanosleep and futex timeout
// deadlines are computed in these nanoseconds; Kernel.RealTime derives a
// microsecond clock from it by simple truncation.
type Time uint64

// toVTime converts a nanosecond duration/timestamp to the sim.VTimeInSec
// (seconds) unit the underlying sim.Engine schedules in.
func (t Time) toVTime() sim.VTimeInSec { return sim.VTimeInSec(float64(t) / 1e9) }

// fromVTime is toVTime's inverse. Rounding (rather than truncating) guards
// against sim.VTimeInSec's float64 representation losing the exact integer
// nanosecond value on the round trip.
func fromVTime(v sim.VTimeInSec) Time {
	return Time(math.Round(float64(v) * 1e9))
}

// Kind identifies the handler that should process an event.
type Kind int

// Stack is an opaque payload threaded through an event to its handler.
// The coherence engine uses it to carry an access-stack pointer; the
// context manager uses it to carry a *process.Context or wakeup record.
type Stack interface{}

// Handler processes one event. now is the kernel's clock at dispatch time,
// guaranteed >= the event's fire time. Handlers must not block: the
// scheduler is cooperative and single-threaded, and a blocking handler
// would stall every other component in the simulation.
type Handler func(k *Kernel, now Time, stack Stack)

// PerTick runs once per distinct time value the kernel advances to, before
// any event scheduled for that time is dispatched. It is used for
// the context manager's suspended-context polling and for the coherence
// engine's nothing-else-to-do bookkeeping.
type PerTick func(k *Kernel, now Time)

// event is this package's sim.Event: a fire time (in sim.VTimeInSec) plus
// the domain-level Kind/Stack payload a Kernel dispatches once the
// wrapped sim.Engine reaches it. Every event scheduled by a Kernel shares
// the same sim.Handler (kernelDispatcher below), matching the single
// Handler-per-event-kind shape sim.Event/sim.Handler describe.
type event struct {
	time    sim.VTimeInSec
	handler sim.Handler
	kind    Kind
	stack   Stack
}

func (e *event) Time() sim.VTimeInSec { return e.time }
func (e *event) Handler() sim.Handler { return e.handler }
func (e *event) IsSecondary() bool    { return false }

var _ sim.Event = (*event)(nil)

// kernelDispatcher is the single sim.Handler every event a Kernel
// schedules carries. Handling an event first advances the kernel's own
// nanosecond clock and, on crossing into a new distinct time, runs every
// registered PerTick before the event's own Kind handler — giving
// RegisterPerTick's "once per distinct time, before that time's events"
// contract on top of a sim.Engine that only knows about individual
// events.
type kernelDispatcher struct {
	k *Kernel
}

func (d *kernelDispatcher) Handle(e sim.Event) error {
	k := d.k
	ev := e.(*event)

	if !k.started || ev.time > k.simNow {
		k.started = true
		k.simNow = ev.time
		k.now = fromVTime(ev.time)
		for _, fn := range k.perTicks {
			fn(k, k.now)
		}
	}

	if h, ok := k.handlers[ev.kind]; ok {
		h(k, k.now, ev.stack)
	}
	return nil
}

var _ sim.Handler = (*kernelDispatcher)(nil)

// Kernel is the event simulator kernel (ES): a domain adapter around a
// sim.Engine (sim.NewSerialEngine()). The zero value is not usable;
// construct one with NewKernel.
type Kernel struct {
	eng      sim.Engine
	dispatch *kernelDispatcher

	now     Time
	simNow  sim.VTimeInSec
	started bool

	handlers map[Kind]Handler
	perTicks []PerTick
}

// NewKernel creates an idle kernel at time 0, backed by a fresh
// sim.SerialEngine — the same engine constructor every teacher sample
// (samples/*/main.go, test/testbench/*/main.go) builds its simulation
// around.
func NewKernel() *Kernel {
	k := &Kernel{eng: sim.NewSerialEngine(), handlers: make(map[Kind]Handler)}
	k.dispatch = &kernelDispatcher{k: k}
	return k
}

// RegisterHandler installs the handler invoked for events of the given
// kind. Registering the same kind twice replaces the previous handler.
func (k *Kernel) RegisterHandler(kind Kind, h Handler) {
	k.handlers[kind] = h
}

// RegisterPerTick installs a function invoked once after each distinct
// time value the kernel advances to (not once per event batch within that
// time — once per *new* time).
func (k *Kernel) RegisterPerTick(fn PerTick) {
	k.perTicks = append(k.perTicks, fn)
}

// Now returns the kernel's current simulated time.
func (k *Kernel) Now() Time { return k.now }

// Schedule inserts an event of the given kind at now+delay onto the
// underlying sim.Engine. Equal-time, equal-kind events dispatch in the
// FIFO order sim.Engine's own queue preserves them, matching spec §4.1's
// tie-break rule.
func (k *Kernel) Schedule(kind Kind, stack Stack, delay Time) {
	k.eng.Schedule(&event{
		time:    k.simNow + delay.toVTime(),
		handler: k.dispatch,
		kind:    kind,
		stack:   stack,
	})
}

// RunUntilIdle drains every event currently queued on the underlying
// sim.Engine, including ones its own handlers schedule along the way
// (even at zero delay), and returns once sim.Engine.Run reports the queue
// empty. Safe to call again later once new events have been scheduled —
// every teacher sample's driver.Run() does the same "drive the engine,
// come back and drive it again" thing across a program's successive
// phases.
func (k *Kernel) RunUntilIdle() {
	_ = k.eng.Run()
}

// RealTime returns a microsecond clock derived from the simulated time,
// usable as a base for timeout arithmetic (nanosleep deadlines, futex
// timeouts). Per spec §9's open question, this rounds down to whole
// microseconds; that truncation is preserved intentionally rather than
// "fixed", matching the source's documented behavior.
func (k *Kernel) RealTime() uint64 {
	return uint64(k.now) / 1000
}
