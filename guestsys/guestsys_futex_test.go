package guestsys

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/coresim/vmem"
)

// wakeCall records one FutexRegistry.Wake invocation, so specs can assert
// on which addresses/masks sysFutex actually woke rather than only on its
// integer return value.
type wakeCall struct {
	addr, count, mask uint32
}

type recordingFutex struct {
	epoch uint64
	calls []wakeCall
}

func (f *recordingFutex) NextEpoch() uint64 {
	f.epoch++
	return f.epoch
}

func (f *recordingFutex) Wake(addr, count, mask uint32) int {
	f.calls = append(f.calls, wakeCall{addr, count, mask})
	return int(count)
}

func (f *recordingFutex) Requeue(addr1, addr2 uint32, wakeCount, mask uint32) int {
	f.calls = append(f.calls, wakeCall{addr1, wakeCount, mask})
	return int(wakeCount)
}

// wakeOpProc is a fakeProc whose Futex() returns a recordingFutex so the
// WAKE_OP specs can inspect which addresses were woken.
type wakeOpProc struct {
	*fakeProc
	futexLog *recordingFutex
}

func newWakeOpProc() *wakeOpProc {
	p := newFakeProc()
	log := &recordingFutex{}
	return &wakeOpProc{fakeProc: p, futexLog: log}
}

func (p *wakeOpProc) Futex() FutexRegistry { return p.futexLog }

func putWord(im *vmem.Image, addr uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	im.Write(addr, buf[:])
}

func readWord(im *vmem.Image, addr uint32) uint32 {
	var buf [4]byte
	im.Read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// encodeWakeOp packs FUTEX_WAKE_OP's val3 encoding: opcode(3) | cmp(4) |
// oparg(12, signed) | cmparg(12, signed), matching futexDoWakeOp's
// decode.
func encodeWakeOp(opcode, cmp uint32, oparg, cmparg int32) uint32 {
	return opcode<<28 | cmp<<24 | (uint32(oparg)&0xFFF)<<12 | (uint32(cmparg) & 0xFFF)
}

var _ = Describe("futex FUTEX_WAKE_OP", func() {
	const addr1, addr2 = 0x20000, 0x20010

	var p *wakeOpProc

	BeforeEach(func() {
		p = newWakeOpProc()
		putWord(p.mem, addr2, 5)
	})

	It("applies FUTEX_OP_SET to addr2 and wakes addr1 unconditionally", func() {
		encoded := encodeWakeOp(0 /* SET */, 0 /* CMP_EQ */, 10, 5)
		ret, suspend := sysFutex(p, Args{addr1, futexWakeOp, 1, 2, addr2, encoded})

		Expect(suspend).To(BeFalse())
		Expect(readWord(p.mem, addr2)).To(BeEquivalentTo(10))
		Expect(ret).To(BeEquivalentTo(3)) // 1 on addr1, cmp succeeds (pre-op value 5 == cmparg 5) so +2 on addr2
		Expect(p.futexLog.calls).To(ContainElement(wakeCall{addr1, 1, allBitset}))
		Expect(p.futexLog.calls).To(ContainElement(wakeCall{addr2, 2, allBitset}))
	})

	It("skips the addr2 wake when the comparison fails", func() {
		encoded := encodeWakeOp(1 /* ADD */, 0 /* CMP_EQ */, 1, 999 /* never matches pre-op value 5 */)
		ret, suspend := sysFutex(p, Args{addr1, futexWakeOp, 3, 7, addr2, encoded})

		Expect(suspend).To(BeFalse())
		Expect(readWord(p.mem, addr2)).To(BeEquivalentTo(6)) // 5 + 1
		Expect(ret).To(BeEquivalentTo(3))                    // only addr1's wake counted
		Expect(p.futexLog.calls).To(ConsistOf(wakeCall{addr1, 3, allBitset}))
	})
})

var _ = Describe("futex FUTEX_CMP_REQUEUE", func() {
	const addr1, addr2 = 0x20000, 0x20010

	It("requeues the remaining waiters to addr2 when the comparison matches", func() {
		p := newWakeOpProc()
		putWord(p.mem, addr1, 42)

		ret, suspend := sysFutex(p, Args{addr1, futexCmpRequeue, 1, 0, addr2, 42})

		Expect(suspend).To(BeFalse())
		Expect(ret).To(BeEquivalentTo(1))
		Expect(p.futexLog.calls).To(ConsistOf(wakeCall{addr1, 1, allBitset}))
	})

	It("returns -EAGAIN without requeuing when the comparison value is stale", func() {
		p := newWakeOpProc()
		putWord(p.mem, addr1, 7)

		ret, suspend := sysFutex(p, Args{addr1, futexCmpRequeue, 1, 0, addr2, 42})

		Expect(suspend).To(BeFalse())
		Expect(ret).To(BeEquivalentTo(-int32(EAGAIN)))
		Expect(p.futexLog.calls).To(BeEmpty())
	})
})

var _ = Describe("virtual /proc files", func() {
	It("synthesizes /proc/self/maps content from the context's memory map", func() {
		p := newFakeProc()

		pathAddr := uint32(0x20800)
		p.mem.Write(pathAddr, append([]byte("/proc/self/maps"), 0))

		fd, suspend := sysOpen(p, Args{pathAddr, 0 /* O_RDONLY */, 0})
		Expect(suspend).To(BeFalse())
		Expect(fd).To(BeNumerically(">=", 0))

		f, ok := p.fds.Get(int32(fd))
		Expect(ok).To(BeTrue())
		Expect(f.Virtual).To(BeTrue())
		Expect(f.TempPath).NotTo(BeEmpty())
	})

	It("synthesizes a fixed /proc/cpuinfo template", func() {
		p := newFakeProc()

		pathAddr := uint32(0x20800)
		p.mem.Write(pathAddr, append([]byte("/proc/cpuinfo"), 0))

		fd, suspend := sysOpen(p, Args{pathAddr, 0, 0})
		Expect(suspend).To(BeFalse())

		f, ok := p.fds.Get(int32(fd))
		Expect(ok).To(BeTrue())
		Expect(f.Virtual).To(BeTrue())
	})
})
