package guestsys

const (
	futexWait       = 0
	futexWake       = 1
	futexRequeue    = 3
	futexCmpRequeue = 4
	futexWakeOp     = 5
	futexWaitBitset = 9
	futexWakeBitset = 10

	futexPrivateFlag  = 128
	futexClockRealtime = 256

	allBitset = 0xFFFFFFFF
)

// sysFutex implements futex(addr1, op, val1, timeout, addr2, val3) per
// spec §4.4: op's low byte (after stripping PRIVATE/CLOCK_REALTIME) picks
// the command; for WAKE_OP the `timeout` argument slot is reinterpreted
// as val2, matching the real kernel ABI. REQUEUE/CMP_REQUEUE do not read
// that slot: every waiter left on addr1 after waking val1 is moved.
func sysFutex(p Proc, a Args) (int32, bool) {
	addr1, op, val1, timeoutPtr, addr2, val3 := a[0], a[1], a[2], a[3], a[4], a[5]
	cmd := op &^ (futexPrivateFlag | futexClockRealtime)

	switch cmd {
	case futexWait, futexWaitBitset:
		return futexDoWait(p, addr1, val1, val3, timeoutPtr, cmd == futexWaitBitset)
	case futexWake, futexWakeBitset:
		mask := uint32(allBitset)
		if cmd == futexWakeBitset {
			mask = val3
		}
		n := p.Futex().Wake(addr1, val1, mask)
		return int32(n), false
	case futexRequeue, futexCmpRequeue:
		if cmd == futexCmpRequeue {
			var buf [4]byte
			if err := p.ReadMem(addr1, buf[:]); err != nil {
				return -int32(EFAULT), false
			}
			cur := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
			if cur != val3 {
				return -int32(EAGAIN), false
			}
		}
		n := p.Futex().Requeue(addr1, addr2, val1, allBitset)
		return int32(n), false
	case futexWakeOp:
		return futexDoWakeOp(p, addr1, addr2, val1, timeoutPtr, val3)
	default:
		return -int32(EINVAL), false
	}
}

func futexDoWait(p Proc, addr, val1, bitsetArg, timeoutPtr uint32, useBitset bool) (int32, bool) {
	var buf [4]byte
	if err := p.ReadMem(addr, buf[:]); err != nil {
		return -int32(EFAULT), false
	}
	cur := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if cur != val1 {
		return -int32(EAGAIN), false
	}

	bitset := uint32(allBitset)
	if useBitset {
		bitset = bitsetArg
	}

	w := Wakeup{
		Cause:       CauseFutex,
		FutexAddr:   addr,
		FutexBitset: bitset,
		SleepEpoch:  p.Futex().NextEpoch(),
	}
	if timeoutPtr != 0 {
		var ts [timespecSize]byte
		if err := p.ReadMem(timeoutPtr, ts[:]); err != nil {
			return -int32(EFAULT), false
		}
		w.DeadlineNs = p.NowNs() + getTimespec(ts[:])
	}
	p.Suspend(w)
	return 0, true
}

func futexDoWakeOp(p Proc, addr1, addr2, val1, val2, encodedOp uint32) (int32, bool) {
	opcode := (encodedOp >> 28) & 0x7
	cmp := (encodedOp >> 24) & 0xF
	oparg := int32(encodedOp<<8) >> 20 // sign-extend the 12-bit oparg field
	cmparg := int32(encodedOp<<20) >> 20

	var buf [4]byte
	if err := p.ReadMem(addr2, buf[:]); err != nil {
		return -int32(EFAULT), false
	}
	old := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)

	var newVal int32
	switch opcode {
	case 0: // FUTEX_OP_SET
		newVal = oparg
	case 1: // FUTEX_OP_ADD
		newVal = old + oparg
	case 2: // FUTEX_OP_OR
		newVal = old | oparg
	case 3: // FUTEX_OP_ANDN
		newVal = old &^ oparg
	case 4: // FUTEX_OP_XOR
		newVal = old ^ oparg
	}
	binary4 := func(v int32) []byte {
		u := uint32(v)
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
	}
	if err := p.WriteMem(addr2, binary4(newVal)); err != nil {
		return -int32(EFAULT), false
	}

	woken := p.Futex().Wake(addr1, val1, allBitset)

	var takeCmp bool
	switch cmp {
	case 0:
		takeCmp = old == cmparg
	case 1:
		takeCmp = old != cmparg
	case 2:
		takeCmp = old < cmparg
	case 3:
		takeCmp = old <= cmparg
	case 4:
		takeCmp = old > cmparg
	case 5:
		takeCmp = old >= cmparg
	}
	if takeCmp {
		woken += p.Futex().Wake(addr2, val2, allBitset)
	}
	return int32(woken), false
}
