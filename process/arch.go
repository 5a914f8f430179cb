package process

import (
	"encoding/binary"

	"github.com/sarchlab/coresim/isa/mipsisa"
	"github.com/sarchlab/coresim/isa/x86isa"
)

const (
	sigILL  = 4
	sigSEGV = 11
)

// Arch bundles everything Context needs that differs between ISAs: how to
// fetch+execute one instruction, which register carries the syscall
// number and the return value, and where the first six syscall arguments
// live (spec §4.4's "ABI-defined register").
type Arch struct {
	Name      string
	step      func(c *Context)
	ReturnReg int
	syscallArgs func(c *Context) [6]uint32
}

// MIPS32 is the o32 Linux ABI: syscall number in $v0 (reg 2), the first
// four arguments in $a0-$a3 (regs 4-7), and the remaining two spilled to
// the stack just past the 16-byte argument save area, per the o32 calling
// convention.
var MIPS32 = Arch{
	Name:      "mips32",
	ReturnReg: 2,
	step:      mipsStep,
	syscallArgs: func(c *Context) [6]uint32 {
		var a [6]uint32
		a[0], a[1], a[2], a[3] = c.Reg(4), c.Reg(5), c.Reg(6), c.Reg(7)
		var buf [8]byte
		if err := c.ReadMem(c.Reg(29)+16, buf[:]); err == nil {
			a[4] = binary.LittleEndian.Uint32(buf[0:4])
			a[5] = binary.LittleEndian.Uint32(buf[4:8])
		}
		return a
	},
}

// X86_32 is the classic int 0x80 Linux ABI: syscall number in eax (reg
// 0), arguments in ebx, ecx, edx, esi, edi, ebp (regs 3,1,2,6,7,5 in this
// simulator's register numbering).
var X86_32 = Arch{
	Name:      "x86-32",
	ReturnReg: 0,
	step:      x86Step,
	syscallArgs: func(c *Context) [6]uint32 {
		return [6]uint32{c.Reg(3), c.Reg(1), c.Reg(2), c.Reg(6), c.Reg(7), c.Reg(5)}
	},
}

func mipsStep(c *Context) {
	var buf [4]byte
	if err := c.ReadMem(c.pc, buf[:]); err != nil {
		c.Fault(sigSEGV, err.Error())
		return
	}
	word := binary.LittleEndian.Uint32(buf[:])
	inst, err := mipsisa.Decode(word)
	if err != nil {
		c.Fault(sigILL, err.Error())
		return
	}
	if err := mipsisa.Table.Exec(c, inst); err != nil {
		c.Fault(sigILL, err.Error())
	}
}

// x86WindowSize bounds how many bytes x86Step fetches per instruction;
// every form this simulator's x86isa subset decodes is 5 bytes or fewer.
const x86WindowSize = 8

func x86Step(c *Context) {
	buf := make([]byte, x86WindowSize)
	if err := c.ReadMem(c.pc, buf); err != nil {
		c.Fault(sigSEGV, err.Error())
		return
	}
	inst, n, err := x86isa.Decode(buf)
	if err != nil {
		c.Fault(sigILL, err.Error())
		return
	}
	c.SetPC(c.pc + uint32(n))
	if err := x86isa.Table.Exec(c, inst); err != nil {
		c.Fault(sigILL, err.Error())
	}
}
