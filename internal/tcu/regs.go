// Package tcu models the per-tile Trusted Communication Unit: the register
// file, the command interface, and the fabric that connects the units of one
// machine. All cross-tile communication in the runtime goes through this
// package; nothing else touches another tile's state.
//
// The unit executes commands synchronously under its lock, but the command
// path keeps the hardware shape: stage the data registers, write the COMMAND
// register, poll until the busy bit clears, read the error code. Endpoint
// state lives in three registers per endpoint, interpreted per type.
package tcu

import "github.com/GriffinCanCode/TileOS/runtime/internal/errs"

// Reg is one 64-bit TCU register.
type Reg = uint64

// EpId indexes an endpoint in a tile's register file.
type EpId uint16

// InvalidEP marks an unbound endpoint reference.
const InvalidEP EpId = 0xffff

// TileID identifies a tile on the fabric.
type TileID uint16

// InvalidTile marks an unset tile reference.
const InvalidTile TileID = 0xffff

// Label tags messages sent through an endpoint so the receiver can identify
// the sender.
type Label uint64

// Standard endpoints, pre-assigned on every tile. Only endpoints at
// FirstUserEP and above circulate through the endpoint manager.
const (
	SyscallSEP EpId = iota
	SyscallREP
	UpcallREP
	DefaultREP
	FirstUserEP
)

// EpType is the configured role of an endpoint.
type EpType uint64

// Endpoint types, stored in the low bits of the first endpoint register.
const (
	EpInvalid EpType = iota
	EpSend
	EpReceive
	EpMemory
)

// Endpoint register encoding.
//
// All types:
//	r0[0:2]    type
//
// Receive:
//	r0[2:8]    message order (log2 of the slot size)
//	r0[8:14]   buffer order (log2 of the buffer size)
//	r1         buffer address within the tile's receive-buffer region
//	r2[0:32]   occupied slot bitmask
//	r2[32:64]  unread slot bitmask
//
// Send:
//	r0[2:8]    message order of the destination buffer
//	r0[16:32]  current credits
//	r0[32:48]  maximum credits
//	r1[0:16]   destination endpoint
//	r1[16:32]  destination tile
//	r2         label presented to the receiver
//
// Memory:
//	r0[2:5]    permission bits
//	r1[0:32]   offset into the region
//	r1[32:64]  region id
//	r2         region size
const (
	epTypeBits = 2
	epTypeMask = (1 << epTypeBits) - 1

	// no credit limit; never decremented
	unlimCredits = 0xffff
)

// maxSlots bounds the slots of one receive buffer so that the occupied and
// unread bitmasks fit into one register.
const maxSlots = 32

type epRegs [3]Reg

func (r *epRegs) typ() EpType {
	return EpType(r[0] & epTypeMask)
}

func recvRegs(bufOrder, msgOrder uint, addr uint64) epRegs {
	return epRegs{
		Reg(EpReceive) | Reg(msgOrder)<<2 | Reg(bufOrder)<<8,
		addr,
		0,
	}
}

func (r *epRegs) recvMsgOrder() uint  { return uint(r[0] >> 2 & 0x3f) }
func (r *epRegs) recvBufOrder() uint  { return uint(r[0] >> 8 & 0x3f) }
func (r *epRegs) recvAddr() uint64    { return r[1] }
func (r *epRegs) recvSlots() uint     { return 1 << (r.recvBufOrder() - r.recvMsgOrder()) }
func (r *epRegs) occupied() uint32    { return uint32(r[2]) }
func (r *epRegs) unread() uint32      { return uint32(r[2] >> 32) }
func (r *epRegs) setMasks(occ, unr uint32) {
	r[2] = Reg(occ) | Reg(unr)<<32
}

func sendRegs(msgOrder uint, credits uint16, dst TileID, dstEP EpId, lbl Label) epRegs {
	return epRegs{
		Reg(EpSend) | Reg(msgOrder)<<2 | Reg(credits)<<16 | Reg(credits)<<32,
		Reg(dstEP) | Reg(dst)<<16,
		Reg(lbl),
	}
}

func (r *epRegs) sendMsgOrder() uint   { return uint(r[0] >> 2 & 0x3f) }
func (r *epRegs) sendCredits() uint16  { return uint16(r[0] >> 16) }
func (r *epRegs) sendMaxCredits() uint16 { return uint16(r[0] >> 32) }
func (r *epRegs) sendDstEP() EpId      { return EpId(r[1]) }
func (r *epRegs) sendDstTile() TileID  { return TileID(r[1] >> 16) }
func (r *epRegs) sendLabel() Label     { return Label(r[2]) }

func (r *epRegs) setCredits(c uint16) {
	r[0] = r[0]&^Reg(0xffff<<16) | Reg(c)<<16
}

func memRegs(perms uint, region uint32, off uint32, size uint64) epRegs {
	return epRegs{
		Reg(EpMemory) | Reg(perms)<<2,
		Reg(off) | Reg(region)<<32,
		size,
	}
}

func (r *epRegs) memPerms() uint    { return uint(r[0] >> 2 & 0x7) }
func (r *epRegs) memOff() uint32    { return uint32(r[1]) }
func (r *epRegs) memRegion() uint32 { return uint32(r[1] >> 32) }
func (r *epRegs) memSize() uint64   { return r[2] }

// Command register encoding.
//
//	[0:4]    opcode
//	[4:20]   endpoint
//	[20:28]  error code
//	[63]     busy
const (
	cmdOpMask  = 0xf
	cmdEpShift = 4
	cmdErrShift = 20
	cmdBusy    = Reg(1) << 63
)

type cmdOp Reg

// TCU commands.
const (
	cmdIdle cmdOp = iota
	cmdSend
	cmdReply
	cmdRead
	cmdWrite
	cmdFetch
	cmdAck
)

func encodeCmd(op cmdOp, ep EpId) Reg {
	return Reg(op) | Reg(ep)<<cmdEpShift | cmdBusy
}

func cmdError(r Reg) errs.Code {
	return errs.Code(r >> cmdErrShift & 0xff)
}

func finishCmd(r Reg, code errs.Code) Reg {
	return r&^cmdBusy&^(Reg(0xff)<<cmdErrShift) | Reg(code)<<cmdErrShift
}
