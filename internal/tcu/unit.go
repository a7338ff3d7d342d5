package tcu

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
)

// Unit is the TCU of one tile. Exactly one activity goroutine drives the
// command interface; remote units additionally touch the register file when
// they deliver messages or return credits, which is why all endpoint state
// is guarded by the unit lock.
type Unit struct {
	tile TileID
	fab  *Fabric
	log  *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond
	eps  []epRegs
	recv map[EpId]*recvState

	// command register; polled without the lock
	cmd atomic.Uint64

	// counts message deliveries and credit returns; Sleep-style waits
	// watch it so that a returned credit also wakes the activity
	events uint64

	rbufSize uint64
}

// recvState is the backing store of a receive buffer: the message slots and
// the arrival-order queue of unread slots.
type recvState struct {
	msgs []*Message
	fifo []uint
}

func newUnit(tile TileID, epCount int, rbufSize uint64, fab *Fabric, log *zap.Logger) *Unit {
	u := &Unit{
		tile:     tile,
		fab:      fab,
		log:      log,
		eps:      make([]epRegs, epCount),
		recv:     make(map[EpId]*recvState),
		rbufSize: rbufSize,
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Tile returns the tile this unit belongs to.
func (u *Unit) Tile() TileID {
	return u.tile
}

// EpCount returns the number of endpoints in the register file.
func (u *Unit) EpCount() int {
	return len(u.eps)
}

// RbufSize returns the size of the tile's receive-buffer region.
func (u *Unit) RbufSize() uint64 {
	return u.rbufSize
}

// EpKind returns the configured type of an endpoint.
func (u *Unit) EpKind(ep EpId) EpType {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) {
		return EpInvalid
	}
	return u.eps[ep].typ()
}

var cmdNames = map[cmdOp]string{
	cmdSend:  "tcu.send",
	cmdReply: "tcu.reply",
	cmdRead:  "tcu.read",
	cmdWrite: "tcu.write",
	cmdFetch: "tcu.fetch",
	cmdAck:   "tcu.ack",
}

// exec is the single command primitive. It stages the command register with
// the busy bit set, runs the operation, publishes the result, and then polls
// the register until the busy bit clears, like the hardware contract
// demands. The simulated unit completes commands synchronously, so the poll
// terminates on its first read.
func (u *Unit) exec(op cmdOp, ep EpId, run func() errs.Code) error {
	u.cmd.Store(encodeCmd(op, ep))
	code := run()
	u.cmd.Store(finishCmd(u.cmd.Load(), code))

	for {
		r := u.cmd.Load()
		if r&cmdBusy != 0 {
			continue
		}
		if c := cmdError(r); c != errs.None {
			return errs.New(c, cmdNames[op])
		}
		return nil
	}
}

// Send transmits data through a send endpoint. replyEP names a local receive
// endpoint for the reply, or InvalidEP if no reply is expected.
func (u *Unit) Send(ep EpId, data []byte, replyLbl Label, replyEP EpId) error {
	return u.exec(cmdSend, ep, func() errs.Code {
		u.mu.Lock()
		if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpSend {
			u.mu.Unlock()
			return errs.EPInvalid
		}
		regs := u.eps[ep]
		u.mu.Unlock()

		if len(data) > 1<<regs.sendMsgOrder() {
			return errs.InvArgs
		}
		if regs.sendCredits() != unlimCredits && regs.sendCredits() == 0 {
			return errs.NoCredits
		}

		dst := u.fab.Unit(regs.sendDstTile())
		if dst == nil {
			return errs.RecvGone
		}
		msg := &Message{
			Label:      regs.sendLabel(),
			ReplyLabel: replyLbl,
			SenderTile: u.tile,
			SenderEP:   ep,
			ReplyEP:    replyEP,
			Data:       append([]byte(nil), data...),
		}
		if code := dst.deliver(regs.sendDstEP(), msg, false); code != errs.None {
			return code
		}

		u.mu.Lock()
		if u.eps[ep].typ() == EpSend {
			if c := u.eps[ep].sendCredits(); c != unlimCredits {
				u.eps[ep].setCredits(c - 1)
			}
		}
		u.mu.Unlock()
		u.fab.countSend()
		return errs.None
	})
}

// Reply answers a fetched message and frees its slot. Credits flow back to
// the sender.
func (u *Unit) Reply(ep EpId, msg *Message, data []byte) error {
	return u.exec(cmdReply, ep, func() errs.Code {
		if msg == nil || msg.rep != ep {
			return errs.InvArgs
		}
		if msg.ReplyEP == InvalidEP {
			return errs.InvArgs
		}
		sender := u.fab.Unit(msg.SenderTile)
		if sender == nil {
			return errs.RecvGone
		}
		reply := &Message{
			Label:      msg.ReplyLabel,
			SenderTile: u.tile,
			SenderEP:   ep,
			ReplyEP:    InvalidEP,
			Data:       append([]byte(nil), data...),
		}
		if code := sender.deliver(msg.ReplyEP, reply, true); code != errs.None {
			return code
		}
		if code := u.freeSlot(ep, msg); code != errs.None {
			return code
		}
		sender.creditBack(msg.SenderEP)
		u.fab.countSend()
		return errs.None
	})
}

// Fetch dequeues the oldest unread message of a receive endpoint, or nil if
// none is pending. The slot stays occupied until Ack or Reply.
func (u *Unit) Fetch(ep EpId) *Message {
	var msg *Message
	_ = u.exec(cmdFetch, ep, func() errs.Code {
		u.mu.Lock()
		defer u.mu.Unlock()
		if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpReceive {
			return errs.EPInvalid
		}
		rs := u.recv[ep]
		if rs == nil || len(rs.fifo) == 0 {
			return errs.NoMsgs
		}
		slot := rs.fifo[0]
		rs.fifo = rs.fifo[1:]
		regs := &u.eps[ep]
		regs.setMasks(regs.occupied(), regs.unread()&^(1<<slot))
		msg = rs.msgs[slot]
		return errs.None
	})
	return msg
}

// Ack frees a message slot without replying. Credits flow back to the
// sender.
func (u *Unit) Ack(ep EpId, msg *Message) error {
	return u.exec(cmdAck, ep, func() errs.Code {
		if msg == nil || msg.rep != ep {
			return errs.InvArgs
		}
		if code := u.freeSlot(ep, msg); code != errs.None {
			return code
		}
		if sender := u.fab.Unit(msg.SenderTile); sender != nil && !msg.IsReply {
			sender.creditBack(msg.SenderEP)
		}
		return errs.None
	})
}

// Read copies from the memory region behind a memory endpoint into dst.
func (u *Unit) Read(ep EpId, dst []byte, off uint64) error {
	return u.exec(cmdRead, ep, func() errs.Code {
		return u.memAccess(ep, dst, off, false)
	})
}

// Write copies src into the memory region behind a memory endpoint.
func (u *Unit) Write(ep EpId, src []byte, off uint64) error {
	return u.exec(cmdWrite, ep, func() errs.Code {
		return u.memAccess(ep, src, off, true)
	})
}

func (u *Unit) memAccess(ep EpId, buf []byte, off uint64, write bool) errs.Code {
	u.mu.Lock()
	if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpMemory {
		u.mu.Unlock()
		return errs.EPInvalid
	}
	regs := u.eps[ep]
	u.mu.Unlock()

	need := uint(1) // PermR
	if write {
		need = 2 // PermW
	}
	if regs.memPerms()&need == 0 {
		return errs.NoPerm
	}
	// written so a huge offset cannot wrap past the size check
	size := regs.memSize()
	if off > size || uint64(len(buf)) > size-off {
		return errs.InvArgs
	}
	region := u.fab.region(regs.memRegion())
	if region == nil {
		return errs.InvArgs
	}
	base := uint64(regs.memOff()) + off
	u.fab.memMu.Lock()
	if write {
		copy(region[base:base+uint64(len(buf))], buf)
	} else {
		copy(buf, region[base:base+uint64(len(buf))])
	}
	u.fab.memMu.Unlock()
	return errs.None
}

// Credits returns the current credits of a send endpoint.
func (u *Unit) Credits(ep EpId) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpSend {
		return 0, errs.New(errs.EPInvalid, "tcu.credits")
	}
	c := u.eps[ep].sendCredits()
	if c == unlimCredits {
		return 0xffff_ffff, nil
	}
	return uint32(c), nil
}

// HasMsgs reports whether a receive endpoint has unread messages.
func (u *Unit) HasMsgs(ep EpId) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingLocked(ep)
}

// WaitForMsg parks the caller until a message is pending on the given
// receive endpoint (or on any endpoint if ep is InvalidEP). With a positive
// timeout it returns false once the timeout elapses without a message.
func (u *Unit) WaitForMsg(ep EpId, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			u.mu.Lock()
			u.cond.Broadcast()
			u.mu.Unlock()
		})
		defer timer.Stop()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for {
		if u.pendingLocked(ep) {
			return true
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		u.cond.Wait()
	}
}

func (u *Unit) pendingLocked(ep EpId) bool {
	if ep != InvalidEP {
		rs := u.recv[ep]
		return rs != nil && len(rs.fifo) > 0
	}
	for _, rs := range u.recv {
		if len(rs.fifo) > 0 {
			return true
		}
	}
	return false
}

// deliver places a message into a receive buffer. Called by the sending
// unit; takes the receiving unit's lock.
func (u *Unit) deliver(ep EpId, msg *Message, isReply bool) errs.Code {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpReceive {
		return errs.RecvGone
	}
	regs := &u.eps[ep]
	if len(msg.Data) > 1<<regs.recvMsgOrder() {
		return errs.InvArgs
	}
	rs := u.recv[ep]
	slots := regs.recvSlots()
	occ := regs.occupied()
	var slot uint
	for slot = 0; slot < slots; slot++ {
		if occ&(1<<slot) == 0 {
			break
		}
	}
	if slot == slots {
		return errs.NoSpace
	}
	regs.setMasks(occ|1<<slot, regs.unread()|1<<slot)
	msg.rep = ep
	msg.slot = slot
	msg.IsReply = isReply
	rs.msgs[slot] = msg
	rs.fifo = append(rs.fifo, slot)
	u.events++
	u.cond.Broadcast()
	u.fab.countRecv()
	return errs.None
}

func (u *Unit) freeSlot(ep EpId, msg *Message) errs.Code {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpReceive {
		return errs.EPInvalid
	}
	regs := &u.eps[ep]
	if regs.occupied()&(1<<msg.slot) == 0 {
		return errs.InvArgs
	}
	regs.setMasks(regs.occupied()&^(1<<msg.slot), regs.unread()&^(1<<msg.slot))
	rs := u.recv[ep]
	rs.msgs[msg.slot] = nil
	// drop from the arrival queue in case the slot was never fetched
	for i, s := range rs.fifo {
		if s == msg.slot {
			rs.fifo = append(rs.fifo[:i], rs.fifo[i+1:]...)
			break
		}
	}
	return errs.None
}

func (u *Unit) creditBack(ep EpId) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) || u.eps[ep].typ() != EpSend {
		return
	}
	regs := &u.eps[ep]
	if c := regs.sendCredits(); c != unlimCredits && c < regs.sendMaxCredits() {
		regs.setCredits(c + 1)
	}
	u.events++
	u.cond.Broadcast()
}

// WaitForEvent parks the caller until the unit records any event: a message
// delivery on any endpoint or a credit return. Returns false if the timeout
// elapses first. A zero or negative timeout waits forever.
func (u *Unit) WaitForEvent(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			u.mu.Lock()
			u.cond.Broadcast()
			u.mu.Unlock()
		})
		defer timer.Stop()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	start := u.events
	for {
		if u.events != start || u.pendingLocked(InvalidEP) {
			return true
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		u.cond.Wait()
	}
}

func (u *Unit) configureRecv(ep EpId, addr uint64, bufOrder, msgOrder uint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) || bufOrder < msgOrder {
		return errs.New(errs.InvArgs, "tcu.configure_recv")
	}
	if 1<<(bufOrder-msgOrder) > maxSlots {
		return errs.New(errs.InvArgs, "tcu.configure_recv")
	}
	u.eps[ep] = recvRegs(bufOrder, msgOrder, addr)
	u.recv[ep] = &recvState{msgs: make([]*Message, 1<<(bufOrder-msgOrder))}
	u.log.Debug("configured receive ep",
		zap.Uint16("ep", uint16(ep)), zap.Uint64("addr", addr))
	return nil
}

func (u *Unit) configureSend(ep EpId, dst TileID, dstEP EpId, lbl Label, msgOrder uint, credits uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) {
		return errs.New(errs.InvArgs, "tcu.configure_send")
	}
	u.eps[ep] = sendRegs(msgOrder, credits, dst, dstEP, lbl)
	u.log.Debug("configured send ep",
		zap.Uint16("ep", uint16(ep)), zap.Uint16("dst_tile", uint16(dst)), zap.Uint16("dst_ep", uint16(dstEP)))
	return nil
}

func (u *Unit) configureMem(ep EpId, region uint32, off uint32, size uint64, perms uint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) {
		return errs.New(errs.InvArgs, "tcu.configure_mem")
	}
	u.eps[ep] = memRegs(perms, region, off, size)
	return nil
}

func (u *Unit) invalidate(ep EpId) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(ep) >= len(u.eps) {
		return errs.New(errs.InvArgs, "tcu.invalidate_ep")
	}
	u.eps[ep] = epRegs{}
	delete(u.recv, ep)
	u.cond.Broadcast()
	return nil
}
