// Package syscalls is the typed gateway to the kernel. Every wrapper
// marshals its arguments into a register-word message, sends it through the
// standard syscall endpoint, blocks until the kernel's reply arrives, and
// maps the reply code into a typed error.
package syscalls

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// Gateway issues system calls for one activity.
type Gateway struct {
	unit *tcu.Unit
	log  *zap.Logger
}

// New creates the gateway on the activity's TCU. The kernel has configured
// the standard syscall endpoints before the activity starts.
func New(unit *tcu.Unit, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{unit: unit, log: log.Named("syscalls")}
}

// call sends one syscall message and waits for the reply. The reply's first
// word is the error code; the remaining words are the reply payload.
func (g *Gateway) call(op abi.Opcode, args *abi.MsgBuf) (*abi.MsgBuf, error) {
	req := abi.NewMsgBuf().PutU64(uint64(op))
	if args != nil {
		req.PutBuf(args)
	}
	if err := g.unit.Send(tcu.SyscallSEP, req.Bytes(), 0, tcu.SyscallREP); err != nil {
		return nil, errs.Wrap(errs.CodeOf(err), "syscall."+op.String(), err)
	}

	g.unit.WaitForMsg(tcu.SyscallREP, 0)
	msg := g.unit.Fetch(tcu.SyscallREP)
	reply := abi.ParseMsgBuf(msg.Data)
	code := errs.Code(reply.U64())
	_ = g.unit.Ack(tcu.SyscallREP, msg)
	if code != errs.None {
		return nil, errs.New(code, "syscall."+op.String())
	}
	return reply, nil
}

// Activate binds a gate capability to an endpoint. For receive gates,
// rbufMem and rbufOff locate the receive buffer; other gates pass
// abi.InvalidSel and zero.
func (g *Gateway) Activate(ep, gate, rbufMem abi.Selector, rbufOff uint64) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(ep)).
		PutU64(uint64(gate)).
		PutU64(uint64(rbufMem)).
		PutU64(rbufOff)
	_, err := g.call(abi.SysActivate, args)
	return err
}

// Revoke revokes a capability range. Implements caps.Revoker.
func (g *Gateway) Revoke(crd abi.CapRngDesc) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(crd.Type)).
		PutU64(uint64(crd.Start)).
		PutU64(crd.Count)
	_, err := g.call(abi.SysRevoke, args)
	return err
}

// CreateSGate creates a send-gate capability targeting a receive gate.
func (g *Gateway) CreateSGate(sel, rgate abi.Selector, label uint64, credits uint32) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(rgate)).
		PutU64(label).
		PutU64(uint64(credits))
	_, err := g.call(abi.SysCreateSGate, args)
	return err
}

// CreateRGate creates a receive-gate capability with the given buffer and
// slot orders.
func (g *Gateway) CreateRGate(sel abi.Selector, order, msgOrder uint) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(order)).
		PutU64(uint64(msgOrder))
	_, err := g.call(abi.SysCreateRGate, args)
	return err
}

// CreateMGate creates a memory-gate capability over freshly allocated
// memory.
func (g *Gateway) CreateMGate(sel abi.Selector, size uint64, perms abi.Perm) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(size).
		PutU64(uint64(perms))
	_, err := g.call(abi.SysCreateMGate, args)
	return err
}

// CreateSem creates a semaphore capability with an initial value.
func (g *Gateway) CreateSem(sel abi.Selector, value uint32) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(value))
	_, err := g.call(abi.SysCreateSem, args)
	return err
}

// CreateSrv registers a service under a name, served through the given
// receive gate.
func (g *Gateway) CreateSrv(sel, rgate abi.Selector, name string) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(rgate)).
		PutStr(name)
	_, err := g.call(abi.SysCreateSrv, args)
	return err
}

// CreateSess creates a session for a service.
func (g *Gateway) CreateSess(sel, srv abi.Selector, ident uint64) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(srv)).
		PutU64(ident)
	_, err := g.call(abi.SysCreateSess, args)
	return err
}

// DeriveMem creates a narrower memory capability from an existing one.
func (g *Gateway) DeriveMem(dst, src abi.Selector, offset, size uint64, perms abi.Perm) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(dst)).
		PutU64(uint64(src)).
		PutU64(offset).
		PutU64(size).
		PutU64(uint64(perms))
	_, err := g.call(abi.SysDeriveMem, args)
	return err
}

// DeriveKMem splits off a kernel-memory quota.
func (g *Gateway) DeriveKMem(dst, src abi.Selector, quota uint64) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(dst)).
		PutU64(uint64(src)).
		PutU64(quota)
	_, err := g.call(abi.SysDeriveKMem, args)
	return err
}

// DeriveTile derives a tile capability with a subset of endpoints.
func (g *Gateway) DeriveTile(dst, tile abi.Selector, eps uint32) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(dst)).
		PutU64(uint64(tile)).
		PutU64(uint64(eps))
	_, err := g.call(abi.SysDeriveTile, args)
	return err
}

// AllocEP allocates an endpoint capability. epID requests a specific
// hardware endpoint, or tcu.InvalidEP for any; replies reserves reply
// slots. Returns the chosen endpoint id.
func (g *Gateway) AllocEP(sel abi.Selector, epID tcu.EpId, replies uint32) (tcu.EpId, error) {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(epID)).
		PutU64(uint64(replies))
	reply, err := g.call(abi.SysAllocEP, args)
	if err != nil {
		return tcu.InvalidEP, err
	}
	return tcu.EpId(reply.U64()), nil
}

// Exchange copies a capability range to or from another activity.
func (g *Gateway) Exchange(act abi.Selector, own abi.CapRngDesc, other abi.Selector, obtain bool) error {
	o := uint64(0)
	if obtain {
		o = 1
	}
	args := abi.NewMsgBuf().
		PutU64(uint64(act)).
		PutU64(uint64(own.Type)).
		PutU64(uint64(own.Start)).
		PutU64(own.Count).
		PutU64(uint64(other)).
		PutU64(o)
	_, err := g.call(abi.SysExchange, args)
	return err
}

// Delegate passes capabilities to the server of a session. The exchange
// arguments travel in both directions.
func (g *Gateway) Delegate(sess abi.Selector, crd abi.CapRngDesc, xargs *abi.MsgBuf) (*abi.MsgBuf, error) {
	return g.exchangeSess(abi.SysDelegate, sess, crd, xargs)
}

// Obtain receives capabilities from the server of a session into the given
// selector range.
func (g *Gateway) Obtain(sess abi.Selector, crd abi.CapRngDesc, xargs *abi.MsgBuf) (*abi.MsgBuf, error) {
	return g.exchangeSess(abi.SysObtain, sess, crd, xargs)
}

func (g *Gateway) exchangeSess(op abi.Opcode, sess abi.Selector, crd abi.CapRngDesc, xargs *abi.MsgBuf) (*abi.MsgBuf, error) {
	args := abi.NewMsgBuf().
		PutU64(uint64(sess)).
		PutU64(uint64(crd.Type)).
		PutU64(uint64(crd.Start)).
		PutU64(crd.Count)
	if xargs != nil {
		args.PutBuf(xargs)
	}
	return g.call(op, args)
}

// KMemQuota returns the total and remaining quota of a kernel-memory
// capability.
func (g *Gateway) KMemQuota(kmem abi.Selector) (total, left uint64, err error) {
	args := abi.NewMsgBuf().PutU64(uint64(kmem))
	reply, err := g.call(abi.SysKMemQuota, args)
	if err != nil {
		return 0, 0, err
	}
	return reply.U64(), reply.U64(), nil
}

// SemCtrl performs an up or down operation on a semaphore. Down blocks
// until the semaphore is positive.
func (g *Gateway) SemCtrl(sel abi.Selector, op abi.SemOp) error {
	args := abi.NewMsgBuf().
		PutU64(uint64(sel)).
		PutU64(uint64(op))
	_, err := g.call(abi.SysSemCtrl, args)
	return err
}

// Exit reports the activity's exit code to the kernel. No reply arrives.
func (g *Gateway) Exit(code int) {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.SysExit)).
		PutU64(uint64(int64(code)))
	_ = g.unit.Send(tcu.SyscallSEP, req.Bytes(), 0, tcu.InvalidEP)
}
