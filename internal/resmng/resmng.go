// Package resmng implements the client side of the resource-manager
// protocol. Every activity except the manager itself holds a send gate to
// its manager; named gates, semaphores, sessions, and memory requests go
// through it instead of raw system calls.
package resmng

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
)

// Client speaks to the resource manager over a dedicated send gate, with
// replies arriving on the activity's default receive gate. Requests are
// serialised; there is never more than one in flight.
type Client struct {
	sgate *com.SendGate
	reply *com.RecvGate
	log   *zap.Logger
}

// NewClient binds the resource-manager connection from the pre-assigned
// selector. reply is the gate answers arrive on, normally the activity's
// default receive gate.
func NewClient(ctx *com.Ctx, sel abi.Selector, reply *com.RecvGate) *Client {
	return &Client{
		sgate: com.BindSendGate(ctx, sel),
		reply: reply,
		log:   ctx.Log.Named("resmng"),
	}
}

// call sends one request and decodes the leading error word of the reply.
// Remaining reply words are handed back to the caller.
func (c *Client) call(op abi.ResMngOp, req *abi.MsgBuf) (*abi.MsgBuf, error) {
	msg, err := c.sgate.Call(req.Bytes(), c.reply)
	if err != nil {
		return nil, errs.Wrap(errs.CodeOf(err), op.String(), err)
	}
	reply := abi.ParseMsgBuf(msg.Data)
	code := errs.Code(reply.U64())
	c.reply.Ack(msg)
	if code != errs.None {
		return nil, errs.New(code, op.String())
	}
	return reply, nil
}

// RegServ registers a service under the given name, with requests arriving
// on the receive gate named by rgate. The service capability lands at srv.
func (c *Client) RegServ(srv, rgate abi.Selector, name string) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngRegServ)).
		PutU64(uint64(srv)).
		PutU64(uint64(rgate)).
		PutStr(name)
	_, err := c.call(abi.ResMngRegServ, req)
	return err
}

// OpenSess opens a session at the service registered under name, placing
// the session capability at sel.
func (c *Client) OpenSess(sel abi.Selector, name string) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngOpenSess)).
		PutU64(uint64(sel)).
		PutStr(name)
	_, err := c.call(abi.ResMngOpenSess, req)
	return err
}

// CloseSess closes a session previously opened with OpenSess.
func (c *Client) CloseSess(sel abi.Selector) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngCloseSess)).
		PutU64(uint64(sel))
	_, err := c.call(abi.ResMngCloseSess, req)
	return err
}

// UseSGate binds the send gate configured under name to sel.
func (c *Client) UseSGate(sel abi.Selector, name string) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngUseSGate)).
		PutU64(uint64(sel)).
		PutStr(name)
	_, err := c.call(abi.ResMngUseSGate, req)
	return err
}

// UseRGate binds the receive gate configured under name to sel and returns
// its buffer and slot orders.
func (c *Client) UseRGate(sel abi.Selector, name string) (order, msgOrder uint, err error) {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngUseRGate)).
		PutU64(uint64(sel)).
		PutStr(name)
	reply, err := c.call(abi.ResMngUseRGate, req)
	if err != nil {
		return 0, 0, err
	}
	order = uint(reply.U64())
	msgOrder = uint(reply.U64())
	if !reply.Ok() {
		return 0, 0, errs.New(errs.InvArgs, "use_rgate")
	}
	return order, msgOrder, nil
}

// UseSem binds the semaphore configured under name to sel.
func (c *Client) UseSem(sel abi.Selector, name string) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngUseSem)).
		PutU64(uint64(sel)).
		PutStr(name)
	_, err := c.call(abi.ResMngUseSem, req)
	return err
}

// AllocMem requests a memory capability of the given size and permissions
// from the manager's pool, placed at sel.
func (c *Client) AllocMem(sel abi.Selector, size uint64, perms abi.Perm) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngAllocMem)).
		PutU64(uint64(sel)).
		PutU64(size).
		PutU64(uint64(perms))
	_, err := c.call(abi.ResMngAllocMem, req)
	return err
}

// FreeMem returns a memory capability obtained with AllocMem.
func (c *Client) FreeMem(sel abi.Selector) error {
	req := abi.NewMsgBuf().
		PutU64(uint64(abi.ResMngFreeMem)).
		PutU64(uint64(sel))
	_, err := c.call(abi.ResMngFreeMem, req)
	return err
}

var _ com.NameBroker = (*Client)(nil)
