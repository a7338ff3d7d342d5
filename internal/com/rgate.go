package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/rbuf"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
	"github.com/GriffinCanCode/TileOS/runtime/internal/wl"
)

// Handler processes one received message inside the work loop.
type Handler func(g *RecvGate, msg *tcu.Message)

// RecvGate owns a receive buffer and hands out the messages arriving in it.
// The buffer is allocated from the tile's receive-buffer region on first
// activation and outlives any message reference handed out.
type RecvGate struct {
	g        Gate
	order    uint
	msgOrder uint
	buf      *rbuf.Buf
	fixed    uint64 // buffer address for the standard gates
	handler  Handler
	item     *recvWorkItem
	loop     *wl.WorkLoop
}

// recvWorkItem drains one pending message per tick.
type recvWorkItem struct {
	gate *RecvGate
}

func (w *recvWorkItem) Work() {
	msg, err := w.gate.Fetch()
	if err != nil {
		return
	}
	w.gate.handler(w.gate, msg)
}

// NewRecvGate creates a receive gate with a buffer of 2^order bytes split
// into slots of 2^msgOrder bytes.
func NewRecvGate(ctx *Ctx, order, msgOrder uint) (*RecvGate, error) {
	sel := ctx.Sels.AllocSel()
	if err := ctx.Sys.CreateRGate(sel, order, msgOrder); err != nil {
		return nil, err
	}
	return &RecvGate{
		g:        newGate(ctx, caps.RecvGate, sel, 0),
		order:    order,
		msgOrder: msgOrder,
	}, nil
}

// BindRecvGate wraps an existing receive-gate capability. The capability is
// not revoked on close.
func BindRecvGate(ctx *Ctx, sel abi.Selector, order, msgOrder uint) *RecvGate {
	return &RecvGate{
		g:        newGate(ctx, caps.RecvGate, sel, caps.KeepCap),
		order:    order,
		msgOrder: msgOrder,
	}
}

// NewNamedRecvGate creates the receive gate registered under the given name
// in the activity's configuration.
func NewNamedRecvGate(ctx *Ctx, broker NameBroker, name string) (*RecvGate, error) {
	sel := ctx.Sels.AllocSel()
	order, msgOrder, err := broker.UseRGate(sel, name)
	if err != nil {
		return nil, err
	}
	return &RecvGate{
		g:        newGate(ctx, caps.RecvGate, sel, 0),
		order:    order,
		msgOrder: msgOrder,
	}, nil
}

// StdRecvGate binds one of the standard receive gates: no capability, a
// pre-assigned endpoint, and a fixed buffer address in the reserved page.
func StdRecvGate(ctx *Ctx, ep tcu.EpId, addr uint64, order, msgOrder uint) *RecvGate {
	rg := &RecvGate{
		g:        newGate(ctx, caps.RecvGate, abi.InvalidSel, caps.KeepCap),
		order:    order,
		msgOrder: msgOrder,
		fixed:    addr,
	}
	rg.g.bindEP(ep)
	return rg
}

// Sel returns the capability selector.
func (r *RecvGate) Sel() abi.Selector {
	return r.g.Sel()
}

// EP returns the bound endpoint, or nil while unactivated.
func (r *RecvGate) EP() *EP {
	return r.g.EP()
}

// Order returns the log2 of the buffer size.
func (r *RecvGate) Order() uint {
	return r.order
}

// MsgOrder returns the log2 of the slot size.
func (r *RecvGate) MsgOrder() uint {
	return r.msgOrder
}

// Address returns the receive buffer address, once activated.
func (r *RecvGate) Address() uint64 {
	if r.buf != nil {
		return r.buf.Addr
	}
	return r.fixed
}

// Activate allocates the receive buffer on first use and installs the gate
// on an endpoint.
func (r *RecvGate) Activate() error {
	if r.g.ep != nil {
		return nil
	}
	if r.buf == nil {
		buf, err := r.g.ctx.RBufs.Alloc(1 << r.order)
		if err != nil {
			return err
		}
		r.buf = buf
	}
	_, err := r.g.activate(r.buf.MemSel, r.buf.Addr, 0)
	return err
}

// Fetch dequeues the next pending message. It fails with errs.NoMsgs when
// the buffer is empty and errs.EPInvalid when the endpoint was invalidated
// underneath the gate.
func (r *RecvGate) Fetch() (*tcu.Message, error) {
	if err := r.Activate(); err != nil {
		return nil, err
	}
	ep := r.g.ep.ID()
	msg := r.g.ctx.Unit.Fetch(ep)
	if msg == nil {
		if r.g.ctx.Unit.EpKind(ep) != tcu.EpReceive {
			return nil, errs.New(errs.EPInvalid, "rgate.fetch")
		}
		return nil, errs.New(errs.NoMsgs, "rgate.fetch")
	}
	return msg, nil
}

// Receive blocks until a message arrives. If sgate is given and its remote
// side disappears while waiting, the receive aborts with errs.RecvGone.
func (r *RecvGate) Receive(sgate *SendGate) (*tcu.Message, error) {
	if err := r.Activate(); err != nil {
		return nil, err
	}
	for {
		if msg := r.g.ctx.Unit.Fetch(r.g.ep.ID()); msg != nil {
			return msg, nil
		}
		if sgate != nil && sgate.HasGone() {
			return nil, errs.New(errs.RecvGone, "rgate.receive")
		}
		r.g.ctx.Unit.WaitForMsg(r.g.ep.ID(), 0)
	}
}

// Reply answers a message and frees its slot.
func (r *RecvGate) Reply(msg *tcu.Message, data []byte) error {
	return r.g.ctx.Unit.Reply(r.g.ep.ID(), msg, data)
}

// Ack frees a message slot without replying.
func (r *RecvGate) Ack(msg *tcu.Message) error {
	return r.g.ctx.Unit.Ack(r.g.ep.ID(), msg)
}

// HasMsgs reports whether a message is pending.
func (r *RecvGate) HasMsgs() bool {
	if r.g.ep == nil {
		return false
	}
	return r.g.ctx.Unit.HasMsgs(r.g.ep.ID())
}

// Start registers the gate with a work loop; every tick drains at most one
// pending message into the handler.
func (r *RecvGate) Start(loop *wl.WorkLoop, handler Handler) error {
	if err := r.Activate(); err != nil {
		return err
	}
	r.handler = handler
	r.item = &recvWorkItem{gate: r}
	r.loop = loop
	loop.Add(r.item, false)
	return nil
}

// Stop removes the gate from its work loop.
func (r *RecvGate) Stop() {
	if r.item != nil {
		r.loop.Remove(r.item)
		r.item = nil
		r.loop = nil
		r.handler = nil
	}
}

// Deactivate releases the endpoint but keeps the buffer and capability.
func (r *RecvGate) Deactivate() {
	r.g.releaseEP(true)
}

// Close stops the gate, releases its endpoint and capability, and returns
// the buffer to the allocator.
func (r *RecvGate) Close() {
	r.Stop()
	r.g.close()
	if r.buf != nil {
		r.g.ctx.RBufs.Free(r.buf)
		r.buf = nil
	}
}
