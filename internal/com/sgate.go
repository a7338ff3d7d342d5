package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// SGateArgs collects the optional parameters for send-gate creation.
type SGateArgs struct {
	rgate   abi.Selector
	label   tcu.Label
	credits uint32
	sel     abi.Selector
	flags   caps.Flags
}

// SGateArgsFor starts an argument chain targeting a receive gate.
func SGateArgsFor(rgate *RecvGate) SGateArgs {
	return SGateArgs{
		rgate:   rgate.Sel(),
		credits: abi.UnlimCredits,
		sel:     abi.InvalidSel,
	}
}

// Label sets the label the receiver will see on every message.
func (a SGateArgs) Label(lbl tcu.Label) SGateArgs {
	a.label = lbl
	return a
}

// Credits limits the number of outstanding messages.
func (a SGateArgs) Credits(c uint32) SGateArgs {
	a.credits = c
	return a
}

// Sel fixes the capability selector instead of allocating one.
func (a SGateArgs) Sel(sel abi.Selector) SGateArgs {
	a.sel = sel
	return a
}

// Flags sets the capability flags.
func (a SGateArgs) Flags(f caps.Flags) SGateArgs {
	a.flags = f
	return a
}

// SendGate transmits messages to a remote receive buffer, consuming one
// credit per message until the receiver acks or replies.
type SendGate struct {
	g Gate
}

// NewSendGate creates a send gate for a receive gate with default settings.
func NewSendGate(ctx *Ctx, rgate *RecvGate) (*SendGate, error) {
	return NewSendGateWith(ctx, SGateArgsFor(rgate))
}

// NewSendGateWith creates a send gate with the given arguments.
func NewSendGateWith(ctx *Ctx, args SGateArgs) (*SendGate, error) {
	sel := args.sel
	if sel == abi.InvalidSel {
		sel = ctx.Sels.AllocSel()
	}
	if err := ctx.Sys.CreateSGate(sel, args.rgate, uint64(args.label), args.credits); err != nil {
		return nil, err
	}
	return &SendGate{g: newGate(ctx, caps.SendGate, sel, args.flags)}, nil
}

// BindSendGate wraps an existing send-gate capability, e.g. one obtained
// from a session. The capability is not revoked on close.
func BindSendGate(ctx *Ctx, sel abi.Selector) *SendGate {
	return &SendGate{g: newGate(ctx, caps.SendGate, sel, caps.KeepCap)}
}

// NewNamedSendGate creates the send gate registered under the given name in
// the activity's configuration.
func NewNamedSendGate(ctx *Ctx, broker NameBroker, name string) (*SendGate, error) {
	sel := ctx.Sels.AllocSel()
	if err := broker.UseSGate(sel, name); err != nil {
		return nil, err
	}
	return &SendGate{g: newGate(ctx, caps.SendGate, sel, 0)}, nil
}

// Sel returns the capability selector.
func (s *SendGate) Sel() abi.Selector {
	return s.g.Sel()
}

// EP returns the bound endpoint, or nil while unactivated.
func (s *SendGate) EP() *EP {
	return s.g.EP()
}

// Activate binds the gate to an endpoint. Send does this on demand.
func (s *SendGate) Activate() error {
	_, err := s.g.activate(abi.InvalidSel, 0, 0)
	return err
}

// Send transmits data. reply names the receive gate for the answer (nil if
// none is expected) and replyLbl the label the answer should carry. With
// exhausted credits the send fails with errs.NoCredits.
func (s *SendGate) Send(data []byte, reply *RecvGate, replyLbl tcu.Label) error {
	ep, err := s.g.activate(abi.InvalidSel, 0, 0)
	if err != nil {
		return err
	}
	replyEP := tcu.InvalidEP
	if reply != nil {
		if err := reply.Activate(); err != nil {
			return err
		}
		replyEP = reply.g.ep.ID()
	}
	return s.g.ctx.Unit.Send(ep.ID(), data, replyLbl, replyEP)
}

// SendAligned transmits a payload the caller has already laid out on a
// message-slot boundary. On this platform it is identical to Send.
func (s *SendGate) SendAligned(data []byte, reply *RecvGate, replyLbl tcu.Label) error {
	return s.Send(data, reply, replyLbl)
}

// Call sends data and blocks until the reply arrives on the reply gate.
func (s *SendGate) Call(data []byte, reply *RecvGate) (*tcu.Message, error) {
	if err := s.Send(data, reply, 0); err != nil {
		return nil, err
	}
	return reply.Receive(s)
}

// CanSend reports whether a credit is available.
func (s *SendGate) CanSend() (bool, error) {
	c, err := s.Credits()
	return c > 0, err
}

// Credits returns the current credits. The gate is activated on demand.
func (s *SendGate) Credits() (uint32, error) {
	ep, err := s.g.activate(abi.InvalidSel, 0, 0)
	if err != nil {
		return 0, err
	}
	return s.g.ctx.Unit.Credits(ep.ID())
}

// HasGone reports whether the remote receive gate has been destroyed.
func (s *SendGate) HasGone() bool {
	if s.g.ep == nil {
		return false
	}
	return s.g.ctx.Unit.EpKind(s.g.ep.ID()) != tcu.EpSend
}

// Deactivate releases the endpoint, invalidating it.
func (s *SendGate) Deactivate() {
	s.g.releaseEP(true)
}

// Close releases the endpoint and the capability.
func (s *SendGate) Close() {
	s.g.close()
}
