// Package session implements the client side of service sessions:
// per-client state at a server, plus the delegate/obtain capability
// exchanges that move gates and memory between client and server.
package session

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/resmng"
)

// ClientSession is an open session at a service. Sessions opened through
// the resource manager are closed through it as well; sessions created
// directly from a service capability are plain capabilities.
type ClientSession struct {
	ctx *com.Ctx
	cap caps.ObjCap
	rm  *resmng.Client
}

// Open opens a session at the service registered under name, going through
// the resource manager.
func Open(ctx *com.Ctx, rm *resmng.Client, name string) (*ClientSession, error) {
	sel := ctx.Sels.AllocSel()
	if err := rm.OpenSess(sel, name); err != nil {
		return nil, err
	}
	return &ClientSession{
		ctx: ctx,
		cap: caps.NewObjCap(caps.Session, sel, 0, ctx.Sys),
		rm:  rm,
	}, nil
}

// Create creates a session directly from a service capability, bypassing
// the resource manager. Only the service's creator can do this.
func Create(ctx *com.Ctx, srv abi.Selector, ident uint64) (*ClientSession, error) {
	sel := ctx.Sels.AllocSel()
	if err := ctx.Sys.CreateSess(sel, srv, ident); err != nil {
		return nil, err
	}
	return &ClientSession{
		ctx: ctx,
		cap: caps.NewObjCap(caps.Session, sel, 0, ctx.Sys),
	}, nil
}

// Bind wraps an existing session capability without taking ownership.
func Bind(ctx *com.Ctx, sel abi.Selector) *ClientSession {
	return &ClientSession{
		ctx: ctx,
		cap: caps.NewObjCap(caps.Session, sel, caps.KeepCap, ctx.Sys),
	}
}

// Sel returns the session's capability selector.
func (s *ClientSession) Sel() abi.Selector {
	return s.cap.Sel()
}

// Obtain asks the server for count capabilities, which land in freshly
// allocated selectors. Returns the range they were placed in.
func (s *ClientSession) Obtain(count uint64, xargs *abi.MsgBuf) (abi.CapRngDesc, *abi.MsgBuf, error) {
	crd := abi.CapRngDesc{Type: abi.CapObj, Start: s.ctx.Sels.Alloc(count), Count: count}
	reply, err := s.ObtainFor(crd, xargs)
	return crd, reply, err
}

// ObtainFor is Obtain with a caller-chosen selector range.
func (s *ClientSession) ObtainFor(crd abi.CapRngDesc, xargs *abi.MsgBuf) (*abi.MsgBuf, error) {
	return s.ctx.Sys.Obtain(s.cap.Sel(), crd, xargs)
}

// Delegate hands the capabilities in crd to the server.
func (s *ClientSession) Delegate(crd abi.CapRngDesc, xargs *abi.MsgBuf) (*abi.MsgBuf, error) {
	return s.ctx.Sys.Delegate(s.cap.Sel(), crd, xargs)
}

// ObtainSGate obtains a single send gate from the server, the common case
// for connecting to a service channel.
func (s *ClientSession) ObtainSGate(xargs *abi.MsgBuf) (*com.SendGate, error) {
	crd, _, err := s.Obtain(1, xargs)
	if err != nil {
		return nil, err
	}
	return com.BindSendGate(s.ctx, crd.Start), nil
}

// Close ends the session. Resource-manager sessions are closed there;
// others are revoked directly.
func (s *ClientSession) Close() {
	if s.rm != nil {
		if err := s.rm.CloseSess(s.cap.Sel()); err != nil {
			s.ctx.Log.Warn("session close failed",
				zap.Uint64("sel", uint64(s.cap.Sel())), zap.Error(err))
		}
		s.cap.Release()
		return
	}
	s.cap.Close()
}
