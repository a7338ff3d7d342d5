package session

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/resmng"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
	"github.com/GriffinCanCode/TileOS/runtime/internal/wl"
)

// Handler implements a service: session lifecycle plus the capability
// exchanges clients request. Obtain and Delegate return the server-side
// selectors taking part in the transfer, one per requested capability.
type Handler interface {
	Open(ident uint64) error
	Obtain(ident, count uint64, xargs *abi.MsgBuf) ([]abi.Selector, *abi.MsgBuf, error)
	Delegate(ident, count uint64, xargs *abi.MsgBuf) ([]abi.Selector, *abi.MsgBuf, error)
	Close(ident uint64)
}

// Server registers a service and answers the requests the kernel forwards
// on its service channel.
type Server struct {
	ctx     *com.Ctx
	rgate   *com.RecvGate
	cap     caps.ObjCap
	handler Handler
	log     *zap.Logger
}

// The service channel uses a small dedicated receive buffer.
const (
	srvBufOrder = 11
	srvMsgOrder = 9
)

// NewServer creates the service channel, activates it, and registers the
// service under name. Registration goes through the resource manager when
// one is given, directly to the kernel otherwise.
func NewServer(ctx *com.Ctx, rm *resmng.Client, name string, handler Handler) (*Server, error) {
	rgate, err := com.NewRecvGate(ctx, srvBufOrder, srvMsgOrder)
	if err != nil {
		return nil, err
	}
	if err := rgate.Activate(); err != nil {
		rgate.Close()
		return nil, err
	}
	sel := ctx.Sels.AllocSel()
	if rm != nil {
		err = rm.RegServ(sel, rgate.Sel(), name)
	} else {
		err = ctx.Sys.CreateSrv(sel, rgate.Sel(), name)
	}
	if err != nil {
		rgate.Close()
		return nil, err
	}
	return &Server{
		ctx:     ctx,
		rgate:   rgate,
		cap:     caps.NewObjCap(caps.Service, sel, 0, ctx.Sys),
		handler: handler,
		log:     ctx.Log.Named("server").With(zap.String("service", name)),
	}, nil
}

// Sel returns the service capability selector.
func (s *Server) Sel() abi.Selector {
	return s.cap.Sel()
}

// Start registers the service channel with a work loop.
func (s *Server) Start(loop *wl.WorkLoop) error {
	return s.rgate.Start(loop, func(g *com.RecvGate, msg *tcu.Message) {
		s.handle(g, msg)
	})
}

func (s *Server) handle(g *com.RecvGate, msg *tcu.Message) {
	req := abi.ParseMsgBuf(msg.Data)
	op := abi.SrvOp(req.U64())
	ident := req.U64()
	count := req.U64()
	if !req.Ok() {
		s.replyErr(g, msg, errs.InvArgs)
		return
	}

	switch op {
	case abi.SrvOpen:
		if err := s.handler.Open(ident); err != nil {
			s.replyErr(g, msg, errs.CodeOf(err))
			return
		}
		s.replyErr(g, msg, errs.None)

	case abi.SrvObtain, abi.SrvDelegate:
		var sels []abi.Selector
		var xreply *abi.MsgBuf
		var err error
		if op == abi.SrvObtain {
			sels, xreply, err = s.handler.Obtain(ident, count, req)
		} else {
			sels, xreply, err = s.handler.Delegate(ident, count, req)
		}
		if err != nil {
			s.replyErr(g, msg, errs.CodeOf(err))
			return
		}
		if uint64(len(sels)) != count {
			s.replyErr(g, msg, errs.InvArgs)
			return
		}
		out := abi.NewMsgBuf().PutU64(uint64(errs.None))
		for _, sel := range sels {
			out.PutU64(uint64(sel))
		}
		if xreply != nil {
			out.PutBuf(xreply)
		}
		if err := g.Reply(msg, out.Bytes()); err != nil {
			s.log.Warn("exchange reply failed", zap.Error(err))
		}

	case abi.SrvClose:
		s.handler.Close(ident)
		s.replyErr(g, msg, errs.None)

	default:
		s.replyErr(g, msg, errs.NotSup)
	}
}

func (s *Server) replyErr(g *com.RecvGate, msg *tcu.Message, code errs.Code) {
	if err := g.Reply(msg, abi.NewMsgBuf().PutU64(uint64(code)).Bytes()); err != nil {
		s.log.Warn("reply failed", zap.Error(err))
		_ = g.Ack(msg)
	}
}

// Stop removes the service channel from its work loop.
func (s *Server) Stop() {
	s.rgate.Stop()
}

// Close unregisters the service and releases the channel.
func (s *Server) Close() {
	s.rgate.Stop()
	s.cap.Close()
	s.rgate.Close()
}
