package kernel

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// The kernel doubles as the machine's resource manager: it answers the
// requests arriving on the resmng channel and forwards session traffic to
// the serving activities.

func (k *Kernel) handleResMng(msg *tcu.Message) {
	k.mu.Lock()
	defer k.mu.Unlock()

	d := deferredReply{ep: resmngEP, msg: msg}
	req := abi.ParseMsgBuf(msg.Data)
	op := abi.ResMngOp(req.U64())
	act := k.sender(msg)
	if act == nil || act.exited {
		_ = k.unit.Ack(resmngEP, msg)
		return
	}

	var reply *abi.MsgBuf
	var code errs.Code
	deferred := false

	switch op {
	case abi.ResMngRegServ:
		code = k.rmRegServ(act, req)
	case abi.ResMngOpenSess:
		deferred, code = k.rmOpenSess(act, req, d)
	case abi.ResMngCloseSess:
		deferred, code = k.rmCloseSess(act, req, d)
	case abi.ResMngUseSGate:
		code = k.rmUseSGate(act, req)
	case abi.ResMngUseRGate:
		reply, code = k.rmUseRGate(act, req)
	case abi.ResMngUseSem:
		code = k.rmUseSem(act, req)
	case abi.ResMngAllocMem:
		code = k.rmAllocMem(act, req)
	case abi.ResMngFreeMem:
		code = k.rmFreeMem(act, req)
	default:
		code = errs.NotSup
	}

	if deferred {
		return
	}
	if code != errs.None {
		k.replyErr(d, code)
		return
	}
	out := abi.NewMsgBuf().PutU64(uint64(errs.None))
	if reply != nil {
		out.PutBuf(reply)
	}
	k.reply(d, out)
}

func (k *Kernel) rmRegServ(act *activity, req *abi.MsgBuf) errs.Code {
	srvSel := abi.Selector(req.U64())
	rgateSel := abi.Selector(req.U64())
	name := req.Str()
	if !req.Ok() || name == "" {
		return errs.InvArgs
	}
	if _, ok := k.services[name]; ok {
		return errs.Exists
	}
	rgate := act.cap(rgateSel)
	if rgate == nil || rgate.kind != caps.RecvGate {
		return errs.InvArgs
	}
	obj := &srvObj{name: name, rgate: rgate, sendEP: tcu.InvalidEP}
	code := k.newCap(act, srvSel, caps.Service, obj, nil)
	if code == errs.None {
		k.services[name] = act.cap(srvSel)
	}
	return code
}

func (k *Kernel) rmOpenSess(act *activity, req *abi.MsgBuf, d deferredReply) (bool, errs.Code) {
	sel := abi.Selector(req.U64())
	name := req.Str()
	if !req.Ok() || name == "" {
		return false, errs.InvArgs
	}
	if act.cap(sel) != nil {
		return false, errs.Exists
	}
	srv, ok := k.services[name]
	if !ok {
		return false, errs.InvArgs
	}

	k.nextSess++
	ident := k.nextSess
	pid, code := k.forward(srv, abi.SrvOpen, ident, 0, nil)
	if code != errs.None {
		return false, code
	}
	k.pending[pid] = &pendingExchange{
		d:      d,
		op:     abi.SrvOpen,
		client: act,
		srv:    srv,
		sel:    sel,
		ident:  ident,
	}
	return true, errs.None
}

func (k *Kernel) rmCloseSess(act *activity, req *abi.MsgBuf, d deferredReply) (bool, errs.Code) {
	sel := abi.Selector(req.U64())
	if !req.Ok() {
		return false, errs.InvArgs
	}
	n := act.cap(sel)
	if n == nil || n.kind != caps.Session {
		return false, errs.InvArgs
	}
	so := n.obj.(*sessObj)
	pid, code := k.forward(so.srv, abi.SrvClose, so.ident, 0, nil)
	if code != errs.None {
		// the server is unreachable; tear the session down regardless
		k.revoke(n)
		return false, errs.None
	}
	k.pending[pid] = &pendingExchange{
		d:      d,
		op:     abi.SrvClose,
		client: act,
		srv:    so.srv,
		sess:   n,
	}
	return true, errs.None
}

func (k *Kernel) rmUseSGate(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	name := req.Str()
	if !req.Ok() {
		return errs.InvArgs
	}
	named, ok := k.named[name]
	if !ok {
		return errs.InvArgs
	}
	switch named.kind {
	case caps.RecvGate:
		obj := &sgateObj{rgate: named, label: tcu.Label(act.id), credits: abi.UnlimCredits}
		return k.newCap(act, sel, caps.SendGate, obj, named)
	case caps.SendGate:
		return k.copyCap(named, act, sel)
	}
	return errs.InvArgs
}

func (k *Kernel) rmUseRGate(act *activity, req *abi.MsgBuf) (*abi.MsgBuf, errs.Code) {
	sel := abi.Selector(req.U64())
	name := req.Str()
	if !req.Ok() {
		return nil, errs.InvArgs
	}
	named, ok := k.named[name]
	if !ok || named.kind != caps.RecvGate {
		return nil, errs.InvArgs
	}
	if code := k.copyCap(named, act, sel); code != errs.None {
		return nil, code
	}
	ro := named.obj.(*rgateObj)
	return abi.NewMsgBuf().PutU64(uint64(ro.order)).PutU64(uint64(ro.msgOrder)), errs.None
}

func (k *Kernel) rmUseSem(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	name := req.Str()
	if !req.Ok() {
		return errs.InvArgs
	}
	named, ok := k.named[name]
	if !ok || named.kind != caps.Semaphore {
		return errs.InvArgs
	}
	return k.copyCap(named, act, sel)
}

func (k *Kernel) rmAllocMem(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	size := req.U64()
	perms := abi.Perm(req.U64())
	if !req.Ok() || size == 0 {
		return errs.InvArgs
	}
	if !act.kmem.charge(size) {
		return errs.OutOfMem
	}
	region := k.fab.AllocRegion(size)
	obj := &mgateObj{region: region, size: size, perms: perms}
	code := k.newCap(act, sel, caps.MemGate, obj, nil)
	if code != errs.None {
		act.kmem.refund(size)
	}
	return code
}

func (k *Kernel) rmFreeMem(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	if !req.Ok() {
		return errs.InvArgs
	}
	n := act.cap(sel)
	if n == nil || n.kind != caps.MemGate {
		return errs.InvArgs
	}
	if mo, ok := n.obj.(*mgateObj); ok && n.parent == nil {
		n.owner.kmem.refund(mo.size)
	}
	k.revoke(n)
	return errs.None
}

// sysExchangeSess serves the delegate and obtain syscalls by forwarding
// them to the session's server and finishing the capability transfer when
// the server answers.
func (k *Kernel) sysExchangeSess(act *activity, req *abi.MsgBuf, d deferredReply, op abi.SrvOp) (bool, errs.Code) {
	sessSel := abi.Selector(req.U64())
	ty := abi.CapType(req.U64())
	start := abi.Selector(req.U64())
	count := req.U64()
	if !req.Ok() || ty != abi.CapObj || count == 0 || count > 4 {
		return false, errs.InvArgs
	}
	n := act.cap(sessSel)
	if n == nil || n.kind != caps.Session {
		return false, errs.InvArgs
	}
	so := n.obj.(*sessObj)

	crd := abi.CapRngDesc{Type: abi.CapObj, Start: start, Count: count}
	for i := uint64(0); i < count; i++ {
		sel := start + abi.Selector(i)
		if op == abi.SrvObtain && act.cap(sel) != nil {
			return false, errs.Exists
		}
		if op == abi.SrvDelegate && act.cap(sel) == nil {
			return false, errs.InvArgs
		}
	}

	pid, code := k.forward(so.srv, op, so.ident, count, req.Rest())
	if code != errs.None {
		return false, code
	}
	k.pending[pid] = &pendingExchange{
		d:      d,
		op:     op,
		client: act,
		crd:    crd,
		srv:    so.srv,
		sess:   n,
	}
	return true, errs.None
}

// forward sends one request to a server's service channel. The reply label
// identifies the pending exchange.
func (k *Kernel) forward(srv *capNode, op abi.SrvOp, ident, count uint64, xargs []byte) (uint64, errs.Code) {
	so := srv.obj.(*srvObj)
	rg, ok := so.rgate.obj.(*rgateObj)
	if !ok || !rg.activated {
		return 0, errs.RecvGone
	}
	if so.sendEP == tcu.InvalidEP {
		ep, err := k.allocSendEP(rg.tile, rg.ep, rg.msgOrder)
		if err != nil {
			return 0, errs.CodeOf(err)
		}
		so.sendEP = ep
	}

	k.nextPend++
	pid := k.nextPend
	msg := abi.NewMsgBuf().
		PutU64(uint64(op)).
		PutU64(ident).
		PutU64(count)
	buf := append(msg.Bytes(), xargs...)
	if err := k.unit.Send(so.sendEP, buf, tcu.Label(pid), srvReplyEP); err != nil {
		return 0, errs.CodeOf(err)
	}
	return pid, errs.None
}

// handleSrvReply finishes a pending exchange with the server's answer.
func (k *Kernel) handleSrvReply(msg *tcu.Message) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pid := uint64(msg.Label)
	pend := k.pending[pid]
	delete(k.pending, pid)
	reply := abi.ParseMsgBuf(msg.Data)
	code := errs.Code(reply.U64())
	defer func() { _ = k.unit.Ack(srvReplyEP, msg) }()

	if pend == nil {
		k.log.Warn("reply for unknown exchange", zap.Uint64("label", pid))
		return
	}
	if code != errs.None {
		k.replyErr(pend.d, code)
		return
	}

	switch pend.op {
	case abi.SrvOpen:
		obj := &sessObj{srv: pend.srv, ident: pend.ident}
		if c := k.newCap(pend.client, pend.sel, caps.Session, obj, pend.srv); c != errs.None {
			k.replyErr(pend.d, c)
			return
		}
		k.replyErr(pend.d, errs.None)

	case abi.SrvClose:
		if pend.sess != nil && pend.client.cap(pend.sess.sel) == pend.sess {
			k.revoke(pend.sess)
		}
		k.replyErr(pend.d, errs.None)

	case abi.SrvObtain, abi.SrvDelegate:
		// exchanged capabilities become children of the session, so
		// closing it revokes them on both sides
		server := pend.srv.owner
		out := abi.NewMsgBuf().PutU64(uint64(errs.None))
		for i := uint64(0); i < pend.crd.Count; i++ {
			srvSel := abi.Selector(reply.U64())
			if !reply.Ok() {
				k.replyErr(pend.d, errs.InvArgs)
				return
			}
			var src *capNode
			dst, dstSel := pend.client, pend.crd.Start+abi.Selector(i)
			if pend.op == abi.SrvObtain {
				src = server.cap(srvSel)
			} else {
				src = pend.client.cap(dstSel)
				dst, dstSel = server, srvSel
			}
			if src == nil || src.kind == caps.EndPt || src.kind == caps.Activity {
				k.replyErr(pend.d, errs.InvArgs)
				return
			}
			if c := k.newCap(dst, dstSel, src.kind, src.obj, pend.sess); c != errs.None {
				k.replyErr(pend.d, c)
				return
			}
		}
		out.PutBuf(abi.ParseMsgBuf(reply.Rest()))
		k.reply(pend.d, out)
	}
}
