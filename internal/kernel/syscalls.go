package kernel

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// handleSyscall decodes and serves one syscall message. Most calls reply
// immediately; semaphore downs and session exchanges may defer the reply.
func (k *Kernel) handleSyscall(msg *tcu.Message) {
	k.mu.Lock()
	defer k.mu.Unlock()

	d := deferredReply{ep: syscallEP, msg: msg}
	req := abi.ParseMsgBuf(msg.Data)
	op := abi.Opcode(req.U64())
	act := k.sender(msg)
	if act == nil || act.exited {
		_ = k.unit.Ack(syscallEP, msg)
		return
	}

	var reply *abi.MsgBuf
	var code errs.Code
	deferred := false

	switch op {
	case abi.SysActivate:
		code = k.sysActivate(act, req)
	case abi.SysRevoke:
		code = k.sysRevoke(act, req)
	case abi.SysCreateSGate:
		code = k.sysCreateSGate(act, req)
	case abi.SysCreateRGate:
		code = k.sysCreateRGate(act, req)
	case abi.SysCreateMGate:
		code = k.sysCreateMGate(act, req)
	case abi.SysCreateSem:
		code = k.sysCreateSem(act, req)
	case abi.SysCreateSrv:
		code = k.sysCreateSrv(act, req)
	case abi.SysCreateSess:
		code = k.sysCreateSess(act, req)
	case abi.SysDeriveMem:
		code = k.sysDeriveMem(act, req)
	case abi.SysDeriveKMem:
		code = k.sysDeriveKMem(act, req)
	case abi.SysDeriveTile:
		code = k.sysDeriveTile(act, req)
	case abi.SysAllocEP:
		reply, code = k.sysAllocEP(act, req)
	case abi.SysExchange:
		code = k.sysExchange(act, req)
	case abi.SysDelegate:
		deferred, code = k.sysExchangeSess(act, req, d, abi.SrvDelegate)
	case abi.SysObtain:
		deferred, code = k.sysExchangeSess(act, req, d, abi.SrvObtain)
	case abi.SysKMemQuota:
		reply, code = k.sysKMemQuota(act, req)
	case abi.SysSemCtrl:
		deferred, code = k.sysSemCtrl(act, req, d)
	case abi.SysExit:
		k.sysExit(act, req)
		_ = k.unit.Ack(syscallEP, msg)
		return
	default:
		code = errs.NotSup
	}

	if k.metrics != nil {
		k.metrics.RecordSyscall(op.String(), code.String())
	}
	if deferred {
		return
	}
	if code != errs.None {
		k.log.Debug("syscall failed",
			zap.Uint64("act", act.id), zap.Stringer("op", op), zap.Stringer("code", code))
		k.replyErr(d, code)
		return
	}
	out := abi.NewMsgBuf().PutU64(uint64(errs.None))
	if reply != nil {
		out.PutBuf(reply)
	}
	k.reply(d, out)
}

// newCap inserts a freshly created capability, charging the owner's quota.
func (k *Kernel) newCap(act *activity, sel abi.Selector, kind caps.Kind, obj interface{}, parent *capNode) errs.Code {
	if sel == abi.InvalidSel || sel < abi.FirstFreeSel {
		return errs.InvArgs
	}
	if act.cap(sel) != nil {
		return errs.Exists
	}
	if !act.kmem.charge(kmemPerCap) {
		return errs.OutOfMem
	}
	n := &capNode{sel: sel, kind: kind, owner: act, obj: obj}
	if parent != nil {
		parent.addChild(n)
	}
	act.insert(n)
	return errs.None
}

func (k *Kernel) sysActivate(act *activity, req *abi.MsgBuf) errs.Code {
	epSel := abi.Selector(req.U64())
	gateSel := abi.Selector(req.U64())
	req.U64() // rbuf memory selector, unused on this platform
	rbufOff := req.U64()
	if !req.Ok() {
		return errs.InvArgs
	}

	epNode := act.cap(epSel)
	if epNode == nil || epNode.kind != caps.EndPt {
		return errs.InvArgs
	}
	eo := epNode.obj.(*epObj)

	// rebinding or explicit invalidation replaces the previous binding
	if eo.bound != nil {
		k.unbindEP(epNode)
		_ = k.fab.InvalidateEP(eo.tile, eo.id)
	}
	if gateSel == abi.InvalidSel {
		return errs.None
	}

	gate := act.cap(gateSel)
	if gate == nil {
		return errs.InvArgs
	}
	switch obj := gate.obj.(type) {
	case *rgateObj:
		if obj.activated {
			return errs.Exists
		}
		if err := k.fab.ConfigureRecv(eo.tile, eo.id, rbufOff, obj.order, obj.msgOrder); err != nil {
			return errs.CodeOf(err)
		}
		obj.activated = true
		obj.tile = eo.tile
		obj.ep = eo.id
		obj.addr = rbufOff
	case *sgateObj:
		rg, ok := obj.rgate.obj.(*rgateObj)
		if !ok || !rg.activated {
			return errs.InvArgs
		}
		if err := k.fab.ConfigureSend(eo.tile, eo.id, rg.tile, rg.ep,
			obj.label, rg.msgOrder, obj.credits); err != nil {
			return errs.CodeOf(err)
		}
	case *mgateObj:
		if err := k.fab.ConfigureMem(eo.tile, eo.id, obj.region, obj.off,
			obj.size, uint(obj.perms)); err != nil {
			return errs.CodeOf(err)
		}
	default:
		return errs.InvArgs
	}
	k.bindGate(gate, epNode)
	return errs.None
}

func (k *Kernel) sysRevoke(act *activity, req *abi.MsgBuf) errs.Code {
	ty := abi.CapType(req.U64())
	start := abi.Selector(req.U64())
	count := req.U64()
	if !req.Ok() || ty != abi.CapObj || count == 0 {
		return errs.InvArgs
	}
	for i := uint64(0); i < count; i++ {
		if n := act.cap(start + abi.Selector(i)); n != nil {
			k.revoke(n)
		}
	}
	return errs.None
}

func (k *Kernel) sysCreateSGate(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	rgateSel := abi.Selector(req.U64())
	label := req.U64()
	credits := uint32(req.U64())
	if !req.Ok() {
		return errs.InvArgs
	}
	rgate := act.cap(rgateSel)
	if rgate == nil || rgate.kind != caps.RecvGate {
		return errs.InvArgs
	}
	obj := &sgateObj{rgate: rgate, label: tcu.Label(label), credits: credits}
	return k.newCap(act, sel, caps.SendGate, obj, rgate)
}

func (k *Kernel) sysCreateRGate(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	order := uint(req.U64())
	msgOrder := uint(req.U64())
	if !req.Ok() || order < msgOrder || order > 32 {
		return errs.InvArgs
	}
	obj := &rgateObj{order: order, msgOrder: msgOrder}
	return k.newCap(act, sel, caps.RecvGate, obj, nil)
}

func (k *Kernel) sysCreateMGate(act *activity, req *abi.MsgBuf) errs.Code {
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

func (k *Kernel) sysCreateSem(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	value := uint32(req.U64())
	if !req.Ok() {
		return errs.InvArgs
	}
	return k.newCap(act, sel, caps.Semaphore, &semObj{value: value}, nil)
}

func (k *Kernel) sysCreateSrv(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
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
	code := k.newCap(act, sel, caps.Service, obj, nil)
	if code == errs.None {
		k.services[name] = act.cap(sel)
		k.log.Info("service registered",
			zap.String("name", name), zap.Uint64("act", act.id))
	}
	return code
}

func (k *Kernel) sysCreateSess(act *activity, req *abi.MsgBuf) errs.Code {
	sel := abi.Selector(req.U64())
	srvSel := abi.Selector(req.U64())
	ident := req.U64()
	if !req.Ok() {
		return errs.InvArgs
	}
	srv := act.cap(srvSel)
	if srv == nil || srv.kind != caps.Service {
		return errs.InvArgs
	}
	return k.newCap(act, sel, caps.Session, &sessObj{srv: srv, ident: ident}, srv)
}

func (k *Kernel) sysDeriveMem(act *activity, req *abi.MsgBuf) errs.Code {
	dst := abi.Selector(req.U64())
	srcSel := abi.Selector(req.U64())
	offset := req.U64()
	size := req.U64()
	perms := abi.Perm(req.U64())
	if !req.Ok() {
		return errs.InvArgs
	}
	src := act.cap(srcSel)
	if src == nil || src.kind != caps.MemGate {
		return errs.InvArgs
	}
	mo := src.obj.(*mgateObj)
	if offset > mo.size || size > mo.size-offset || perms&^mo.perms != 0 {
		return errs.NoPerm
	}
	obj := &mgateObj{
		region: mo.region,
		off:    mo.off + uint32(offset),
		size:   size,
		perms:  perms,
	}
	return k.newCap(act, dst, caps.MemGate, obj, src)
}

func (k *Kernel) sysDeriveKMem(act *activity, req *abi.MsgBuf) errs.Code {
	dst := abi.Selector(req.U64())
	srcSel := abi.Selector(req.U64())
	quota := req.U64()
	if !req.Ok() {
		return errs.InvArgs
	}
	src := act.cap(srcSel)
	if src == nil || src.kind != caps.KMem {
		return errs.InvArgs
	}
	ko := src.obj.(*kmemObj)
	if !ko.charge(quota) {
		return errs.OutOfMem
	}
	obj := &kmemObj{total: quota, left: quota}
	code := k.newCap(act, dst, caps.KMem, obj, src)
	if code != errs.None {
		ko.refund(quota)
	}
	return code
}

func (k *Kernel) sysDeriveTile(act *activity, req *abi.MsgBuf) errs.Code {
	dst := abi.Selector(req.U64())
	tileSel := abi.Selector(req.U64())
	eps := uint32(req.U64())
	if !req.Ok() {
		return errs.InvArgs
	}
	src := act.cap(tileSel)
	if src == nil || src.kind != caps.Tile {
		return errs.InvArgs
	}
	to := src.obj.(*tileObj)
	if eps > to.eps {
		return errs.NoSpace
	}
	to.eps -= eps
	obj := &tileObj{tile: to.tile, eps: eps}
	code := k.newCap(act, dst, caps.Tile, obj, src)
	if code != errs.None {
		to.eps += eps
	}
	return code
}

func (k *Kernel) sysAllocEP(act *activity, req *abi.MsgBuf) (*abi.MsgBuf, errs.Code) {
	sel := abi.Selector(req.U64())
	requested := tcu.EpId(req.U64())
	replies := uint32(req.U64())
	if !req.Ok() {
		return nil, errs.InvArgs
	}
	slots := 1 + int(replies)
	id := act.allocEPs(requested, slots)
	if id == tcu.InvalidEP {
		return nil, errs.NoSpace
	}
	obj := &epObj{tile: act.tile, id: id, slots: slots}
	code := k.newCap(act, sel, caps.EndPt, obj, nil)
	if code != errs.None {
		act.freeEPs(id, slots)
		return nil, code
	}
	return abi.NewMsgBuf().PutU64(uint64(id)), errs.None
}

// sysExchange copies a capability range between the caller and another
// activity the caller holds a capability for. Copies become children of
// their source.
func (k *Kernel) sysExchange(act *activity, req *abi.MsgBuf) errs.Code {
	actSel := abi.Selector(req.U64())
	ty := abi.CapType(req.U64())
	start := abi.Selector(req.U64())
	count := req.U64()
	other := abi.Selector(req.U64())
	obtain := req.U64() != 0
	if !req.Ok() || ty != abi.CapObj || count == 0 {
		return errs.InvArgs
	}
	actNode := act.cap(actSel)
	if actNode == nil || actNode.kind != caps.Activity {
		return errs.InvArgs
	}
	target := actNode.obj.(*activity)

	srcAct, srcStart := act, start
	dstAct, dstStart := target, other
	if obtain {
		srcAct, srcStart = target, other
		dstAct, dstStart = act, start
	}
	for i := uint64(0); i < count; i++ {
		if srcAct.cap(srcStart+abi.Selector(i)) == nil {
			return errs.InvArgs
		}
		if dstAct.cap(dstStart+abi.Selector(i)) != nil {
			return errs.Exists
		}
	}
	for i := uint64(0); i < count; i++ {
		src := srcAct.cap(srcStart + abi.Selector(i))
		if code := k.copyCap(src, dstAct, dstStart+abi.Selector(i)); code != errs.None {
			return code
		}
	}
	return errs.None
}

// copyCap clones a capability into another activity's table as a child of
// the source.
func (k *Kernel) copyCap(src *capNode, dst *activity, sel abi.Selector) errs.Code {
	if src.kind == caps.EndPt || src.kind == caps.Activity {
		return errs.NotSup
	}
	return k.newCap(dst, sel, src.kind, src.obj, src)
}

func (k *Kernel) sysKMemQuota(act *activity, req *abi.MsgBuf) (*abi.MsgBuf, errs.Code) {
	sel := abi.Selector(req.U64())
	if !req.Ok() {
		return nil, errs.InvArgs
	}
	var ko *kmemObj
	if sel == abi.SelKMem {
		ko = act.kmem
	} else {
		n := act.cap(sel)
		if n == nil || n.kind != caps.KMem {
			return nil, errs.InvArgs
		}
		ko = n.obj.(*kmemObj)
	}
	return abi.NewMsgBuf().PutU64(ko.total).PutU64(ko.left), errs.None
}

func (k *Kernel) sysSemCtrl(act *activity, req *abi.MsgBuf, d deferredReply) (bool, errs.Code) {
	sel := abi.Selector(req.U64())
	op := abi.SemOp(req.U64())
	if !req.Ok() {
		return false, errs.InvArgs
	}
	n := act.cap(sel)
	if n == nil || n.kind != caps.Semaphore {
		return false, errs.InvArgs
	}
	sem := n.obj.(*semObj)
	switch op {
	case abi.SemUp:
		if len(sem.waiters) > 0 {
			w := sem.waiters[0]
			sem.waiters = sem.waiters[1:]
			k.replyErr(w, errs.None)
		} else {
			sem.value++
		}
		return false, errs.None
	case abi.SemDown:
		if sem.value > 0 {
			sem.value--
			return false, errs.None
		}
		sem.waiters = append(sem.waiters, d)
		return true, errs.None
	}
	return false, errs.InvArgs
}

func (k *Kernel) sysExit(act *activity, req *abi.MsgBuf) {
	code := int(int64(req.U64()))
	act.exited = true
	act.exitCode = code
	var roots []*capNode
	for _, n := range act.table {
		if n.parent == nil || n.parent.owner != act {
			roots = append(roots, n)
		}
	}
	for _, n := range roots {
		if act.cap(n.sel) == n {
			k.revoke(n)
		}
	}
	close(act.done)
	k.log.Info("activity exited",
		zap.Uint64("act", act.id), zap.Int("code", code))
}
