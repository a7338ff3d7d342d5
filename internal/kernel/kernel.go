// Package kernel implements the kernel peer of the simulated machine: the
// capability system, the syscall service loop, and the built-in resource
// manager. It runs on its own tile and answers the messages the runtime's
// syscall gateway and resmng client send.
//
// Nothing in here is part of the runtime's public surface; applications see
// the kernel only through system calls.
package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/monitoring"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// Kernel endpoints and receive-buffer layout on the kernel tile.
const (
	syscallEP   tcu.EpId = 0
	resmngEP    tcu.EpId = 1
	srvReplyEP  tcu.EpId = 2
	firstSendEP tcu.EpId = 3

	syscallBufOrder  = 14
	resmngBufOrder   = 13
	srvReplyBufOrder = 12
	kmsgOrder        = 9

	syscallBufAddr  uint64 = 0
	resmngBufAddr   uint64 = 1 << syscallBufOrder
	srvReplyBufAddr uint64 = resmngBufAddr + 1<<resmngBufOrder

	// RbufSize is the receive-buffer region the kernel tile needs.
	RbufSize uint64 = 1 << 15
)

// kmemPerCap is the kernel-memory charge per created capability.
const kmemPerCap = 256

// deferredReply is a request the kernel answers later: a blocked semaphore
// down, or an exchange waiting on a server.
type deferredReply struct {
	ep  tcu.EpId
	msg *tcu.Message
}

// pendingExchange is a capability exchange forwarded to a server, waiting
// for its reply.
type pendingExchange struct {
	d      deferredReply
	op     abi.SrvOp
	client *activity
	crd    abi.CapRngDesc
	srv    *capNode
	sess   *capNode // session node, or nil while opening
	sel    abi.Selector
	ident  uint64
}

// Proc is the kernel-side handle of an added activity.
type Proc struct {
	act *activity
}

// ID returns the activity id, which is also the label its syscalls carry.
func (p *Proc) ID() uint64 {
	return p.act.id
}

// Wait blocks until the activity exits and returns its exit code.
func (p *Proc) Wait() int {
	<-p.act.done
	return p.act.exitCode
}

// Kernel is the machine's kernel instance.
type Kernel struct {
	fab     *tcu.Fabric
	unit    *tcu.Unit
	tile    tcu.TileID
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	acts     map[uint64]*activity
	nextAct  uint64
	rootKMem *kmemObj
	kernAct  *activity
	resmngRG *capNode
	named    map[string]*capNode
	services map[string]*capNode
	bindings map[*capNode][]*capNode
	pending  map[uint64]*pendingExchange
	nextPend uint64
	nextSEP  tcu.EpId
	nextSess uint64

	stopped atomic.Bool
	done    chan struct{}
}

// New boots a kernel on the given tile of the fabric: it adds the tile's
// unit, configures the kernel's receive endpoints, and sets up the root
// kernel-memory pool.
func New(fab *tcu.Fabric, tile tcu.TileID, epCount int, kmemTotal uint64, log *zap.Logger) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	k := &Kernel{
		fab:      fab,
		unit:     fab.AddUnit(tile, epCount, RbufSize),
		tile:     tile,
		log:      log.Named("kernel"),
		acts:     make(map[uint64]*activity),
		rootKMem: &kmemObj{total: kmemTotal, left: kmemTotal},
		named:    make(map[string]*capNode),
		services: make(map[string]*capNode),
		bindings: make(map[*capNode][]*capNode),
		pending:  make(map[uint64]*pendingExchange),
		nextSEP:  firstSendEP,
		done:     make(chan struct{}),
	}
	k.kernAct = &activity{
		id:    0,
		name:  "kernel",
		tile:  tile,
		table: make(map[abi.Selector]*capNode),
		eps:   make([]bool, epCount),
		kmem:  k.rootKMem,
		done:  make(chan struct{}),
	}
	k.resmngRG = &capNode{
		sel:   abi.InvalidSel,
		kind:  caps.RecvGate,
		owner: k.kernAct,
		obj: &rgateObj{
			order:     resmngBufOrder,
			msgOrder:  kmsgOrder,
			activated: true,
			tile:      tile,
			ep:        resmngEP,
			addr:      resmngBufAddr,
		},
	}

	must := func(err error) {
		if err != nil {
			panic("kernel: endpoint setup failed: " + err.Error())
		}
	}
	must(fab.ConfigureRecv(tile, syscallEP, syscallBufAddr, syscallBufOrder, kmsgOrder))
	must(fab.ConfigureRecv(tile, resmngEP, resmngBufAddr, resmngBufOrder, kmsgOrder))
	must(fab.ConfigureRecv(tile, srvReplyEP, srvReplyBufAddr, srvReplyBufOrder, kmsgOrder))
	return k
}

// SetMetrics attaches a metrics collector. Safe to leave unset.
func (k *Kernel) SetMetrics(m *monitoring.Metrics) {
	k.metrics = m
}

// Tile returns the kernel's tile.
func (k *Kernel) Tile() tcu.TileID {
	return k.tile
}

// AddActivity registers a program running on the tile behind unit: it
// configures the tile's standard endpoints, builds the capability table
// with the pre-assigned selectors, and carves the activity's kernel-memory
// quota out of the root pool.
func (k *Kernel) AddActivity(name string, unit *tcu.Unit, kmemQuota uint64) (*Proc, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.rootKMem.charge(kmemQuota) {
		return nil, errs.New(errs.OutOfMem, "kernel.add_activity")
	}
	k.nextAct++
	act := &activity{
		id:    k.nextAct,
		name:  name,
		tile:  unit.Tile(),
		table: make(map[abi.Selector]*capNode),
		eps:   make([]bool, unit.EpCount()),
		kmem:  &kmemObj{total: kmemQuota, left: kmemQuota},
		done:  make(chan struct{}),
	}
	for ep := tcu.EpId(0); ep < tcu.FirstUserEP; ep++ {
		act.eps[ep] = true
	}

	tile := act.tile
	cfg := func(err error) error {
		if err != nil {
			k.rootKMem.refund(kmemQuota)
			return err
		}
		return nil
	}
	if err := cfg(k.fab.ConfigureSend(tile, tcu.SyscallSEP, k.tile, syscallEP,
		tcu.Label(act.id), kmsgOrder, 1)); err != nil {
		return nil, err
	}
	if err := cfg(k.fab.ConfigureRecv(tile, tcu.SyscallREP, abi.SyscallRbufOff,
		abi.SyscallRbufOrder, abi.SyscallRbufMsgOrder)); err != nil {
		return nil, err
	}
	if err := cfg(k.fab.ConfigureRecv(tile, tcu.UpcallREP, abi.UpcallRbufOff,
		abi.UpcallRbufOrder, abi.UpcallRbufMsgOrder)); err != nil {
		return nil, err
	}
	if err := cfg(k.fab.ConfigureRecv(tile, tcu.DefaultREP, abi.DefRbufOff,
		abi.DefRbufOrder, abi.DefRbufMsgOrder)); err != nil {
		return nil, err
	}

	act.insert(&capNode{sel: abi.SelTile, kind: caps.Tile, owner: act,
		obj: &tileObj{tile: tile, eps: uint32(unit.EpCount())}})
	act.insert(&capNode{sel: abi.SelAct, kind: caps.Activity, owner: act, obj: act})
	act.insert(&capNode{sel: abi.SelKMem, kind: caps.KMem, owner: act, obj: act.kmem})
	rm := &capNode{sel: abi.SelResMng, kind: caps.SendGate, owner: act,
		obj: &sgateObj{rgate: k.resmngRG, label: tcu.Label(act.id), credits: 1}}
	k.resmngRG.addChild(rm)
	act.insert(rm)

	k.acts[act.id] = act
	k.log.Info("activity added",
		zap.Uint64("id", act.id), zap.String("name", name), zap.Uint16("tile", uint16(tile)))
	return &Proc{act: act}, nil
}

// RegisterNamed publishes a kernel-created object under a name for the
// use_sgate/use_rgate/use_sem resource-manager operations. The boot
// configuration feeds this.
func (k *Kernel) RegisterNamed(name string, kind caps.Kind, obj interface{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.named[name] = &capNode{sel: abi.InvalidSel, kind: kind, owner: k.kernAct, obj: obj}
}

// NewNamedRGate creates a kernel-owned receive gate object and registers it
// under name. The activity that binds it via use_rgate activates it.
func (k *Kernel) NewNamedRGate(name string, order, msgOrder uint) {
	k.RegisterNamed(name, caps.RecvGate, &rgateObj{order: order, msgOrder: msgOrder})
}

// NewNamedSem creates a kernel-owned semaphore and registers it under name.
func (k *Kernel) NewNamedSem(name string, value uint32) {
	k.RegisterNamed(name, caps.Semaphore, &semObj{value: value})
}

// Run serves syscall, resource-manager, and server-reply messages until
// Stop. Runs on its own goroutine.
func (k *Kernel) Run() {
	defer close(k.done)
	for !k.stopped.Load() {
		if !k.unit.WaitForMsg(tcu.InvalidEP, 50*time.Millisecond) {
			continue
		}
		for {
			if msg := k.unit.Fetch(syscallEP); msg != nil {
				k.handleSyscall(msg)
				continue
			}
			if msg := k.unit.Fetch(resmngEP); msg != nil {
				k.handleResMng(msg)
				continue
			}
			if msg := k.unit.Fetch(srvReplyEP); msg != nil {
				k.handleSrvReply(msg)
				continue
			}
			break
		}
	}
}

// Stop terminates the service loop and waits for it to drain.
func (k *Kernel) Stop() {
	k.stopped.Store(true)
	<-k.done
}

// reply answers a request message; errors only mean the caller is gone.
func (k *Kernel) reply(d deferredReply, buf *abi.MsgBuf) {
	if err := k.unit.Reply(d.ep, d.msg, buf.Bytes()); err != nil {
		k.log.Warn("reply failed", zap.Error(err))
		_ = k.unit.Ack(d.ep, d.msg)
	}
}

func (k *Kernel) replyErr(d deferredReply, code errs.Code) {
	k.reply(d, abi.NewMsgBuf().PutU64(uint64(code)))
}

func (k *Kernel) sender(msg *tcu.Message) *activity {
	return k.acts[uint64(msg.Label)]
}

// allocSendEP programs one of the kernel's own send endpoints.
func (k *Kernel) allocSendEP(dst tcu.TileID, dstEP tcu.EpId, msgOrder uint) (tcu.EpId, error) {
	if int(k.nextSEP) >= k.unit.EpCount() {
		return tcu.InvalidEP, errs.New(errs.NoSpace, "kernel.alloc_send_ep")
	}
	ep := k.nextSEP
	if err := k.fab.ConfigureSend(k.tile, ep, dst, dstEP, 0, msgOrder, abi.UnlimCredits); err != nil {
		return tcu.InvalidEP, err
	}
	k.nextSEP++
	return ep, nil
}

// revoke takes down a capability subtree: children first, then the
// hardware bindings and the object itself.
func (k *Kernel) revoke(n *capNode) {
	for len(n.children) > 0 {
		k.revoke(n.children[len(n.children)-1])
	}
	if n.parent != nil {
		n.parent.dropChild(n)
	}

	switch obj := n.obj.(type) {
	case *epObj:
		k.unbindEP(n)
		_ = k.fab.InvalidateEP(obj.tile, obj.id)
		n.owner.freeEPs(obj.id, obj.slots)
	case *rgateObj:
		k.invalidateBindings(n)
		if obj.activated {
			_ = k.fab.InvalidateEP(obj.tile, obj.ep)
			obj.activated = false
		}
		n.owner.kmem.refund(kmemPerCap)
	case *sgateObj, *mgateObj:
		k.invalidateBindings(n)
		n.owner.kmem.refund(kmemPerCap)
	case *semObj:
		for _, d := range obj.waiters {
			k.replyErr(d, errs.RecvGone)
		}
		obj.waiters = nil
		n.owner.kmem.refund(kmemPerCap)
	case *srvObj:
		delete(k.services, obj.name)
		n.owner.kmem.refund(kmemPerCap)
	case *sessObj, *tileObj:
		n.owner.kmem.refund(kmemPerCap)
	case *kmemObj:
		if n.parent != nil {
			if parent, ok := n.parent.obj.(*kmemObj); ok {
				parent.refund(obj.left)
			}
		}
	}

	if n.sel != abi.InvalidSel {
		delete(n.owner.table, n.sel)
	}
}

// invalidateBindings clears the hardware endpoints a gate was activated on.
// The endpoint capabilities survive; their next activation starts clean.
func (k *Kernel) invalidateBindings(gate *capNode) {
	for _, epNode := range k.bindings[gate] {
		eo := epNode.obj.(*epObj)
		_ = k.fab.InvalidateEP(eo.tile, eo.id)
		eo.bound = nil
	}
	delete(k.bindings, gate)
}
