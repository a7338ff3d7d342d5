// Package tiles implements the per-activity runtime: the environment block,
// the bootstrap that assembles the communication stack in dependency order,
// environment variables, and the sleep primitives.
package tiles

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/rbuf"
	"github.com/GriffinCanCode/TileOS/runtime/internal/resmng"
	"github.com/GriffinCanCode/TileOS/runtime/internal/syscalls"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
	"github.com/GriffinCanCode/TileOS/runtime/internal/wl"
)

// OwnActivity is the running program's view of itself: its capability
// namespace, its communication context, the standard gates, and the
// resource-manager connection. One per program.
type OwnActivity struct {
	env  *Env
	unit *tcu.Unit
	sys  *syscalls.Gateway
	ctx  *com.Ctx
	log  *zap.Logger

	cap caps.ObjCap

	upcallGate *com.RecvGate
	defGate    *com.RecvGate

	rm    *resmng.Client
	vars  *Vars
	loop  *wl.WorkLoop
	queue *com.SendQueue
}

// NewOwnActivity bootstraps the runtime on a tile. Construction follows
// the dependency order: TCU, receive-buffer allocator, standard receive
// gates, syscall gateway, activity state, environment.
func NewOwnActivity(env *Env, unit *tcu.Unit, log *zap.Logger) *OwnActivity {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Uint16("tile", uint16(env.Tile)))

	bufs := rbuf.New(unit.RbufSize())
	sys := syscalls.New(unit, log)
	sels := caps.NewSelSpace(env.FirstSel)
	ctx := com.NewCtx(unit, sys, sels, bufs, log)

	a := &OwnActivity{
		env:  env,
		unit: unit,
		sys:  sys,
		ctx:  ctx,
		log:  log,
		cap:  caps.NewObjCap(caps.Activity, abi.SelAct, caps.KeepCap, sys),
		upcallGate: com.StdRecvGate(ctx, tcu.UpcallREP, abi.UpcallRbufOff,
			abi.UpcallRbufOrder, abi.UpcallRbufMsgOrder),
		defGate: com.StdRecvGate(ctx, tcu.DefaultREP, abi.DefRbufOff,
			abi.DefRbufOrder, abi.DefRbufMsgOrder),
		vars: NewVars(env.Vars),
	}
	if env.ResMngSel != abi.InvalidSel {
		a.rm = resmng.NewClient(ctx, env.ResMngSel, a.defGate)
	}
	return a
}

// Env returns the environment block.
func (a *OwnActivity) Env() *Env {
	return a.env
}

// Sel returns the activity's own capability selector.
func (a *OwnActivity) Sel() abi.Selector {
	return a.cap.Sel()
}

// TileSel returns the selector of the tile capability.
func (a *OwnActivity) TileSel() abi.Selector {
	return abi.SelTile
}

// KMemSel returns the selector of the kernel-memory capability.
func (a *OwnActivity) KMemSel() abi.Selector {
	return abi.SelKMem
}

// KMemQuota returns the total and remaining kernel-memory quota.
func (a *OwnActivity) KMemQuota() (total, left uint64, err error) {
	return a.sys.KMemQuota(abi.SelKMem)
}

// Ctx returns the communication context.
func (a *OwnActivity) Ctx() *com.Ctx {
	return a.ctx
}

// Syscalls returns the syscall gateway.
func (a *OwnActivity) Syscalls() *syscalls.Gateway {
	return a.sys
}

// ResMng returns the resource-manager client, or nil if none is attached.
func (a *OwnActivity) ResMng() *resmng.Client {
	return a.rm
}

// Vars returns the activity's environment variables.
func (a *OwnActivity) Vars() *Vars {
	return a.vars
}

// UpcallGate returns the standard upcall receive gate.
func (a *OwnActivity) UpcallGate() *com.RecvGate {
	return a.upcallGate
}

// DefaultGate returns the standard default receive gate.
func (a *OwnActivity) DefaultGate() *com.RecvGate {
	return a.defGate
}

// WorkLoop returns the activity's work loop, creating it on first use with
// the activity as the between-ticks sleeper.
func (a *OwnActivity) WorkLoop() *wl.WorkLoop {
	if a.loop == nil {
		a.loop = wl.New(a)
	}
	return a.loop
}

// SendQueue returns the activity's send queue, attaching it to the work
// loop on first use.
func (a *OwnActivity) SendQueue() *com.SendQueue {
	if a.queue == nil {
		a.queue = com.NewSendQueue(a.ctx)
		a.queue.Attach(a.WorkLoop())
	}
	return a.queue
}

// Sleep parks the activity until the TCU records an event. On tiles with a
// shared multiplexer this would trap to it instead; the simulated platform
// always parks on the TCU.
func (a *OwnActivity) Sleep() {
	a.unit.WaitForEvent(0)
}

// SleepFor parks the activity until the timeout elapses or any TCU event
// arrives, whichever is first. Returns true if an event ended the sleep.
func (a *OwnActivity) SleepFor(d time.Duration) bool {
	return a.unit.WaitForEvent(d)
}

// Exit reports the exit code to the kernel. Zero means success.
func (a *OwnActivity) Exit(code int) {
	a.sys.Exit(code)
}
