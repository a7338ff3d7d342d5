// Package com provides the typed communication objects of the runtime:
// endpoints and the endpoint manager, the gate family (send, receive,
// memory), and the asynchronous send queue. Gates multiplex the tile's
// scarce hardware endpoints; the endpoint manager arbitrates them.
package com

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/monitoring"
	"github.com/GriffinCanCode/TileOS/runtime/internal/rbuf"
	"github.com/GriffinCanCode/TileOS/runtime/internal/syscalls"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// NameBroker resolves named communication resources through the resource
// manager. The resmng client implements it.
type NameBroker interface {
	UseSGate(sel abi.Selector, name string) error
	UseRGate(sel abi.Selector, name string) (order, msgOrder uint, err error)
	UseSem(sel abi.Selector, name string) error
}

// Ctx bundles the per-activity state the communication layer needs: the
// tile's TCU, the syscall gateway, the selector space, the endpoint
// manager, and the receive-buffer allocator. The activity runtime builds
// one Ctx at bootstrap and threads it through every gate.
type Ctx struct {
	Unit  *tcu.Unit
	Sys   *syscalls.Gateway
	Sels  *caps.SelSpace
	Eps   *EpMng
	RBufs *rbuf.Alloc
	Log   *zap.Logger

	metrics *monitoring.Metrics

	// registry of currently activated gates, for bulk reset after a
	// hardware reconfiguration
	gates map[*Gate]struct{}
}

// NewCtx assembles the communication context. The endpoint manager is
// created as part of it.
func NewCtx(unit *tcu.Unit, sys *syscalls.Gateway, sels *caps.SelSpace, bufs *rbuf.Alloc, log *zap.Logger) *Ctx {
	if log == nil {
		log = zap.NewNop()
	}
	ctx := &Ctx{
		Unit:  unit,
		Sys:   sys,
		Sels:  sels,
		RBufs: bufs,
		Log:   log.Named("com"),
		gates: make(map[*Gate]struct{}),
	}
	ctx.Eps = newEpMng(ctx)
	return ctx
}

// SetMetrics attaches a metrics collector. Safe to leave unset.
func (c *Ctx) SetMetrics(m *monitoring.Metrics) {
	c.metrics = m
}

// ResetGates drops the endpoint binding of every activated gate and empties
// the registry, without kernel interaction. Used after a reconfiguration
// that invalidated all hardware bindings.
func (c *Ctx) ResetGates() {
	for g := range c.gates {
		g.ep = nil
	}
	c.gates = make(map[*Gate]struct{})
	c.Eps.clear()
}

func (c *Ctx) register(g *Gate) {
	c.gates[g] = struct{}{}
	if c.metrics != nil {
		c.metrics.EPsActive.Inc()
	}
}

func (c *Ctx) unregister(g *Gate) {
	if _, ok := c.gates[g]; ok {
		delete(c.gates, g)
		if c.metrics != nil {
			c.metrics.EPsActive.Dec()
		}
	}
}
