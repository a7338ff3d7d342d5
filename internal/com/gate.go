package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// Gate is the shared half of every communication object: a capability plus
// an optional bound endpoint. A gate performs no communication while
// unbound; activation binds it through the endpoint manager and the kernel.
type Gate struct {
	cap caps.ObjCap
	ep  *EP
	ctx *Ctx
}

func newGate(ctx *Ctx, kind caps.Kind, sel abi.Selector, flags caps.Flags) Gate {
	return Gate{cap: caps.NewObjCap(kind, sel, flags, ctx.Sys), ctx: ctx}
}

// Sel returns the gate's capability selector.
func (g *Gate) Sel() abi.Selector {
	return g.cap.Sel()
}

// Flags returns the capability flags.
func (g *Gate) Flags() caps.Flags {
	return g.cap.Flags()
}

// EP returns the bound endpoint, or nil while unactivated.
func (g *Gate) EP() *EP {
	return g.ep
}

// activate binds the gate to an endpoint if it is not bound yet. rbufMem
// and rbufOff only matter for receive gates; replies reserves reply slots
// on the endpoint.
func (g *Gate) activate(rbufMem abi.Selector, rbufOff uint64, replies uint32) (*EP, error) {
	if g.ep != nil {
		return g.ep, nil
	}

	ep, err := g.ctx.Eps.Acquire(tcu.InvalidEP, replies)
	if err != nil {
		return nil, err
	}
	if err := g.ctx.Sys.Activate(ep.Sel(), g.cap.Sel(), rbufMem, rbufOff); err != nil {
		g.ctx.Eps.Release(ep, false)
		return nil, err
	}
	g.ep = ep
	g.ctx.register(g)
	return ep, nil
}

// bindEP attaches a pre-assigned endpoint without kernel interaction. Used
// for the standard gates.
func (g *Gate) bindEP(id tcu.EpId) {
	g.ep = stdEP(id)
}

// releaseEP gives the endpoint back to the manager. The endpoint is
// invalidated when forced or when the gate does not own its capability:
// the kernel capability outlives us and could bind elsewhere.
func (g *Gate) releaseEP(forceInvalidate bool) {
	if g.ep != nil && !g.ep.IsStandard() {
		g.ctx.Eps.Release(g.ep, forceInvalidate || g.cap.Flags()&caps.KeepCap != 0)
	}
	g.ep = nil
	g.ctx.unregister(g)
}

// close releases the endpoint and revokes the capability unless KeepCap.
func (g *Gate) close() {
	g.releaseEP(false)
	g.cap.Close()
}
