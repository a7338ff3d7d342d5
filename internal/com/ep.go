package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// EP is a user-visible handle to one hardware endpoint. Standard endpoints
// are pre-assigned to well-known uses and never circulate through the
// endpoint manager.
type EP struct {
	id      tcu.EpId
	cap     caps.ObjCap
	replies uint32
}

// ID returns the hardware endpoint index.
func (e *EP) ID() tcu.EpId {
	return e.id
}

// Sel returns the endpoint's capability selector.
func (e *EP) Sel() abi.Selector {
	return e.cap.Sel()
}

// Replies returns the reserved reply-slot count.
func (e *EP) Replies() uint32 {
	return e.replies
}

// IsStandard reports whether the endpoint is one of the pre-assigned
// standard endpoints.
func (e *EP) IsStandard() bool {
	return e.id < tcu.FirstUserEP
}

// cacheable endpoints are generically usable: user endpoints without
// reserved reply slots.
func (e *EP) cacheable() bool {
	return !e.IsStandard() && e.replies == 0
}

func stdEP(id tcu.EpId) *EP {
	return &EP{id: id, cap: caps.NewObjCap(caps.EndPt, abi.InvalidSel, caps.KeepCap, nil)}
}

// EpMng owns the activity's user endpoints. Released cacheable endpoints
// are kept on a free list for reuse; everything else is allocated fresh
// from the kernel.
type EpMng struct {
	ctx  *Ctx
	free []*EP
}

func newEpMng(ctx *Ctx) *EpMng {
	return &EpMng{ctx: ctx}
}

// Acquire hands out an endpoint. With no constraints it prefers the free
// list; a specific endpoint id or reply capacity always allocates fresh.
func (m *EpMng) Acquire(requested tcu.EpId, replies uint32) (*EP, error) {
	if requested == tcu.InvalidEP && replies == 0 && len(m.free) > 0 {
		ep := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		return ep, nil
	}

	sel := m.ctx.Sels.AllocSel()
	id, err := m.ctx.Sys.AllocEP(sel, requested, replies)
	if err != nil {
		return nil, err
	}
	return &EP{
		id:      id,
		cap:     caps.NewObjCap(caps.EndPt, sel, 0, m.ctx.Sys),
		replies: replies,
	}, nil
}

// Release takes an endpoint back. Standard endpoints only lose their
// storage; user endpoints are invalidated on request (best effort) and
// either cached or revoked.
func (m *EpMng) Release(ep *EP, invalidate bool) {
	if ep.IsStandard() {
		return
	}
	if invalidate {
		// make sure a future binding on this endpoint starts clean;
		// failures mean the kernel already invalidated it
		_ = m.ctx.Sys.Activate(ep.Sel(), abi.InvalidSel, abi.InvalidSel, 0)
	}
	if ep.cacheable() {
		m.free = append(m.free, ep)
		return
	}
	ep.cap.Close()
}

func (m *EpMng) clear() {
	m.free = nil
}
