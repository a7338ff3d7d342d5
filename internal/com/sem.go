package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
)

// Semaphore is a kernel-backed counting semaphore usable across
// activities.
type Semaphore struct {
	cap caps.ObjCap
	ctx *Ctx
}

// NewSemaphore creates a semaphore with an initial value.
func NewSemaphore(ctx *Ctx, value uint32) (*Semaphore, error) {
	sel := ctx.Sels.AllocSel()
	if err := ctx.Sys.CreateSem(sel, value); err != nil {
		return nil, err
	}
	return &Semaphore{cap: caps.NewObjCap(caps.Semaphore, sel, 0, ctx.Sys), ctx: ctx}, nil
}

// BindSemaphore wraps an existing semaphore capability.
func BindSemaphore(ctx *Ctx, sel abi.Selector) *Semaphore {
	return &Semaphore{cap: caps.NewObjCap(caps.Semaphore, sel, caps.KeepCap, ctx.Sys), ctx: ctx}
}

// NewNamedSemaphore attaches to the semaphore registered under the given
// name in the activity's configuration.
func NewNamedSemaphore(ctx *Ctx, broker NameBroker, name string) (*Semaphore, error) {
	sel := ctx.Sels.AllocSel()
	if err := broker.UseSem(sel, name); err != nil {
		return nil, err
	}
	return &Semaphore{cap: caps.NewObjCap(caps.Semaphore, sel, 0, ctx.Sys), ctx: ctx}, nil
}

// Sel returns the capability selector.
func (s *Semaphore) Sel() abi.Selector {
	return s.cap.Sel()
}

// Up increments the semaphore, waking one blocked activity.
func (s *Semaphore) Up() error {
	return s.ctx.Sys.SemCtrl(s.cap.Sel(), abi.SemUp)
}

// Down decrements the semaphore, blocking while it is zero.
func (s *Semaphore) Down() error {
	return s.ctx.Sys.SemCtrl(s.cap.Sel(), abi.SemDown)
}

// Close revokes the capability unless it was bound.
func (s *Semaphore) Close() {
	s.cap.Close()
}
