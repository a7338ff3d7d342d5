package com

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
)

// MemGate wraps a memory capability. Reads and writes are synchronous for
// the caller; the TCU performs the transfer.
type MemGate struct {
	g Gate
}

// NewMemGate allocates size bytes of memory and wraps it with the given
// permissions.
func NewMemGate(ctx *Ctx, size uint64, perms abi.Perm) (*MemGate, error) {
	sel := ctx.Sels.AllocSel()
	if err := ctx.Sys.CreateMGate(sel, size, perms); err != nil {
		return nil, err
	}
	return &MemGate{g: newGate(ctx, caps.MemGate, sel, 0)}, nil
}

// BindMemGate wraps an existing memory capability. The capability is not
// revoked on close.
func BindMemGate(ctx *Ctx, sel abi.Selector) *MemGate {
	return &MemGate{g: newGate(ctx, caps.MemGate, sel, caps.KeepCap)}
}

// Sel returns the capability selector.
func (m *MemGate) Sel() abi.Selector {
	return m.g.Sel()
}

// EP returns the bound endpoint, or nil while unactivated.
func (m *MemGate) EP() *EP {
	return m.g.EP()
}

// Derive creates a narrower capability for a sub-range of the memory with
// possibly reduced permissions.
func (m *MemGate) Derive(offset, size uint64, perms abi.Perm) (*MemGate, error) {
	sel := m.g.ctx.Sels.AllocSel()
	if err := m.g.ctx.Sys.DeriveMem(sel, m.g.Sel(), offset, size, perms); err != nil {
		return nil, err
	}
	return &MemGate{g: newGate(m.g.ctx, caps.MemGate, sel, 0)}, nil
}

// Read copies len(dst) bytes starting at off into dst.
func (m *MemGate) Read(dst []byte, off uint64) error {
	ep, err := m.g.activate(abi.InvalidSel, 0, 0)
	if err != nil {
		return err
	}
	return m.g.ctx.Unit.Read(ep.ID(), dst, off)
}

// Write copies src into the memory starting at off.
func (m *MemGate) Write(src []byte, off uint64) error {
	ep, err := m.g.activate(abi.InvalidSel, 0, 0)
	if err != nil {
		return err
	}
	return m.g.ctx.Unit.Write(ep.ID(), src, off)
}

// Deactivate releases the endpoint, invalidating it.
func (m *MemGate) Deactivate() {
	m.g.releaseEP(true)
}

// Close releases the endpoint and the capability.
func (m *MemGate) Close() {
	m.g.close()
}
