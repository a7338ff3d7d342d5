// Package caps manages an activity's capability-selector namespace and the
// owning handles for kernel capabilities. Selectors are allocated
// monotonically and never reused; the kernel reclaims capability backing
// through revocation.
package caps

import (
	"fmt"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
)

// Kind classifies the kernel object behind a capability.
type Kind uint8

// Capability kinds.
const (
	Activity Kind = iota
	MemGate
	SendGate
	RecvGate
	Service
	Session
	Semaphore
	KMem
	Tile
	EndPt
	Map
)

var kindNames = map[Kind]string{
	Activity:  "Activity",
	MemGate:   "MemGate",
	SendGate:  "SendGate",
	RecvGate:  "RecvGate",
	Service:   "Service",
	Session:   "Session",
	Semaphore: "Semaphore",
	KMem:      "KMem",
	Tile:      "Tile",
	EndPt:     "EP",
	Map:       "Map",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if ok {
		return name
	}
	return fmt.Sprintf("{Kind %d}", uint8(k))
}

// Flags controls capability-handle behavior.
type Flags uint8

// KeepCap suppresses revocation when the handle is closed. Used for
// capabilities the handle does not own, e.g. obtained or bound selectors.
const KeepCap Flags = 1 << 0

// Revoker revokes a capability range at the kernel. The activity's syscall
// gateway implements it; injecting the interface keeps this package below
// the syscall layer.
type Revoker interface {
	Revoke(crd abi.CapRngDesc) error
}

// SelSpace allocates capability selectors for one activity. Allocation is
// strictly monotonic and never fails; a freed selector is not reused.
type SelSpace struct {
	next abi.Selector
}

// NewSelSpace creates a selector space starting at the first selector the
// loader left free.
func NewSelSpace(firstFree abi.Selector) *SelSpace {
	if firstFree < abi.FirstFreeSel {
		firstFree = abi.FirstFreeSel
	}
	return &SelSpace{next: firstFree}
}

// Alloc reserves count consecutive selectors and returns the first.
func (s *SelSpace) Alloc(count uint64) abi.Selector {
	first := s.next
	s.next += abi.Selector(count)
	if s.next < first {
		panic("caps: selector space exhausted")
	}
	return first
}

// AllocSel reserves a single selector.
func (s *SelSpace) AllocSel() abi.Selector {
	return s.Alloc(1)
}

// Peek returns the next selector without allocating it.
func (s *SelSpace) Peek() abi.Selector {
	return s.next
}

// ObjCap owns a capability selector. Closing a non-KeepCap handle asks the
// kernel to revoke the capability; a kernel-side revoke failure is swallowed
// since the only plausible cause is prior revocation.
type ObjCap struct {
	sel     abi.Selector
	kind    Kind
	flags   Flags
	revoker Revoker
}

// NewObjCap creates an owning handle.
func NewObjCap(kind Kind, sel abi.Selector, flags Flags, revoker Revoker) ObjCap {
	return ObjCap{sel: sel, kind: kind, flags: flags, revoker: revoker}
}

// Sel returns the selector, or abi.InvalidSel after release.
func (c *ObjCap) Sel() abi.Selector {
	return c.sel
}

// Kind returns the capability kind.
func (c *ObjCap) Kind() Kind {
	return c.kind
}

// Flags returns the handle flags.
func (c *ObjCap) Flags() Flags {
	return c.flags
}

// SetFlags replaces the handle flags.
func (c *ObjCap) SetFlags(flags Flags) {
	c.flags = flags
}

// Release drops ownership without revoking and returns the selector.
func (c *ObjCap) Release() abi.Selector {
	sel := c.sel
	c.sel = abi.InvalidSel
	return sel
}

// Close revokes the capability unless KeepCap is set or ownership was
// released. Never fails.
func (c *ObjCap) Close() {
	if c.sel != abi.InvalidSel && c.flags&KeepCap == 0 && c.revoker != nil {
		_ = c.revoker.Revoke(abi.ObjCRD(c.sel))
	}
	c.sel = abi.InvalidSel
}

func (c *ObjCap) String() string {
	return fmt.Sprintf("Cap[%s: sel=%d flags=%d]", c.kind, c.sel, c.flags)
}
