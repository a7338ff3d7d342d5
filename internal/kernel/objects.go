package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/caps"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// capNode is one node of the capability derivation tree. Derived, obtained,
// and exchanged capabilities become children of their source; revocation
// takes the whole subtree down.
type capNode struct {
	sel      abi.Selector
	kind     caps.Kind
	owner    *activity
	parent   *capNode
	children []*capNode

	obj interface{}
}

func (n *capNode) addChild(c *capNode) {
	c.parent = n
	n.children = append(n.children, c)
}

func (n *capNode) dropChild(c *capNode) {
	for i, ch := range n.children {
		if ch == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

func (n *capNode) String() string {
	return fmt.Sprintf("cap[%s act=%d sel=%d]", n.kind, n.owner.id, n.sel)
}

// activity is the kernel's view of one running program: its tile, its
// capability table, and its endpoint allocator.
type activity struct {
	id   uint64
	name string
	tile tcu.TileID

	table map[abi.Selector]*capNode
	eps   []bool // per hardware endpoint: reserved

	kmem *kmemObj

	exited   bool
	exitCode int
	done     chan struct{}
}

func (a *activity) cap(sel abi.Selector) *capNode {
	return a.table[sel]
}

func (a *activity) insert(n *capNode) bool {
	if _, ok := a.table[n.sel]; ok {
		return false
	}
	a.table[n.sel] = n
	return true
}

// allocEPs reserves count consecutive user endpoints, starting at requested
// if given. Returns the first, or tcu.InvalidEP.
func (a *activity) allocEPs(requested tcu.EpId, count int) tcu.EpId {
	start := int(tcu.FirstUserEP)
	end := len(a.eps) - count
	if requested != tcu.InvalidEP {
		start = int(requested)
		end = start
	}
	for first := start; first <= end; first++ {
		free := true
		for i := 0; i < count; i++ {
			if a.eps[first+i] {
				free = false
				break
			}
		}
		if free {
			for i := 0; i < count; i++ {
				a.eps[first+i] = true
			}
			return tcu.EpId(first)
		}
	}
	return tcu.InvalidEP
}

func (a *activity) freeEPs(first tcu.EpId, count int) {
	for i := 0; i < count; i++ {
		a.eps[int(first)+i] = false
	}
}

// Kernel objects behind capabilities.

type tileObj struct {
	tile tcu.TileID
	eps  uint32 // endpoint quota left for derivation
}

type kmemObj struct {
	total uint64
	left  uint64
}

func (k *kmemObj) charge(n uint64) bool {
	if k.left < n {
		return false
	}
	k.left -= n
	return true
}

func (k *kmemObj) refund(n uint64) {
	k.left += n
	if k.left > k.total {
		k.left = k.total
	}
}

type rgateObj struct {
	order    uint
	msgOrder uint

	// activation record; senders are programmed against it
	activated bool
	tile      tcu.TileID
	ep        tcu.EpId
	addr      uint64
}

type sgateObj struct {
	rgate   *capNode
	label   tcu.Label
	credits uint32
}

type mgateObj struct {
	region uint32
	off    uint32
	size   uint64
	perms  abi.Perm
}

type semObj struct {
	value   uint32
	waiters []deferredReply
}

type srvObj struct {
	name  string
	rgate *capNode

	// kernel-side send endpoint to the server, allocated on first use
	sendEP tcu.EpId
}

type sessObj struct {
	srv   *capNode
	ident uint64
}

type epObj struct {
	tile  tcu.TileID
	id    tcu.EpId
	slots int // 1 + reserved reply slots

	// gate currently activated on this endpoint, if any
	bound *capNode
}

// bindGate records that a gate is activated on an endpoint capability, so
// revoking either side can invalidate the hardware binding.
func (k *Kernel) bindGate(gate, ep *capNode) {
	k.bindings[gate] = append(k.bindings[gate], ep)
	ep.obj.(*epObj).bound = gate
}

func (k *Kernel) unbindEP(ep *capNode) {
	eo := ep.obj.(*epObj)
	gate := eo.bound
	if gate == nil {
		return
	}
	eo.bound = nil
	eps := k.bindings[gate]
	for i, e := range eps {
		if e == ep {
			k.bindings[gate] = append(eps[:i], eps[i+1:]...)
			break
		}
	}
	if len(k.bindings[gate]) == 0 {
		delete(k.bindings, gate)
	}
}
