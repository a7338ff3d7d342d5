package tcu

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/monitoring"
)

// Fabric connects the units of one machine. It owns the memory regions that
// memory endpoints reference and provides the privileged register access the
// kernel uses to configure endpoints on any tile.
type Fabric struct {
	mu      sync.Mutex
	units   map[TileID]*Unit
	mems    map[uint32][]byte
	memMu   sync.Mutex
	nextMem uint32
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewFabric creates an empty fabric.
func NewFabric(log *zap.Logger) *Fabric {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fabric{
		units: make(map[TileID]*Unit),
		mems:  make(map[uint32][]byte),
		log:   log,
	}
}

// SetMetrics attaches a metrics collector. Safe to leave unset.
func (f *Fabric) SetMetrics(m *monitoring.Metrics) {
	f.metrics = m
}

// AddUnit creates the unit for a tile with the given endpoint count and
// receive-buffer region size.
func (f *Fabric) AddUnit(tile TileID, epCount int, rbufSize uint64) *Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[tile]; ok {
		panic("tcu: duplicate unit for tile")
	}
	u := newUnit(tile, epCount, rbufSize, f, f.log.Named("tcu").With(zap.Uint16("tile", uint16(tile))))
	f.units[tile] = u
	return u
}

// Unit returns the unit of a tile, or nil.
func (f *Fabric) Unit(tile TileID) *Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[tile]
}

// AllocRegion creates a fabric-wide memory region and returns its id.
// Regions back memory endpoints; the kernel hands them out as memory
// capabilities.
func (f *Fabric) AllocRegion(size uint64) uint32 {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	f.nextMem++
	f.mems[f.nextMem] = make([]byte, size)
	return f.nextMem
}

func (f *Fabric) region(id uint32) []byte {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	return f.mems[id]
}

// Privileged register access. Only the kernel calls these.

// ConfigureRecv programs a receive endpoint.
func (f *Fabric) ConfigureRecv(tile TileID, ep EpId, addr uint64, bufOrder, msgOrder uint) error {
	u := f.Unit(tile)
	if u == nil {
		return errs.New(errs.InvArgs, "tcu.configure_recv")
	}
	return u.configureRecv(ep, addr, bufOrder, msgOrder)
}

// ConfigureSend programs a send endpoint targeting a receive endpoint on a
// (possibly remote) tile.
func (f *Fabric) ConfigureSend(tile TileID, ep EpId, dst TileID, dstEP EpId, lbl Label, msgOrder uint, credits uint32) error {
	u := f.Unit(tile)
	if u == nil {
		return errs.New(errs.InvArgs, "tcu.configure_send")
	}
	c := uint16(unlimCredits)
	if credits < uint32(unlimCredits) {
		c = uint16(credits)
	}
	return u.configureSend(ep, dst, dstEP, lbl, msgOrder, c)
}

// ConfigureMem programs a memory endpoint over a fabric region.
func (f *Fabric) ConfigureMem(tile TileID, ep EpId, region uint32, off uint32, size uint64, perms uint) error {
	u := f.Unit(tile)
	if u == nil {
		return errs.New(errs.InvArgs, "tcu.configure_mem")
	}
	return u.configureMem(ep, region, off, size, perms)
}

// InvalidateEP clears an endpoint's registers. Pending messages are dropped.
func (f *Fabric) InvalidateEP(tile TileID, ep EpId) error {
	u := f.Unit(tile)
	if u == nil {
		return errs.New(errs.InvArgs, "tcu.invalidate_ep")
	}
	return u.invalidate(ep)
}

// EpType returns the configured type of an endpoint, for inspection.
func (f *Fabric) EpType(tile TileID, ep EpId) EpType {
	u := f.Unit(tile)
	if u == nil {
		return EpInvalid
	}
	return u.EpKind(ep)
}

func (f *Fabric) countSend() {
	if f.metrics != nil {
		f.metrics.MsgsSent.Inc()
	}
}

func (f *Fabric) countRecv() {
	if f.metrics != nil {
		f.metrics.MsgsReceived.Inc()
	}
}
