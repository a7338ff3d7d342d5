// Package platform boots a simulated machine: it builds the TCU fabric,
// starts the kernel on tile 0, and constructs the activities application
// code runs in. Tests and the demo binaries go through it.
package platform

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/kernel"
	"github.com/GriffinCanCode/TileOS/runtime/internal/logging"
	"github.com/GriffinCanCode/TileOS/runtime/internal/monitoring"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tiles"
)

// KernelTile is the tile the kernel occupies. Application tiles follow.
const KernelTile tcu.TileID = 0

// Machine is one booted simulated machine.
type Machine struct {
	Instance string
	Log      *logging.Logger
	Metrics  *monitoring.Metrics
	Fabric   *tcu.Fabric
	Kernel   *kernel.Kernel

	cfg      *Config
	nextTile tcu.TileID
	boot     map[string]*Activity
}

// Activity is an application program on the machine: the runtime handle
// plus the kernel-side process handle.
type Activity struct {
	*tiles.OwnActivity
	Proc *kernel.Proc
}

// Boot brings up a machine from the given configuration: fabric, metrics,
// kernel tile, and the boot-spec names if a boot file is configured.
func Boot(cfg *Config) (*Machine, error) {
	if cfg == nil {
		cfg = LoadOrDefault()
	}
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, err
	}

	instance := uuid.NewString()
	log.Logger = log.Logger.With(zap.String("instance", instance))

	metrics := monitoring.NewMetrics()
	fab := tcu.NewFabric(log.Logger)
	fab.SetMetrics(metrics)
	k := kernel.New(fab, KernelTile, cfg.Machine.EPCount, cfg.Machine.KMemTotal, log.Logger)
	k.SetMetrics(metrics)

	m := &Machine{
		Instance: instance,
		Log:      log,
		Metrics:  metrics,
		Fabric:   fab,
		Kernel:   k,
		cfg:      cfg,
		nextTile: KernelTile + 1,
		boot:     make(map[string]*Activity),
	}
	if cfg.Machine.BootFile != "" {
		spec, err := LoadBootSpec(cfg.Machine.BootFile)
		if err != nil {
			return nil, err
		}
		if err := m.applyBootSpec(spec); err != nil {
			return nil, err
		}
	}

	go k.Run()
	log.Info("machine booted", zap.Int("ep_count", cfg.Machine.EPCount))
	return m, nil
}

func (m *Machine) applyBootSpec(spec *BootSpec) error {
	for _, n := range spec.Names {
		switch n.Kind {
		case "rgate":
			m.Kernel.NewNamedRGate(n.Name, n.Order, n.MsgOrder)
		case "sem":
			m.Kernel.NewNamedSem(n.Name, n.Value)
		default:
			m.Log.Warn("unknown named object kind",
				zap.String("name", n.Name), zap.String("kind", n.Kind))
		}
	}
	for _, ts := range spec.Tiles {
		rbufSize := ts.RbufSize
		if rbufSize == 0 {
			rbufSize = m.cfg.Machine.RbufSize
		}
		epCount := ts.EPCount
		if epCount == 0 {
			epCount = m.cfg.Machine.EPCount
		}
		act, err := m.addActivity(ts.Name, nil, nil, rbufSize, epCount)
		if err != nil {
			return err
		}
		m.boot[ts.Name] = act
	}
	return nil
}

// BootActivity returns an activity the boot spec brought up, or nil.
func (m *Machine) BootActivity(name string) *Activity {
	return m.boot[name]
}

// AddActivity creates an application activity on a fresh tile. The caller
// runs its code on a goroutine of its own.
func (m *Machine) AddActivity(name string, args, vars []string) (*Activity, error) {
	return m.addActivity(name, args, vars, m.cfg.Machine.RbufSize, m.cfg.Machine.EPCount)
}

func (m *Machine) addActivity(name string, args, vars []string, rbufSize uint64, epCount int) (*Activity, error) {
	tile := m.nextTile
	m.nextTile++

	unit := m.Fabric.AddUnit(tile, epCount, rbufSize)
	proc, err := m.Kernel.AddActivity(name, unit, m.cfg.Machine.KMemQuota)
	if err != nil {
		return nil, err
	}

	env := &tiles.Env{
		Instance: m.Instance,
		Tile:     tile,
		TileDesc: tiles.TileDesc{
			Kind:     tiles.TileComp,
			RbufSize: rbufSize,
			EPCount:  epCount,
		},
		Args:      append([]string{name}, args...),
		FirstSel:  abi.FirstFreeSel,
		ResMngSel: abi.SelResMng,
		Vars:      vars,
	}
	act := tiles.NewOwnActivity(env, unit, m.Log.Logger)
	act.Ctx().SetMetrics(m.Metrics)
	return &Activity{OwnActivity: act, Proc: proc}, nil
}

// Shutdown stops the kernel and flushes the logger.
func (m *Machine) Shutdown() {
	m.Kernel.Stop()
	m.Metrics.UpdateUptime()
	_ = m.Log.Sync()
}
