package resmng_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/platform"
)

func boot(t *testing.T) (*platform.Machine, *platform.Activity) {
	t.Helper()
	cfg := platform.Default()
	cfg.Logging.Level = "error"
	m, err := platform.Boot(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	act, err := m.AddActivity("test", nil, nil)
	require.NoError(t, err)
	return m, act
}

func TestUseRGateReportsOrders(t *testing.T) {
	m, act := boot(t)
	m.Kernel.NewNamedRGate("bus", 10, 8)

	sel := act.Ctx().Sels.AllocSel()
	order, msgOrder, err := act.ResMng().UseRGate(sel, "bus")
	require.NoError(t, err)
	assert.Equal(t, uint(10), order)
	assert.Equal(t, uint(8), msgOrder)
}

func TestUseUnknownName(t *testing.T) {
	_, act := boot(t)
	rm := act.ResMng()
	sels := act.Ctx().Sels

	_, _, err := rm.UseRGate(sels.AllocSel(), "nope")
	require.Error(t, err)

	err = rm.UseSGate(sels.AllocSel(), "nope")
	require.Error(t, err)

	err = rm.UseSem(sels.AllocSel(), "nope")
	require.Error(t, err)
}

func TestAllocAndFreeMem(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()
	rm := act.ResMng()

	sel := ctx.Sels.AllocSel()
	require.NoError(t, rm.AllocMem(sel, 8192, abi.PermRW))

	mg := com.BindMemGate(ctx, sel)
	require.NoError(t, mg.Write([]byte("persist"), 0))
	got := make([]byte, 7)
	require.NoError(t, mg.Read(got, 0))
	assert.Equal(t, []byte("persist"), got)

	require.NoError(t, rm.FreeMem(sel))
	assert.Error(t, mg.Read(got, 0))
}

func TestRegServDuplicateName(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()
	rm := act.ResMng()
	sys := act.Syscalls()
	sels := ctx.Sels

	rgate := sels.AllocSel()
	require.NoError(t, sys.CreateRGate(rgate, 11, 9))

	require.NoError(t, rm.RegServ(sels.AllocSel(), rgate, "svc"))
	err := rm.RegServ(sels.AllocSel(), rgate, "svc")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Exists))
}
