package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/platform"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
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

func TestCreateOnUsedSelector(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()
	sel := act.Ctx().Sels.AllocSel()

	require.NoError(t, sys.CreateRGate(sel, 8, 6))
	err := sys.CreateSem(sel, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Exists))
}

func TestReservedSelectorRejected(t *testing.T) {
	_, act := boot(t)
	err := act.Syscalls().CreateRGate(abi.SelAct, 8, 6)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvArgs))
}

func TestRevokedSelectorRejected(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()
	sels := act.Ctx().Sels

	rgate := sels.AllocSel()
	require.NoError(t, sys.CreateRGate(rgate, 8, 6))
	require.NoError(t, sys.Revoke(abi.ObjCRD(rgate)))

	err := sys.CreateSGate(sels.AllocSel(), rgate, 0, 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvArgs))
}

func TestRevokeRange(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()
	sels := act.Ctx().Sels

	start := sels.Alloc(3)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, sys.CreateSem(start+abi.Selector(i), 0))
	}
	require.NoError(t, sys.Revoke(abi.CapRngDesc{Type: abi.CapObj, Start: start, Count: 3}))

	// the selectors are free again
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, sys.CreateSem(start+abi.Selector(i), 0))
	}
}

func TestAllocEPConflict(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()
	sels := act.Ctx().Sels

	id, err := sys.AllocEP(sels.AllocSel(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, tcu.EpId(10), id)

	_, err = sys.AllocEP(sels.AllocSel(), 10, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoSpace))
}

func TestAllocEPAny(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()

	id, err := sys.AllocEP(act.Ctx().Sels.AllocSel(), tcu.InvalidEP, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, tcu.FirstUserEP)
}

func TestDeriveKMem(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()

	sub := act.Ctx().Sels.AllocSel()
	require.NoError(t, sys.DeriveKMem(sub, abi.SelKMem, 1000))

	total, left, err := sys.KMemQuota(sub)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, uint64(1000), left)

	ptotal, parentLeft, err := sys.KMemQuota(abi.SelKMem)
	require.NoError(t, err)
	assert.Less(t, parentLeft, ptotal)
}

func TestDeriveKMemBeyondQuota(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()

	_, left, err := sys.KMemQuota(abi.SelKMem)
	require.NoError(t, err)

	err = sys.DeriveKMem(act.Ctx().Sels.AllocSel(), abi.SelKMem, left+1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.OutOfMem))
}

func TestDeriveMemSubsetOnly(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()
	sels := act.Ctx().Sels

	mg := sels.AllocSel()
	require.NoError(t, sys.CreateMGate(mg, 4096, abi.PermRW))

	require.NoError(t, sys.DeriveMem(sels.AllocSel(), mg, 1024, 1024, abi.PermR))

	// out of the parent window
	err := sys.DeriveMem(sels.AllocSel(), mg, 2048, 4096, abi.PermR)
	require.Error(t, err)

	// wider permissions than the parent
	err = sys.DeriveMem(sels.AllocSel(), mg, 0, 1024, abi.PermRWX)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoPerm))

	// an offset+size pair that wraps around zero must not pass the
	// window check
	err = sys.DeriveMem(sels.AllocSel(), mg, ^uint64(0)-511, 1024, abi.PermR)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoPerm))
}

func TestSemUpBeforeDown(t *testing.T) {
	_, act := boot(t)
	sys := act.Syscalls()

	sem := act.Ctx().Sels.AllocSel()
	require.NoError(t, sys.CreateSem(sem, 0))
	require.NoError(t, sys.SemCtrl(sem, abi.SemUp))
	require.NoError(t, sys.SemCtrl(sem, abi.SemDown))
}

func TestSGateOnUnactivatedRGate(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	s, err := com.NewSendGate(ctx, r)
	require.NoError(t, err)

	// the send side cannot bind before the receive side exists
	err = s.Activate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvArgs))

	require.NoError(t, r.Activate())
	assert.NoError(t, s.Activate())
}
