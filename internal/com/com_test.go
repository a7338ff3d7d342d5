package com_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
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

func TestGateDoubleActivation(t *testing.T) {
	m, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	ep := r.EP()
	require.NotNil(t, ep)
	bound := testutil.ToFloat64(m.Metrics.EPsActive)

	require.NoError(t, r.Activate())
	assert.Same(t, ep, r.EP(), "second activation must keep the binding")
	assert.Equal(t, bound, testutil.ToFloat64(m.Metrics.EPsActive),
		"second activation must not bind again")
}

func TestEpMngCacheableRoundTrip(t *testing.T) {
	_, act := boot(t)
	eps := act.Ctx().Eps

	ep, err := eps.Acquire(tcu.InvalidEP, 0)
	require.NoError(t, err)
	id := ep.ID()
	eps.Release(ep, false)

	again, err := eps.Acquire(tcu.InvalidEP, 0)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID())
}

func TestSendQueueFIFOAcrossGates(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())

	g1, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(1))
	require.NoError(t, err)
	g2, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(1))
	require.NoError(t, err)

	q := com.NewSendQueue(ctx)
	loop := act.WorkLoop()
	q.Attach(loop)

	q.Send(g1, []byte{1}, 0)
	q.Send(g2, []byte{2}, 0)
	q.Send(g1, []byte{3}, 0)

	var got []byte
	for len(got) < 3 {
		msg, err := r.Fetch()
		require.NoError(t, err)
		got = append(got, msg.Data[0])
		require.NoError(t, r.Ack(msg))
		loop.Tick()
	}
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestRecvGateArrivalOrder(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	s, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(4))
	require.NoError(t, err)

	for i := byte(1); i <= 3; i++ {
		require.NoError(t, s.Send([]byte{i}, nil, 0))
	}
	for i := byte(1); i <= 3; i++ {
		msg, err := r.Fetch()
		require.NoError(t, err)
		assert.Equal(t, i, msg.Data[0])
		require.NoError(t, r.Ack(msg))
	}
}

func TestResetGatesDropsBindings(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	require.NotNil(t, r.EP())

	ctx.ResetGates()
	assert.Nil(t, r.EP())
}

func TestMemGateReadWriteDerive(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	mg, err := com.NewMemGate(ctx, 4096, abi.PermRW)
	require.NoError(t, err)
	require.NoError(t, mg.Write([]byte("payload"), 128))

	got := make([]byte, 7)
	require.NoError(t, mg.Read(got, 128))
	assert.Equal(t, []byte("payload"), got)

	// read-only derivation over the written range
	sub, err := mg.Derive(128, 64, abi.PermR)
	require.NoError(t, err)
	got = make([]byte, 7)
	require.NoError(t, sub.Read(got, 0))
	assert.Equal(t, []byte("payload"), got)
	require.Error(t, sub.Write([]byte{1}, 0))

	// widening permissions must be refused
	_, err = mg.Derive(0, 64, abi.PermRWX)
	require.Error(t, err)
}

func TestFetchDistinguishesDeadGate(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())

	_, err = r.Fetch()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoMsgs))

	// revoking the capability kills the endpoint behind the gate's back
	require.NoError(t, act.Syscalls().Revoke(abi.ObjCRD(r.Sel())))
	_, err = r.Fetch()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EPInvalid))
}

func TestMemGateOffsetBeyondWindow(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	mg, err := com.NewMemGate(ctx, 4096, abi.PermRW)
	require.NoError(t, err)
	buf := make([]byte, 1)

	// offsets past the window, including ones that would wrap the
	// offset+length sum around zero
	for _, off := range []uint64{4096, 4097, ^uint64(0), ^uint64(0) - 2} {
		err = mg.Read(buf, off)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvArgs), "read at %#x", off)

		err = mg.Write(buf, off)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvArgs), "write at %#x", off)
	}

	// a derivation whose window wraps must be refused outright
	_, err = mg.Derive(^uint64(0)-511, 1024, abi.PermR)
	require.Error(t, err)
}

func TestCanSend(t *testing.T) {
	_, act := boot(t)
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	s, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(1))
	require.NoError(t, err)

	ok, err := s.CanSend()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Send([]byte{1}, nil, 0))
	ok, err = s.CanSend()
	require.NoError(t, err)
	assert.False(t, ok)
}
