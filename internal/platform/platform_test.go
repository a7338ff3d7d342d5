package platform_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/platform"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

func boot(t *testing.T) *platform.Machine {
	t.Helper()
	cfg := platform.Default()
	cfg.Logging.Level = "error"
	m, err := platform.Boot(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func addActivity(t *testing.T, m *platform.Machine, name string) *platform.Activity {
	t.Helper()
	act, err := m.AddActivity(name, nil, nil)
	require.NoError(t, err)
	return act
}

func TestBootSpecBringsUpTiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.toml")
	spec := `
[[tiles]]
name = "worker"
rbuf_size = 32768

[[names]]
name = "bus"
kind = "rgate"
order = 10
msg_order = 8
`
	require.NoError(t, os.WriteFile(path, []byte(spec), 0o644))

	cfg := platform.Default()
	cfg.Logging.Level = "error"
	cfg.Machine.BootFile = path
	m, err := platform.Boot(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	worker := m.BootActivity("worker")
	require.NotNil(t, worker)
	assert.Equal(t, uint64(32768), worker.Env().TileDesc.RbufSize)
	assert.Nil(t, m.BootActivity("nope"))

	// both spec sections are live: the tile can bind the named gate
	r, err := com.NewNamedRecvGate(worker.Ctx(), worker.ResMng(), "bus")
	require.NoError(t, err)
	require.NoError(t, r.Activate())
}

func TestBootAssignsInstance(t *testing.T) {
	m := boot(t)
	assert.NotEmpty(t, m.Instance)
}

func TestEcho(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "echo")
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())

	s, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Label(0xCAFE).Credits(1))
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte{1, 2, 3, 4}, nil, 0))

	msg, err := r.Fetch()
	require.NoError(t, err)
	assert.Equal(t, tcu.Label(0xCAFE), msg.Label)
	assert.Equal(t, []byte{1, 2, 3, 4}, msg.Data)
	assert.Equal(t, act.Env().Tile, msg.SenderTile)
	require.NoError(t, r.Ack(msg))
}

func TestCreditExhaustion(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "credits")
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	s, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(1))
	require.NoError(t, err)

	require.NoError(t, s.Send([]byte{9}, nil, 0))
	err = s.Send([]byte{10}, nil, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoCredits))

	msg, err := r.Fetch()
	require.NoError(t, err)
	require.NoError(t, r.Ack(msg))

	assert.NoError(t, s.Send([]byte{10}, nil, 0))
}

func TestSendQueueOrdersSameGate(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "queue")
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	s, err := com.NewSendGateWith(ctx, com.SGateArgsFor(r).Credits(1))
	require.NoError(t, err)

	loop := act.WorkLoop()
	q := act.SendQueue()
	q.Send(s, []byte{1}, 0)
	q.Send(s, []byte{2}, 0)
	q.Send(s, []byte{3}, 0)

	for want := byte(1); want <= 3; want++ {
		msg, err := r.Fetch()
		require.NoError(t, err)
		assert.Equal(t, want, msg.Data[0])
		require.NoError(t, r.Ack(msg))
		loop.Tick()
	}
	assert.Equal(t, 0, q.Len())
}

func TestEPInvalidation(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "inval")
	ctx := act.Ctx()

	r, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	s, err := com.NewSendGate(ctx, r)
	require.NoError(t, err)
	require.NoError(t, s.Activate())

	ep := s.EP().ID()
	tile := act.Env().Tile
	assert.Equal(t, tcu.EpSend, m.Fabric.EpType(tile, ep))

	s.Deactivate()
	assert.Equal(t, tcu.EpInvalid, m.Fabric.EpType(tile, ep))

	// the stale endpoint is gone; only a fresh activation can send again
	err = m.Fabric.Unit(tile).Send(ep, []byte{1}, 0, tcu.InvalidEP)
	assert.True(t, errs.Is(err, errs.EPInvalid))
	assert.NoError(t, s.Send([]byte{1}, nil, 0))
}

func TestSleepForElapses(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "sleeper")

	start := time.Now()
	act.SleepFor(20 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestActivityExitCode(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "exiter")

	act.Exit(7)
	assert.Equal(t, 7, act.Proc.Wait())
}

func TestCrossActivityMessaging(t *testing.T) {
	m := boot(t)
	server := addActivity(t, m, "server")
	client := addActivity(t, m, "client")

	m.Kernel.NewNamedRGate("chan", 10, 8)

	r, err := com.NewNamedRecvGate(server.Ctx(), server.ResMng(), "chan")
	require.NoError(t, err)
	require.NoError(t, r.Activate())

	s, err := com.NewNamedSendGate(client.Ctx(), client.ResMng(), "chan")
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("ping"), client.DefaultGate(), 0))

	msg, err := r.Fetch()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg.Data)
	assert.NotEqual(t, client.Env().Tile, server.Env().Tile)
	assert.Equal(t, client.Env().Tile, msg.SenderTile)
	require.NoError(t, r.Reply(msg, []byte("pong")))

	reply, err := client.DefaultGate().Receive(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply.Data)
	require.NoError(t, client.DefaultGate().Ack(reply))
}

func TestSemaphoreAcrossActivities(t *testing.T) {
	m := boot(t)
	down := addActivity(t, m, "down")
	up := addActivity(t, m, "up")

	m.Kernel.NewNamedSem("gate", 0)

	woke := make(chan error, 1)
	go func() {
		sem, err := com.NewNamedSemaphore(down.Ctx(), down.ResMng(), "gate")
		if err != nil {
			woke <- err
			return
		}
		woke <- sem.Down()
	}()

	select {
	case err := <-woke:
		t.Fatalf("down returned before up: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sem, err := com.NewNamedSemaphore(up.Ctx(), up.ResMng(), "gate")
	require.NoError(t, err)
	require.NoError(t, sem.Up())

	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("down never woke up")
	}
}

func TestKMemQuotaCharged(t *testing.T) {
	m := boot(t)
	act := addActivity(t, m, "kmem")

	total, before, err := act.KMemQuota()
	require.NoError(t, err)
	assert.Equal(t, platform.Default().Machine.KMemQuota, total)

	_, err = com.NewMemGate(act.Ctx(), 4096, abi.PermRW)
	require.NoError(t, err)

	_, after, err := act.KMemQuota()
	require.NoError(t, err)
	assert.Less(t, after, before)
	assert.GreaterOrEqual(t, before-after, uint64(4096))
}
