package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/platform"
	"github.com/GriffinCanCode/TileOS/runtime/internal/session"
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

// echoService hands each session a send gate to its data channel.
type echoService struct {
	sgateSel abi.Selector
	opened   chan uint64
	closed   chan uint64
}

func (h *echoService) Open(ident uint64) error {
	h.opened <- ident
	return nil
}

func (h *echoService) Obtain(ident, count uint64, xargs *abi.MsgBuf) ([]abi.Selector, *abi.MsgBuf, error) {
	if count != 1 {
		return nil, nil, errs.New(errs.InvArgs, "obtain")
	}
	return []abi.Selector{h.sgateSel}, nil, nil
}

func (h *echoService) Delegate(ident, count uint64, xargs *abi.MsgBuf) ([]abi.Selector, *abi.MsgBuf, error) {
	return nil, nil, errs.New(errs.NotSup, "delegate")
}

func (h *echoService) Close(ident uint64) {
	h.closed <- ident
}

// startService runs a session server on its own activity and returns the
// handler plus its data channel. The server loop stops with the test.
func startService(t *testing.T, m *platform.Machine) (*echoService, *com.RecvGate) {
	t.Helper()
	act, err := m.AddActivity("server", nil, nil)
	require.NoError(t, err)
	ctx := act.Ctx()

	data, err := com.NewRecvGate(ctx, 8, 6)
	require.NoError(t, err)
	require.NoError(t, data.Activate())
	handout, err := com.NewSendGateWith(ctx, com.SGateArgsFor(data).Credits(2))
	require.NoError(t, err)

	h := &echoService{
		sgateSel: handout.Sel(),
		opened:   make(chan uint64, 4),
		closed:   make(chan uint64, 4),
	}
	srv, err := session.NewServer(ctx, act.ResMng(), "echo", h)
	require.NoError(t, err)

	loop := act.WorkLoop()
	require.NoError(t, srv.Start(loop))
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				loop.Tick()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return h, data
}

func TestSessionObtainAndClose(t *testing.T) {
	m := boot(t)
	h, data := startService(t, m)

	client, err := m.AddActivity("client", nil, nil)
	require.NoError(t, err)

	sess, err := session.Open(client.Ctx(), client.ResMng(), "echo")
	require.NoError(t, err)
	select {
	case <-h.opened:
	case <-time.After(time.Second):
		t.Fatal("server never saw the open")
	}

	sg, err := sess.ObtainSGate(nil)
	require.NoError(t, err)
	require.NoError(t, sg.Send([]byte{42}, nil, 0))

	msg, err := data.Fetch()
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, msg.Data)
	require.NoError(t, data.Ack(msg))

	ep := sg.EP().ID()
	tile := client.Env().Tile

	sess.Close()
	select {
	case <-h.closed:
	case <-time.After(time.Second):
		t.Fatal("server never saw the close")
	}

	// closing the session revokes everything obtained through it
	err = m.Fabric.Unit(tile).Send(ep, []byte{43}, 0, tcu.InvalidEP)
	assert.True(t, errs.Is(err, errs.EPInvalid))
}

func TestSessionDelegateRefused(t *testing.T) {
	m := boot(t)
	_, _ = startService(t, m)

	client, err := m.AddActivity("client", nil, nil)
	require.NoError(t, err)

	sess, err := session.Open(client.Ctx(), client.ResMng(), "echo")
	require.NoError(t, err)
	defer sess.Close()

	r, err := com.NewRecvGate(client.Ctx(), 8, 6)
	require.NoError(t, err)
	_, err = sess.Delegate(abi.ObjCRD(r.Sel()), nil)
	require.Error(t, err)
}

func TestOpenUnknownService(t *testing.T) {
	m := boot(t)
	client, err := m.AddActivity("client", nil, nil)
	require.NoError(t, err)

	_, err = session.Open(client.Ctx(), client.ResMng(), "nope")
	require.Error(t, err)
}
