package tcu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
)

const (
	sendEP EpId = 4
	recvEP EpId = 5
)

// pair builds two connected units with a receive endpoint on the second
// and a send endpoint on the first targeting it.
func pair(t *testing.T, credits uint32) (*Fabric, *Unit, *Unit) {
	t.Helper()
	fab := NewFabric(nil)
	a := fab.AddUnit(0, 16, 1<<16)
	b := fab.AddUnit(1, 16, 1<<16)
	require.NoError(t, fab.ConfigureRecv(1, recvEP, 0x1000, 8, 6))
	require.NoError(t, fab.ConfigureSend(0, sendEP, 1, recvEP, 0xCAFE, 6, credits))
	return fab, a, b
}

func TestSendDeliversWithLabel(t *testing.T) {
	_, a, b := pair(t, 1)

	require.NoError(t, a.Send(sendEP, []byte{1, 2, 3, 4}, 0, InvalidEP))
	msg := b.Fetch(recvEP)
	require.NotNil(t, msg)
	assert.Equal(t, Label(0xCAFE), msg.Label)
	assert.Equal(t, []byte{1, 2, 3, 4}, msg.Data)
	assert.Equal(t, TileID(0), msg.SenderTile)
	assert.Equal(t, sendEP, msg.SenderEP)
}

func TestCreditExhaustionAndReturn(t *testing.T) {
	_, a, b := pair(t, 1)

	require.NoError(t, a.Send(sendEP, []byte{9}, 0, InvalidEP))

	err := a.Send(sendEP, []byte{10}, 0, InvalidEP)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoCredits))

	msg := b.Fetch(recvEP)
	require.NotNil(t, msg)
	require.NoError(t, b.Ack(recvEP, msg))

	assert.NoError(t, a.Send(sendEP, []byte{10}, 0, InvalidEP))
}

func TestReplyReturnsCredit(t *testing.T) {
	fab, a, b := pair(t, 1)
	const replyEP EpId = 6
	require.NoError(t, fab.ConfigureRecv(0, replyEP, 0x2000, 8, 6))

	require.NoError(t, a.Send(sendEP, []byte{1}, 7, replyEP))
	c, err := a.Credits(sendEP)
	require.NoError(t, err)
	assert.Zero(t, c)

	msg := b.Fetch(recvEP)
	require.NotNil(t, msg)
	require.NoError(t, b.Reply(recvEP, msg, []byte{2}))

	c, err = a.Credits(sendEP)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c)

	reply := a.Fetch(replyEP)
	require.NotNil(t, reply)
	assert.Equal(t, Label(7), reply.Label)
	assert.True(t, reply.IsReply)
	assert.Equal(t, []byte{2}, reply.Data)
}

func TestArrivalOrder(t *testing.T) {
	_, a, b := pair(t, 4)

	for i := byte(1); i <= 3; i++ {
		require.NoError(t, a.Send(sendEP, []byte{i}, 0, InvalidEP))
	}
	for i := byte(1); i <= 3; i++ {
		msg := b.Fetch(recvEP)
		require.NotNil(t, msg)
		assert.Equal(t, []byte{i}, msg.Data)
		require.NoError(t, b.Ack(recvEP, msg))
	}
}

func TestReceiveBufferFull(t *testing.T) {
	fab := NewFabric(nil)
	a := fab.AddUnit(0, 16, 1<<16)
	fab.AddUnit(1, 16, 1<<16)
	// two slots only
	require.NoError(t, fab.ConfigureRecv(1, recvEP, 0x1000, 7, 6))
	require.NoError(t, fab.ConfigureSend(0, sendEP, 1, recvEP, 0, 6, unlimCredits))

	require.NoError(t, a.Send(sendEP, []byte{1}, 0, InvalidEP))
	require.NoError(t, a.Send(sendEP, []byte{2}, 0, InvalidEP))
	err := a.Send(sendEP, []byte{3}, 0, InvalidEP)
	assert.True(t, errs.Is(err, errs.NoSpace))
}

func TestMessageTooLarge(t *testing.T) {
	_, a, _ := pair(t, 1)
	err := a.Send(sendEP, make([]byte, 65), 0, InvalidEP)
	assert.True(t, errs.Is(err, errs.InvArgs))
}

func TestInvalidatedEPRejectsSend(t *testing.T) {
	fab, a, _ := pair(t, 1)
	require.NoError(t, fab.InvalidateEP(0, sendEP))
	assert.Equal(t, EpInvalid, fab.EpType(0, sendEP))

	err := a.Send(sendEP, []byte{1}, 0, InvalidEP)
	assert.True(t, errs.Is(err, errs.EPInvalid))
}

func TestInvalidatedRecvEPLosesMessages(t *testing.T) {
	fab, a, b := pair(t, 2)
	require.NoError(t, a.Send(sendEP, []byte{1}, 0, InvalidEP))
	require.NoError(t, fab.InvalidateEP(1, recvEP))

	assert.Nil(t, b.Fetch(recvEP))
	err := a.Send(sendEP, []byte{2}, 0, InvalidEP)
	assert.True(t, errs.Is(err, errs.RecvGone))
}

func TestWaitForMsgTimeout(t *testing.T) {
	_, _, b := pair(t, 1)
	const d = 20 * time.Millisecond
	start := time.Now()
	got := b.WaitForMsg(recvEP, d)
	assert.False(t, got)
	assert.GreaterOrEqual(t, time.Since(start), d)
}

func TestWaitForMsgWakesOnDelivery(t *testing.T) {
	_, a, b := pair(t, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = a.Send(sendEP, []byte{1}, 0, InvalidEP)
	}()
	assert.True(t, b.WaitForMsg(recvEP, time.Second))
}

func TestWaitForEventWakesOnCreditReturn(t *testing.T) {
	_, a, b := pair(t, 1)
	require.NoError(t, a.Send(sendEP, []byte{1}, 0, InvalidEP))
	msg := b.Fetch(recvEP)
	require.NotNil(t, msg)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = b.Ack(recvEP, msg)
	}()
	assert.True(t, a.WaitForEvent(time.Second))
}

func TestMemEndpoint(t *testing.T) {
	fab := NewFabric(nil)
	a := fab.AddUnit(0, 16, 1<<16)
	region := fab.AllocRegion(256)
	const memEP EpId = 4
	require.NoError(t, fab.ConfigureMem(0, memEP, region, 0, 256, 0x3))

	require.NoError(t, a.Write(memEP, []byte("hello"), 16))
	got := make([]byte, 5)
	require.NoError(t, a.Read(memEP, got, 16))
	assert.Equal(t, []byte("hello"), got)

	err := a.Read(memEP, got, 254)
	assert.True(t, errs.Is(err, errs.InvArgs))
}

func TestMemPermissions(t *testing.T) {
	fab := NewFabric(nil)
	a := fab.AddUnit(0, 16, 1<<16)
	region := fab.AllocRegion(64)
	const memEP EpId = 4
	require.NoError(t, fab.ConfigureMem(0, memEP, region, 0, 64, 0x1)) // read only

	err := a.Write(memEP, []byte{1}, 0)
	assert.True(t, errs.Is(err, errs.NoPerm))
	assert.NoError(t, a.Read(memEP, make([]byte, 1), 0))
}
