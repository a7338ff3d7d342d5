package rbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
)

func TestAllocAlignment(t *testing.T) {
	a := New(1 << 16)
	for _, size := range []uint64{64, 256, 1024, 4096} {
		buf, err := a.Alloc(size)
		require.NoError(t, err)
		assert.Zero(t, buf.Addr%size, "address must be aligned to the size")
		assert.Equal(t, size, buf.Size)
		assert.GreaterOrEqual(t, buf.Addr, abi.StdRbufSize)
	}
}

func TestAllocRoundsToPow2(t *testing.T) {
	a := New(1 << 16)
	buf, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), buf.Size)
}

func TestFreeMakesReallocatable(t *testing.T) {
	a := New(abi.StdRbufSize + 4096)
	buf, err := a.Alloc(4096)
	require.NoError(t, err)

	_, err = a.Alloc(4096)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoSpace))

	a.Free(buf)
	again, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, buf.Addr, again.Addr)
}

func TestFreeCoalesces(t *testing.T) {
	a := New(1 << 14)
	b1, err := a.Alloc(2048)
	require.NoError(t, err)
	b2, err := a.Alloc(2048)
	require.NoError(t, err)

	a.Free(b1)
	a.Free(b2)

	// the coalesced areas must hold one allocation spanning both halves
	big, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), big.Size)
}

func TestEmptyRegion(t *testing.T) {
	a := New(abi.StdRbufSize)
	_, err := a.Alloc(64)
	assert.True(t, errs.Is(err, errs.NoSpace))
}
