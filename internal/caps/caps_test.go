package caps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
)

type recordingRevoker struct {
	revoked []abi.CapRngDesc
}

func (r *recordingRevoker) Revoke(crd abi.CapRngDesc) error {
	r.revoked = append(r.revoked, crd)
	return nil
}

func TestSelSpaceMonotonic(t *testing.T) {
	s := NewSelSpace(abi.FirstFreeSel)
	prevEnd := abi.Selector(0)
	for _, count := range []uint64{1, 4, 1, 16, 2} {
		first := s.Alloc(count)
		assert.GreaterOrEqual(t, first, prevEnd)
		prevEnd = first + abi.Selector(count)
	}
}

func TestSelSpaceClampsReserved(t *testing.T) {
	s := NewSelSpace(0)
	assert.GreaterOrEqual(t, s.AllocSel(), abi.FirstFreeSel,
		"reserved selectors must never be handed out")
}

func TestObjCapCloseRevokes(t *testing.T) {
	r := &recordingRevoker{}
	c := NewObjCap(SendGate, 17, 0, r)
	c.Close()
	assert.Equal(t, []abi.CapRngDesc{abi.ObjCRD(17)}, r.revoked)
	assert.Equal(t, abi.InvalidSel, c.Sel())

	// closing twice must not revoke twice
	c.Close()
	assert.Len(t, r.revoked, 1)
}

func TestObjCapKeepCap(t *testing.T) {
	r := &recordingRevoker{}
	c := NewObjCap(RecvGate, 9, KeepCap, r)
	c.Close()
	assert.Empty(t, r.revoked)
}

func TestObjCapRelease(t *testing.T) {
	r := &recordingRevoker{}
	c := NewObjCap(MemGate, 5, 0, r)
	assert.Equal(t, abi.Selector(5), c.Release())
	c.Close()
	assert.Empty(t, r.revoked, "released ownership must not revoke")
}
