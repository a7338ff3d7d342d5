package tiles

import (
	"strings"

	"github.com/GriffinCanCode/TileOS/runtime/internal/abi"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

// Env is the environment block the loader hands to an activity: identity,
// pre-assigned selectors, and the initial process environment. The platform
// fills it in before the activity's first instruction.
type Env struct {
	// Instance identifies the machine boot, for log correlation.
	Instance string
	// Tile is the tile the activity runs on.
	Tile tcu.TileID
	// TileDesc describes the tile's resources.
	TileDesc TileDesc
	// Args are the program arguments.
	Args []string
	// FirstSel is the first capability selector the loader left free.
	FirstSel abi.Selector
	// ResMngSel is the send-gate capability of the resource manager, or
	// abi.InvalidSel if none is attached.
	ResMngSel abi.Selector
	// Vars is the initial process environment as KEY=VALUE strings.
	Vars []string
	// SharedMux is set when a tile multiplexer intercepts sleep calls.
	SharedMux bool
}

// TileDesc describes a tile's resources.
type TileDesc struct {
	// Kind distinguishes compute tiles from memory tiles.
	Kind TileKind
	// MemSize is the tile-local memory, zero for cache-only tiles.
	MemSize uint64
	// RbufSize is the size of the receive-buffer region.
	RbufSize uint64
	// EPCount is the number of TCU endpoints.
	EPCount int
}

// TileKind is the tile's role.
type TileKind uint8

// Tile kinds.
const (
	TileComp TileKind = iota
	TileMem
)

// Vars holds the activity's environment variables as KEY=VALUE strings.
// The initial array is shared with the environment block; the first
// modification copies it.
type Vars struct {
	vars  []string
	owned bool
}

// NewVars wraps the initial environment without copying.
func NewVars(initial []string) *Vars {
	return &Vars{vars: initial}
}

// Get returns the value of a variable.
func (v *Vars) Get(key string) (string, bool) {
	for _, kv := range v.vars {
		if k, val, ok := splitVar(kv); ok && k == key {
			return val, true
		}
	}
	return "", false
}

// Set adds or replaces a variable, keeping the position of an existing key.
func (v *Vars) Set(key, value string) {
	v.own()
	for i, kv := range v.vars {
		if k, _, ok := splitVar(kv); ok && k == key {
			v.vars[i] = key + "=" + value
			return
		}
	}
	v.vars = append(v.vars, key+"="+value)
}

// Remove deletes a variable.
func (v *Vars) Remove(key string) {
	v.own()
	for i, kv := range v.vars {
		if k, _, ok := splitVar(kv); ok && k == key {
			v.vars = append(v.vars[:i], v.vars[i+1:]...)
			return
		}
	}
}

// All returns the current KEY=VALUE array. Callers must not modify it.
func (v *Vars) All() []string {
	return v.vars
}

func (v *Vars) own() {
	if !v.owned {
		v.vars = append([]string(nil), v.vars...)
		v.owned = true
	}
}

func splitVar(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
