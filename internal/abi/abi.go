// Package abi defines the interface between user-space activities and the
// kernel: capability selectors, syscall opcodes, permission bits, and the
// register-word marshalling used for syscall messages.
//
// Everything in this package is shared contract. The kernel decodes exactly
// what the syscall gateway encodes, so layout changes must happen on both
// sides at once.
package abi

import "fmt"

// Selector names a slot in an activity's capability table.
type Selector uint64

// InvalidSel marks an unset or revoked selector.
const InvalidSel Selector = 0xffff_ffff_ffff_ffff

// Selectors below FirstFreeSel are pre-assigned for every activity.
const (
	SelTile Selector = iota
	SelAct
	SelKMem
	SelResMng
	FirstFreeSel
)

// CapType distinguishes object capabilities from mapping capabilities in
// exchange and revoke operations.
type CapType uint64

// Capability range types.
const (
	CapObj CapType = iota
	CapMap
)

// CapRngDesc describes a contiguous range of capability selectors.
type CapRngDesc struct {
	Type  CapType
	Start Selector
	Count uint64
}

// ObjCRD is shorthand for a single-object capability range.
func ObjCRD(sel Selector) CapRngDesc {
	return CapRngDesc{Type: CapObj, Start: sel, Count: 1}
}

func (c CapRngDesc) String() string {
	ty := "Obj"
	if c.Type == CapMap {
		ty = "Map"
	}
	return fmt.Sprintf("CRD[%s: %d:%d]", ty, c.Start, c.Count)
}

// Opcode identifies a system call.
type Opcode uint64

// System calls.
const (
	SysActivate Opcode = iota + 1
	SysRevoke
	SysCreateSGate
	SysCreateRGate
	SysCreateMGate
	SysCreateSem
	SysCreateSrv
	SysCreateSess
	SysDeriveMem
	SysDeriveKMem
	SysDeriveTile
	SysAllocEP
	SysExchange
	SysDelegate
	SysObtain
	SysKMemQuota
	SysSemCtrl
	SysExit
)

var opcodeNames = map[Opcode]string{
	SysActivate:    "activate",
	SysRevoke:      "revoke",
	SysCreateSGate: "create_sgate",
	SysCreateRGate: "create_rgate",
	SysCreateMGate: "create_mgate",
	SysCreateSem:   "create_sem",
	SysCreateSrv:   "create_srv",
	SysCreateSess:  "create_sess",
	SysDeriveMem:   "derive_mem",
	SysDeriveKMem:  "derive_kmem",
	SysDeriveTile:  "derive_tile",
	SysAllocEP:     "alloc_ep",
	SysExchange:    "exchange",
	SysDelegate:    "delegate",
	SysObtain:      "obtain",
	SysKMemQuota:   "kmem_quota",
	SysSemCtrl:     "sem_ctrl",
	SysExit:        "exit",
}

func (op Opcode) String() string {
	name, ok := opcodeNames[op]
	if ok {
		return name
	}
	return fmt.Sprintf("{Opcode %d}", uint64(op))
}

// ResMngOp identifies a resource-manager operation.
type ResMngOp uint64

// Resource-manager operations.
const (
	ResMngRegServ ResMngOp = iota + 1
	ResMngOpenSess
	ResMngCloseSess
	ResMngUseSGate
	ResMngUseRGate
	ResMngUseSem
	ResMngAllocMem
	ResMngFreeMem
)

var resmngOpNames = map[ResMngOp]string{
	ResMngRegServ:   "reg_serv",
	ResMngOpenSess:  "open_sess",
	ResMngCloseSess: "close_sess",
	ResMngUseSGate:  "use_sgate",
	ResMngUseRGate:  "use_rgate",
	ResMngUseSem:    "use_sem",
	ResMngAllocMem:  "alloc_mem",
	ResMngFreeMem:   "free_mem",
}

func (op ResMngOp) String() string {
	name, ok := resmngOpNames[op]
	if ok {
		return name
	}
	return fmt.Sprintf("{ResMngOp %d}", uint64(op))
}

// SrvOp identifies a request the kernel forwards to a server on its
// service channel.
type SrvOp uint64

// Service-channel operations.
const (
	SrvOpen SrvOp = iota + 1
	SrvObtain
	SrvDelegate
	SrvClose
)

var srvOpNames = map[SrvOp]string{
	SrvOpen:     "open",
	SrvObtain:   "obtain",
	SrvDelegate: "delegate",
	SrvClose:    "close",
}

func (op SrvOp) String() string {
	name, ok := srvOpNames[op]
	if ok {
		return name
	}
	return fmt.Sprintf("{SrvOp %d}", uint64(op))
}

// SemOp selects the operation for SysSemCtrl.
type SemOp uint64

// Semaphore operations.
const (
	SemUp SemOp = iota
	SemDown
)

// Perm is a bitset of memory access permissions.
type Perm uint64

// Permission bits.
const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermRW  = PermR | PermW
	PermRWX = PermR | PermW | PermX
)

func (p Perm) String() string {
	buf := []byte("---")
	if p&PermR != 0 {
		buf[0] = 'r'
	}
	if p&PermW != 0 {
		buf[1] = 'w'
	}
	if p&PermX != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// UnlimCredits configures a send gate without a credit limit.
const UnlimCredits uint32 = 0xffff_ffff

// Standard receive-buffer layout. The page at the bottom of every tile's
// receive-buffer region hosts the syscall, upcall, and default receive
// buffers at these offsets; user buffers are allocated above StdRbufSize.
const (
	SyscallRbufOrder    = 9
	SyscallRbufMsgOrder = 9
	UpcallRbufOrder     = 9
	UpcallRbufMsgOrder  = 9
	DefRbufOrder        = 8
	DefRbufMsgOrder     = 8

	SyscallRbufOff uint64 = 0
	UpcallRbufOff  uint64 = SyscallRbufOff + (1 << SyscallRbufOrder)
	DefRbufOff     uint64 = UpcallRbufOff + (1 << UpcallRbufOrder)
	StdRbufSize    uint64 = 4096
)

// MaxSyscallSize bounds the register-word payload of one syscall message.
const MaxSyscallSize = 1 << SyscallRbufMsgOrder
