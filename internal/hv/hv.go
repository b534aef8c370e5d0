// Package hv defines the interfaces between the device core and the host
// virtualization facility. The vCPU execution loop lives behind these
// interfaces: it calls into the device core on MMIO exits and the core calls
// back only to inject interrupts.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// IRQLine identifies a guest interrupt line (GSI).
type IRQLine uint32

// GuestMemory provides byte-addressed access to guest physical memory.
// Offsets are guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// InterruptInjector delivers an edge-triggered interrupt to the guest.
// Implementations must be safe for concurrent use: devices on different
// dispatch contexts raise interrupts independently.
type InterruptInjector interface {
	InjectIRQ(line IRQLine) error
}

// VirtualMachine is the view of the machine a device gets at realize time.
type VirtualMachine interface {
	GuestMemory
	InterruptInjector
}

// MMIORegion describes a guest physical address window owned by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64, size int) bool {
	if addr < r.Address {
		return false
	}
	return addr+uint64(size) <= r.Address+r.Size
}

// MemoryMappedIODevice handles guest accesses to its MMIO windows. The vCPU
// loop calls these on every trapped access and expects a bounded-latency
// response, so implementations must not block on slow device operations.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// VirtualCPU is the external execution context for one guest core.
// Provided by the host virtualization facility; out of scope for this core.
type VirtualCPU interface {
	ID() int
	Run(ctx context.Context) error
}

// Hypervisor creates virtual machines. Out of scope for this core; the
// launcher supplies an implementation built on the host facility.
type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
}
