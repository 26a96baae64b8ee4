package respool

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage indicates how an allocation's memory will be accessed, allowing the allocator
// to choose an appropriate memory type.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown uses only MemoryHint.RequiredFlags and MemoryHint.PreferredFlags to
	// select a memory type.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly is memory that is only read and written by the device. Device-local
	// memory is preferred and host-visible memory is avoided where possible.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly is host memory that the device may access over the bus, typically
	// used for staging. It is always host visible and host coherent.
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU is memory that the host writes and the device reads, such as
	// uniform data written every frame. It is always host visible; device-local is preferred
	// on discrete GPUs.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU is memory that the device writes and the host reads back. It is
	// always host visible; host-cached is preferred.
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:  "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// MemoryHint describes the memory a resource should be placed in. It is part of buffer and
// image descriptors, so two descriptors that differ only in their hint are different resources.
type MemoryHint struct {
	// Usage is the general access pattern of the memory
	Usage MemoryUsage
	// RequiredFlags must all be present on the chosen memory type
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are favored when choosing between memory types that satisfy RequiredFlags
	PreferredFlags core1_0.MemoryPropertyFlags
}

func (h MemoryHint) memoryPreferences(isIntegratedGPU bool) (requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags) {
	requiredFlags = h.RequiredFlags
	preferredFlags = h.PreferredFlags

	// Integrated GPUs only get device-local preference when the caller did not ask for host visibility
	preferDeviceLocal := !isIntegratedGPU || preferredFlags&core1_0.MemoryPropertyHostVisible == 0

	switch h.Usage {
	case MemoryUsageGPUOnly:
		if preferDeviceLocal {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
		if requiredFlags&core1_0.MemoryPropertyHostVisible == 0 && preferredFlags&core1_0.MemoryPropertyHostVisible == 0 {
			notPreferredFlags |= core1_0.MemoryPropertyHostVisible
		}
	case MemoryUsageCPUOnly:
		requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		if preferDeviceLocal {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageGPUToCPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		preferredFlags |= core1_0.MemoryPropertyHostCached
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}
