package respool

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/arsenal/respool/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type allocationType uint32

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type suballocationType uint32

const (
	suballocationFree suballocationType = iota
	suballocationUnknown
	suballocationBuffer
	suballocationImage
)

// Allocation is a range of device memory handed out by an Allocator. It is either a region of a
// shared memory block or a DeviceMemory object of its own.
type Allocation struct {
	parentAllocator *Allocator
	allocationType  allocationType
	memoryTypeIndex int
	size            int
	alignment       uint
	mapCount        int

	block  *deviceMemoryBlock
	handle metadata.BlockAllocationHandle

	dedicatedMemory *vulkan.SynchronizedMemory
}

func (a *Allocation) initBlockAllocation(block *deviceMemoryBlock, handle metadata.BlockAllocationHandle, alignment uint, size int) {
	a.allocationType = allocationTypeBlock
	a.memoryTypeIndex = block.memoryTypeIndex
	a.block = block
	a.handle = handle
	a.alignment = alignment
	a.size = size
}

func (a *Allocation) initDedicatedAllocation(memoryTypeIndex int, memory *vulkan.SynchronizedMemory, size int) {
	a.allocationType = allocationTypeDedicated
	a.memoryTypeIndex = memoryTypeIndex
	a.dedicatedMemory = memory
	a.alignment = 1
	a.size = size
}

// Size is the number of bytes reserved for this allocation. It may be larger than what was requested.
func (a *Allocation) Size() int {
	return a.size
}

func (a *Allocation) Alignment() uint {
	return a.alignment
}

func (a *Allocation) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}

// IsDedicated reports whether this allocation owns its DeviceMemory object outright
func (a *Allocation) IsDedicated() bool {
	return a.allocationType == allocationTypeDedicated
}

// IsHostVisible reports whether the allocation can be mapped
func (a *Allocation) IsHostVisible() bool {
	return a.parentAllocator != nil && a.parentAllocator.deviceMemory.IsMemoryTypeHostVisible(a.memoryTypeIndex)
}

func (a *Allocation) synchronizedMemory() *vulkan.SynchronizedMemory {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.block.memory
	case allocationTypeDedicated:
		return a.dedicatedMemory
	}

	panic(fmt.Sprintf("attempted to retrieve the memory of an allocation with invalid type %s", a.allocationType.String()))
}

// Memory is the DeviceMemory object that backs this allocation. Suballocations share it with
// their neighbors, so use FindOffset to locate this allocation within it.
func (a *Allocation) Memory() core1_0.DeviceMemory {
	return a.synchronizedMemory().VulkanDeviceMemory()
}

// FindOffset is the offset of this allocation within the DeviceMemory returned by Memory
func (a *Allocation) FindOffset() int {
	if a.allocationType == allocationTypeBlock {
		return a.block.allocationOffset(a)
	}

	return 0
}

func (a *Allocation) bindBuffer(buffer core1_0.Buffer) (common.VkResult, error) {
	return a.synchronizedMemory().BindVulkanBuffer(a.FindOffset(), buffer)
}

func (a *Allocation) bindImage(image core1_0.Image) (common.VkResult, error) {
	return a.synchronizedMemory().BindVulkanImage(a.FindOffset(), image)
}

// Map returns a host pointer to the start of this allocation. Each successful call must be paired
// with a call to Unmap. Allocations that are not host visible return ErrMemoryNotMappable.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if a.allocationType == allocationTypeNone {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to map an allocation that has been freed")
	}
	if !a.IsHostVisible() {
		return nil, core1_0.VKErrorMemoryMapFailed, ErrMemoryNotMappable
	}

	data, res, err := a.synchronizedMemory().Map(1)
	if err != nil {
		return nil, res, err
	}
	a.mapCount++

	return unsafe.Add(data, a.FindOffset()), res, nil
}

// Unmap releases one mapping made with Map
func (a *Allocation) Unmap() error {
	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	err := a.synchronizedMemory().Unmap(1)
	if err != nil {
		return err
	}

	a.mapCount--
	return nil
}

// Flush makes host writes within the provided range visible to the device. A size of -1 indicates
// the rest of the allocation. Host-coherent memory does not need flushing and this is a no-op for it.
func (a *Allocation) Flush(offset, size int) (common.VkResult, error) {
	return a.flushOrInvalidate(offset, size, vulkan.CacheOperationFlush)
}

// Invalidate makes device writes within the provided range visible to the host. A size of -1 indicates
// the rest of the allocation. Host-coherent memory does not need invalidating and this is a no-op for it.
func (a *Allocation) Invalidate(offset, size int) (common.VkResult, error) {
	return a.flushOrInvalidate(offset, size, vulkan.CacheOperationInvalidate)
}

func (a *Allocation) flushOrInvalidateRange(offset, size int, outRange *core1_0.MappedMemoryRange) (bool, error) {
	if size == 0 || size < -1 || !a.parentAllocator.deviceMemory.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return false, nil
	}

	nonCoherentAtomSize := a.parentAllocator.deviceMemory.NonCoherentAtomSize()
	allocationSize := a.Size()

	if offset > allocationSize {
		return false, errors.Newf("offset %d is past the end of the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return false, errors.Newf("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	outRange.Memory = a.Memory()
	outRange.Offset = memutils.AlignDown(offset, nonCoherentAtomSize)

	switch a.allocationType {
	case allocationTypeDedicated:
		outRange.Size = allocationSize - outRange.Offset
		if size > 0 {
			alignedSize := memutils.AlignUp(size+(offset-outRange.Offset), nonCoherentAtomSize)
			if alignedSize < outRange.Size {
				outRange.Size = alignedSize
			}
		}
		return true, nil
	case allocationTypeBlock:
		if size == -1 {
			size = allocationSize - offset
		}

		outRange.Size = memutils.AlignUp(size+(offset-outRange.Offset), nonCoherentAtomSize)

		allocationOffset := a.FindOffset()
		if allocationOffset%int(nonCoherentAtomSize) != 0 {
			panic(fmt.Sprintf("the allocation has an invalid offset %d for non-coherent memory, which has an alignment of %d", allocationOffset, nonCoherentAtomSize))
		}

		outRange.Offset += allocationOffset

		restOfBlock := a.block.size - outRange.Offset
		if restOfBlock < outRange.Size {
			outRange.Size = restOfBlock
		}
		return true, nil
	}

	return false, errors.Newf("attempted to get the flush or invalidate range of an allocation with invalid type %s", a.allocationType.String())
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation vulkan.CacheOperation) (common.VkResult, error) {
	var memRange core1_0.MappedMemoryRange
	success, err := a.flushOrInvalidateRange(offset, size, &memRange)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	} else if !success {
		return core1_0.VKSuccess, nil
	}

	return a.parentAllocator.deviceMemory.FlushOrInvalidateAllocations([]core1_0.MappedMemoryRange{memRange}, operation)
}

// Free returns this allocation's memory to the Allocator. Any outstanding mappings are released.
func (a *Allocation) Free() error {
	if a.allocationType == allocationTypeNone {
		return errors.New("attempted to free an allocation that was already freed")
	}

	a.parentAllocator.logger.Debug("Allocation::Free")
	return a.parentAllocator.freeAllocation(a)
}
