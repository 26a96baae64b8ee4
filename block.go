package respool

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/arsenal/respool/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// deviceMemoryBlock is a single DeviceMemory object that small buffers are suballocated from
type deviceMemoryBlock struct {
	id              int
	memoryTypeIndex int
	size            int
	logger          *slog.Logger

	memory       *vulkan.SynchronizedMemory
	metadata     metadata.BlockMetadata
	deviceMemory *vulkan.DeviceMemoryProperties
}

func newDeviceMemoryBlock(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	memory *vulkan.SynchronizedMemory,
	size int,
	id int,
) *deviceMemoryBlock {
	block := &deviceMemoryBlock{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		logger:          logger,
		memory:          memory,
		deviceMemory:    deviceMemory,
		metadata: metadata.NewTLSFBlockMetadata(
			deviceMemory.DeviceProperties().Limits.BufferImageGranularity,
			bufferOnlyGranularity{},
		),
	}
	block.metadata.Init(size)

	return block
}

// allocate attempts to place an allocation within this block. It returns VKErrorOutOfDeviceMemory
// with a nil error when the block does not have room.
func (b *deviceMemoryBlock) allocate(size int, alignment uint, suballocType suballocationType, alloc *Allocation) (common.VkResult, error) {
	success, request, err := b.metadata.CreateAllocationRequest(
		size, alignment,
		false,
		uint32(suballocType),
		metadata.AllocationStrategyMinMemory,
		math.MaxInt,
	)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	} else if !success {
		return core1_0.VKErrorOutOfDeviceMemory, nil
	}

	err = b.metadata.Alloc(request, uint32(suballocType), alloc)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	alloc.initBlockAllocation(b, request.BlockAllocationHandle, alignment, size)
	b.deviceMemory.AddAllocation(b.deviceMemory.MemoryTypeIndexToHeapIndex(b.memoryTypeIndex), size)

	return core1_0.VKSuccess, nil
}

func (b *deviceMemoryBlock) free(alloc *Allocation) error {
	err := b.metadata.Free(alloc.handle)
	if err != nil {
		return err
	}

	b.deviceMemory.RemoveAllocation(b.deviceMemory.MemoryTypeIndexToHeapIndex(b.memoryTypeIndex), alloc.size)
	return nil
}

func (b *deviceMemoryBlock) allocationOffset(alloc *Allocation) int {
	offset, err := b.metadata.AllocationOffset(alloc.handle)
	if err != nil {
		panic(errors.Wrapf(err, "block %d could not locate a live allocation", b.id))
	}

	return offset
}

func (b *deviceMemoryBlock) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.metadata.AddDetailedStatistics(stats)
}

// Destroy returns the DeviceMemory to the driver. Blocks that still hold allocations are not freed.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		b.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] memory block destroyed with live allocations",
			slog.Int("block.id", b.id),
			slog.Int("memoryTypeIndex", b.memoryTypeIndex),
			slog.Int("allocationCount", b.metadata.AllocationCount()),
			slog.Int("usedBytes", b.size-b.metadata.SumFreeSize()),
		)

		return errors.Newf("memory block %d still has %d allocations that were not freed", b.id, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.size, b.memory)
	b.memory = nil
	return nil
}
