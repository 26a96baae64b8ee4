package respool

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/respool/internal/utils"
	"github.com/vkngwrapper/arsenal/respool/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

const maxNewBlockSizeShift = 3

// Allocator hands out device memory for buffers and images. Images, and buffers too large to share a
// block, receive a DeviceMemory object of their own. Smaller buffers are suballocated out of large
// per-memory-type blocks.
type Allocator struct {
	logger *slog.Logger

	mutex        utils.OptionalMutex
	deviceMemory *vulkan.DeviceMemoryProperties

	preferredBlockSizes  [common.MaxMemoryTypes]int
	blocks               [common.MaxMemoryTypes][]*deviceMemoryBlock
	dedicatedAllocations [common.MaxMemoryTypes]*swiss.Map[*Allocation, struct{}]
	nextBlockID          int
}

// AllocatorStatistics is the detailed accounting of an Allocator, broken down by memory type and heap
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

func (a *Allocator) dedicatedSet(memoryTypeIndex int) *swiss.Map[*Allocation, struct{}] {
	if a.dedicatedAllocations[memoryTypeIndex] == nil {
		a.dedicatedAllocations[memoryTypeIndex] = swiss.NewMap[*Allocation, struct{}](8)
	}

	return a.dedicatedAllocations[memoryTypeIndex]
}

// FindMemoryTypeIndex returns the memory type that best satisfies the provided hint out of the memory
// types whose bits are set in memoryTypeBits
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, hint MemoryHint) (int, common.VkResult, error) {
	return a.findMemoryTypeIndex(memoryTypeBits, hint)
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, hint MemoryHint) (int, common.VkResult, error) {
	requiredFlags, preferredFlags, notPreferredFlags := hint.memoryPreferences(a.deviceMemory.IsIntegratedGPU())

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}

// AllocateMemory allocates memory that satisfies the provided requirements. The memory is not bound
// to anything.
func (a *Allocator) AllocateMemory(memoryRequirements *core1_0.MemoryRequirements, hint MemoryHint) (*Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	if memoryRequirements == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to allocate with nil memory requirements")
	}

	return a.allocate(memoryRequirements, hint, false, suballocationUnknown)
}

// AllocateForBuffer allocates memory suitable for the provided buffer and binds the buffer to it
func (a *Allocator) AllocateForBuffer(buffer core1_0.Buffer, hint MemoryHint) (*Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForBuffer")

	if buffer == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil buffer")
	}

	alloc, res, err := a.allocate(buffer.MemoryRequirements(), hint, false, suballocationBuffer)
	if err != nil {
		return nil, res, err
	}

	res, err = alloc.bindBuffer(buffer)
	if err != nil {
		_ = alloc.Free()
		return nil, res, errors.Wrap(err, "failed to bind buffer memory")
	}

	return alloc, res, nil
}

// AllocateForImage allocates dedicated memory for the provided image and binds the image to it
func (a *Allocator) AllocateForImage(image core1_0.Image, hint MemoryHint) (*Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForImage")

	if image == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil image")
	}

	alloc, res, err := a.allocate(image.MemoryRequirements(), hint, true, suballocationImage)
	if err != nil {
		return nil, res, err
	}

	res, err = alloc.bindImage(image)
	if err != nil {
		_ = alloc.Free()
		return nil, res, errors.Wrap(err, "failed to bind image memory")
	}

	return alloc, res, nil
}

func (a *Allocator) allocate(memoryRequirements *core1_0.MemoryRequirements, hint MemoryHint, dedicated bool, suballocType suballocationType) (*Allocation, common.VkResult, error) {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if memoryRequirements.Size < 1 {
		return nil, core1_0.VKErrorInitializationFailed, core1_0.VKErrorInitializationFailed.ToError()
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, res, err := a.findMemoryTypeIndex(memoryBits, hint)
	if err != nil {
		return nil, res, err
	}

	for {
		alloc := &Allocation{parentAllocator: a}
		res, err = a.allocateMemoryOfType(memoryRequirements.Size, uint(memoryRequirements.Alignment), memoryTypeIndex, dedicated, suballocType, alloc)
		if err == nil {
			return alloc, res, nil
		}

		// Try the next best memory type
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		var findErr error
		memoryTypeIndex, _, findErr = a.findMemoryTypeIndex(memoryBits, hint)
		if findErr != nil {
			return nil, res, err
		}
	}
}

func (a *Allocator) allocateMemoryOfType(size int, alignment uint, memoryTypeIndex int, dedicated bool, suballocType suballocationType, alloc *Allocation) (common.VkResult, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size),
	)

	if minAlignment := a.deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex); alignment < minAlignment {
		alignment = minAlignment
	}

	preferredBlockSize := a.preferredBlockSizes[memoryTypeIndex]
	if !dedicated && size <= preferredBlockSize/2 {
		res, err := a.allocateFromBlocks(size, alignment, memoryTypeIndex, suballocType, alloc)
		if err == nil {
			return res, nil
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    falling back to dedicated memory",
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.Any("error", err),
		)
	}

	return a.allocateDedicatedMemory(size, memoryTypeIndex, alloc)
}

func (a *Allocator) allocateFromBlocks(size int, alignment uint, memoryTypeIndex int, suballocType suballocationType, alloc *Allocation) (common.VkResult, error) {
	blocks := a.blocks[memoryTypeIndex]

	// Prefer the most recently created block, which is the most likely to have room
	for blockIndex := len(blocks) - 1; blockIndex >= 0; blockIndex-- {
		res, err := blocks[blockIndex].allocate(size, alignment, suballocType, alloc)
		if err != nil {
			return res, err
		} else if res == core1_0.VKSuccess {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", blocks[blockIndex].id))
			return res, nil
		}
	}

	newBlockSize := a.preferredBlockSizes[memoryTypeIndex]
	newBlockSizeShift := 0
	maxExistingBlockSize := 0
	for _, block := range blocks {
		if block.size > maxExistingBlockSize {
			maxExistingBlockSize = block.size
		}
	}

	for i := 0; i < maxNewBlockSizeShift; i++ {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
		} else {
			break
		}
	}

	block, res, err := a.createBlock(memoryTypeIndex, newBlockSize)
	for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize < size {
			break
		}

		newBlockSize = smallerNewBlockSize
		newBlockSizeShift++
		block, res, err = a.createBlock(memoryTypeIndex, newBlockSize)
	}
	if err != nil {
		return res, err
	}

	res, err = block.allocate(size, alignment, suballocType, alloc)
	if err != nil {
		return res, err
	} else if res != core1_0.VKSuccess {
		return res, res.ToError()
	}

	return res, nil
}

func (a *Allocator) createBlock(memoryTypeIndex int, blockSize int) (*deviceMemoryBlock, common.VkResult, error) {
	memory, res, err := a.deviceMemory.AllocateVulkanMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  blockSize,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	block := newDeviceMemoryBlock(a.logger, a.deviceMemory, memoryTypeIndex, memory, blockSize, a.nextBlockID)
	a.nextBlockID++
	a.blocks[memoryTypeIndex] = append(a.blocks[memoryTypeIndex], block)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("size", blockSize),
	)

	return block, res, nil
}

func (a *Allocator) allocateDedicatedMemory(size int, memoryTypeIndex int, alloc *Allocation) (common.VkResult, error) {
	memory, res, err := a.deviceMemory.AllocateVulkanMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemory FAILED")
		return res, err
	}

	alloc.initDedicatedAllocation(memoryTypeIndex, memory, size)
	a.dedicatedSet(memoryTypeIndex).Put(alloc, struct{}{})
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	return res, nil
}

func (a *Allocator) freeAllocation(alloc *Allocation) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if alloc.mapCount > 0 {
		err := alloc.synchronizedMemory().Unmap(alloc.mapCount)
		if err != nil {
			return err
		}
		alloc.mapCount = 0
	}

	switch alloc.allocationType {
	case allocationTypeDedicated:
		if !a.dedicatedSet(alloc.memoryTypeIndex).Delete(alloc) {
			return errors.New("attempted to free a dedicated allocation that this allocator does not own")
		}

		a.deviceMemory.RemoveAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex), alloc.size)
		a.deviceMemory.FreeVulkanMemory(alloc.memoryTypeIndex, alloc.size, alloc.dedicatedMemory)
		alloc.dedicatedMemory = nil
	case allocationTypeBlock:
		block := alloc.block
		err := block.free(alloc)
		if err != nil {
			return err
		}

		err = a.freeEmptyBlock(block)
		if err != nil {
			return err
		}
		alloc.block = nil
	default:
		return errors.Newf("attempted to free an allocation with invalid type %s", alloc.allocationType.String())
	}

	alloc.allocationType = allocationTypeNone
	return nil
}

// freeEmptyBlock releases a block that no longer holds allocations, unless it is the only block of its
// memory type, which is kept to absorb the next allocation
func (a *Allocator) freeEmptyBlock(block *deviceMemoryBlock) error {
	if !block.metadata.IsEmpty() {
		return nil
	}

	blocks := a.blocks[block.memoryTypeIndex]
	if len(blocks) <= 1 {
		return nil
	}

	for blockIndex, candidate := range blocks {
		if candidate != block {
			continue
		}

		a.blocks[block.memoryTypeIndex] = append(blocks[:blockIndex], blocks[blockIndex+1:]...)
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed empty block", slog.Int("block.id", block.id))
		return block.Destroy()
	}

	return errors.Newf("attempted to free block %d, which does not belong to this allocator", block.id)
}

// HeapStatistics is a fast, lock-free summary of the memory allocated from a single heap
func (a *Allocator) HeapStatistics(heapIndex int) memutils.Statistics {
	return a.deviceMemory.HeapStatistics(heapIndex)
}

// CalculateStatistics walks every block and dedicated allocation to produce detailed statistics
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Total.Clear()
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		typeStats := &stats.MemoryTypes[typeIndex]

		for _, block := range a.blocks[typeIndex] {
			block.addDetailedStatistics(typeStats)
		}

		if a.dedicatedAllocations[typeIndex] != nil {
			a.dedicatedAllocations[typeIndex].Iter(func(alloc *Allocation, _ struct{}) bool {
				typeStats.BlockCount++
				typeStats.BlockBytes += alloc.size
				typeStats.AddAllocation(alloc.size)
				return false
			})
		}

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(typeStats)
	}

	heapCount := a.deviceMemory.MemoryHeapCount()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// Destroy frees every memory block owned by the Allocator. It fails, leaving the leaked memory in place,
// if any allocations have not been freed.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		if a.dedicatedAllocations[typeIndex] != nil && a.dedicatedAllocations[typeIndex].Count() > 0 {
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] dedicated allocations were not freed",
				slog.Int("memoryTypeIndex", typeIndex),
				slog.Int("allocationCount", a.dedicatedAllocations[typeIndex].Count()),
			)
			err = errors.CombineErrors(err, errors.Newf("%d dedicated allocations of memory type %d were not freed", a.dedicatedAllocations[typeIndex].Count(), typeIndex))
		}

		var remaining []*deviceMemoryBlock
		for _, block := range a.blocks[typeIndex] {
			blockErr := block.Destroy()
			if blockErr != nil {
				remaining = append(remaining, block)
				err = errors.CombineErrors(err, blockErr)
			}
		}
		a.blocks[typeIndex] = remaining
	}

	return err
}
