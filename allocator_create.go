package respool

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/respool/internal/utils"
	"github.com/vkngwrapper/arsenal/respool/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// AllocatorCreateFlags indicate specific allocator behaviors to activate or deactivate
type AllocatorCreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[AllocatorCreateFlags]()

func (f AllocatorCreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f AllocatorCreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that the allocator and all allocations created
	// from it will not be synchronized internally. The consumer must guarantee they are used from only
	// one goroutine at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized AllocatorCreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is used as AllocatorOptions.PreferredLargeHeapBlockSize when none is
	// provided. It is equal to 64Mb.
	defaultLargeHeapBlockSize int = 64 * 1024 * 1024
	smallHeapMaxSize          int = 1024 * 1024 * 1024 // 1 GB
)

// AllocatorOptions contains optional settings when creating an Allocator
type AllocatorOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags AllocatorCreateFlags
	// PreferredLargeHeapBlockSize is the size of the device memory blocks that small buffers are
	// suballocated from, for heaps larger than a gigabyte. Smaller heaps use an eighth of the heap size.
	PreferredLargeHeapBlockSize int

	// VulkanCallbacks is an optional set of host allocation callbacks passed to every vulkan
	// call made by the allocator
	VulkanCallbacks *driver.AllocationCallbacks

	// HeapSizeLimits can be left empty. If it is provided, it must have one entry per memory heap
	// of the PhysicalDevice. Each entry is either the maximum number of bytes that may be allocated
	// from that heap, or 0 or -1 for no limit beyond the heap size.
	HeapSizeLimits []int
}

// NewAllocator creates a new Allocator
//
// logger - Debug and leak reports are written here. A nil logger discards them.
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewAllocator(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options AllocatorOptions) (*Allocator, error) {
	if physicalDevice == nil || device == nil {
		return nil, errors.New("an allocator requires both a physical device and a device")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger: logger,
		mutex:  utils.OptionalMutex{UseMutex: useMutex},
	}

	preferredLargeHeapBlockSize := options.PreferredLargeHeapBlockSize
	if preferredLargeHeapBlockSize <= 0 {
		preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		useMutex,
		options.VulkanCallbacks,
		device,
		physicalDevice,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := allocator.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		heapSize := allocator.deviceMemory.MemoryHeapProperties(heapIndex).Size

		blockSize := preferredLargeHeapBlockSize
		if heapSize <= smallHeapMaxSize {
			blockSize = heapSize / 8
		}
		allocator.preferredBlockSizes[typeIndex] = blockSize
	}

	return allocator, nil
}
