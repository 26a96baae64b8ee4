package respool

import (
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// PoolCreateFlags indicate specific pool behaviors to activate or deactivate
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateSkipPurgeFenceWait stops Purge from waiting on fences that are still checked out. Only
	// use it when the caller already guarantees the device is idle, such as after a device-wide wait.
	PoolCreateSkipPurgeFenceWait PoolCreateFlags = 1 << iota
)

func init() {
	PoolCreateSkipPurgeFenceWait.Register("PoolCreateSkipPurgeFenceWait")
}

// DefaultReserve is the number of entries of each resource kind a Pool makes room for up front
const DefaultReserve int = 256

// CreateOptions contains optional settings when creating a Pool
type CreateOptions struct {
	Flags PoolCreateFlags

	// Reserve is the initial capacity of each resource arena. Pools grow past it as needed. Zero means
	// DefaultReserve.
	Reserve int

	// PurgeFenceTimeout bounds how long Purge waits for checked-out fences. Zero means NoTimeout.
	PurgeFenceTimeout time.Duration

	// VulkanCallbacks is an optional set of host allocation callbacks passed to every vulkan call made
	// by the pool
	VulkanCallbacks *driver.AllocationCallbacks

	// Allocator is an optional allocator to draw memory from. The pool does not destroy an allocator
	// it was given. When it is nil, the pool creates its own from AllocatorOptions.
	Allocator *Allocator
	// AllocatorOptions is used to create the pool's allocator when Allocator is nil
	AllocatorOptions AllocatorOptions
}

// New creates a new Pool
//
// logger - Debug logs and purge failures are written here. A nil logger discards them.
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that resources will be created from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Pool, error) {
	if device == nil {
		return nil, errors.New("a pool requires a device")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	reserve := options.Reserve
	if reserve <= 0 {
		reserve = DefaultReserve
	}

	purgeFenceTimeout := options.PurgeFenceTimeout
	if purgeFenceTimeout <= 0 {
		purgeFenceTimeout = NoTimeout
	}

	allocator := options.Allocator
	ownsAllocator := allocator == nil
	if ownsAllocator {
		allocatorOptions := options.AllocatorOptions
		if allocatorOptions.VulkanCallbacks == nil {
			allocatorOptions.VulkanCallbacks = options.VulkanCallbacks
		}

		var err error
		allocator, err = NewAllocator(logger, physicalDevice, device, allocatorOptions)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the pool allocator")
		}
	}

	pool := &Pool{
		logger:              logger,
		device:              device,
		allocationCallbacks: options.VulkanCallbacks,
		createFlags:         options.Flags,
		reserve:             reserve,
		purgeFenceTimeout:   purgeFenceTimeout,
		allocator:           allocator,
		ownsAllocator:       ownsAllocator,
		samplers:            NewSamplerCache(logger, device, options.VulkanCallbacks),
	}
	pool.initArenas()

	return pool, nil
}
