package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/respool/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// SynchronizedMemory wraps a single vulkan DeviceMemory object. Vulkan only permits one
// mapping per DeviceMemory at a time, so the whole object is mapped once and shared between
// every suballocation that asks for it, with a reference count deciding when to unmap.
type SynchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   core1_0.DeviceMemory

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateSynchronizedMemory(device core1_0.Device, useMutex bool, callbacks *driver.AllocationCallbacks, allocateInfo core1_0.MemoryAllocateInfo) (*SynchronizedMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	return &SynchronizedMemory{
		memory: memory,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		allocationCallbacks: callbacks,
	}, res, nil
}

func (m *SynchronizedMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *SynchronizedMemory) BindVulkanBuffer(offset int, buffer core1_0.Buffer) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return buffer.BindBufferMemory(m.memory, offset)
}

func (m *SynchronizedMemory) BindVulkanImage(offset int, image core1_0.Image) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return image.BindImageMemory(m.memory, offset)
}

func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

// Map adds references to the mapping of this memory, mapping the entire DeviceMemory if
// it was not already mapped. The returned pointer is the start of the DeviceMemory.
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the memory is showing existing mapping references, but no mapped data")
		}

		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.memory.Map(0, -1, 0)
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, res, nil
}

// Unmap removes references from the mapping of this memory and unmaps the DeviceMemory
// once the last reference is gone.
func (m *SynchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return nil
	}

	if m.mapReferences < references {
		return errors.Newf("attempted to remove %d mapping references from memory that only has %d", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *SynchronizedMemory) FreeMemory() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapReferences = 0
		m.mapData = nil
	}

	m.memory.Free(m.allocationCallbacks)
}
