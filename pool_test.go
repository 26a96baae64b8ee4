package respool

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
)

var hostCoherentSetup = AllocatorSetup{
	MemoryTypes: []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	},
	MemoryHeaps:      oneMegabyteHeap,
	DeviceProperties: discreteProperties(1),
}

func readyPool(t *testing.T, ctrl *gomock.Controller, options CreateOptions) (*mocks.MockDevice, *Pool) {
	physicalDevice, device := readyDevice(ctrl, hostCoherentSetup)

	pool, err := New(nil, physicalDevice, device, options)
	require.NoError(t, err)

	return device, pool
}

var vertexBuffer = BufferDescriptor{
	Size:   4096,
	Usage:  core1_0.BufferUsageVertexBuffer,
	Memory: MemoryHint{Usage: MemoryUsageCPUToGPU},
}

func expectBuffer(ctrl *gomock.Controller, device *mocks.MockDevice, descriptor BufferDescriptor) *mocks.MockBuffer {
	buffer := mocks.NewMockBuffer(ctrl)

	device.EXPECT().CreateBuffer(gomock.Nil(), core1_0.BufferCreateInfo{
		Size:        descriptor.Size,
		Usage:       descriptor.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           descriptor.Size,
		Alignment:      256,
		MemoryTypeBits: 1,
	})
	buffer.EXPECT().BindBufferMemory(gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil)

	return buffer
}

var sampledTexture = ImageDescriptor{
	Type:   core1_0.ImageType2D,
	Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
	Extent: core1_0.Extent3D{Width: 64, Height: 64, Depth: 1},
	Usage:  core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
	Memory: MemoryHint{Usage: MemoryUsageGPUOnly},
	View: ImageViewDescriptor{
		Type:   core1_0.ImageViewType2D,
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
	},
	Sampler: linearRepeat,
}

type imageMocks struct {
	image  *mocks.MockImage
	view   *mocks.MockImageView
	memory *mocks.MockDeviceMemory
}

// expectImage sets up every driver call for one image. Images are always dedicated, so each one gets its
// own device memory.
func expectImage(t *testing.T, ctrl *gomock.Controller, device *mocks.MockDevice, descriptor ImageDescriptor) imageMocks {
	image := mocks.NewMockImage(ctrl)
	view := mocks.NewMockImageView(ctrl)
	size := descriptor.Extent.Width * descriptor.Extent.Height * 4

	device.EXPECT().CreateImage(gomock.Nil(), gomock.Any()).DoAndReturn(
		func(_ *driver.AllocationCallbacks, info core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
			require.Equal(t, descriptor.Extent, info.Extent)
			require.Equal(t, descriptor.Format, info.Format)
			require.Equal(t, core1_0.ImageLayoutUndefined, info.InitialLayout)
			return image, core1_0.VKSuccess, nil
		})
	image.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      1024,
		MemoryTypeBits: 1,
	})
	memory := expectDeviceMemory(ctrl, device, 0, size)
	image.EXPECT().BindImageMemory(memory, 0).Return(core1_0.VKSuccess, nil)
	device.EXPECT().CreateImageView(gomock.Nil(), gomock.Any()).Return(view, core1_0.VKSuccess, nil)

	return imageMocks{image: image, view: view, memory: memory}
}

func (m imageMocks) expectDestroy() {
	m.view.EXPECT().Destroy(gomock.Nil())
	m.image.EXPECT().Destroy(gomock.Nil())
	m.memory.EXPECT().Free(gomock.Nil())
}

func TestPoolReusesReleasedBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	handle := expectBuffer(ctrl, device, vertexBuffer)

	first, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	require.True(t, first.Valid())
	require.Equal(t, vertexBuffer, first.Descriptor())
	require.Equal(t, BufferObject{Handle: handle, Offset: 0, Range: 4096}, first.Object())

	require.NoError(t, pool.ReleaseBuffer(first))

	second, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	require.Same(t, first, second)

	stats := pool.Stats()
	require.Equal(t, ResourceStats{Total: 1, InUse: 1, Free: 0}, stats.Buffers)

	handle.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Purge())
	require.False(t, second.Valid())
	require.False(t, second.Memory().Valid())

	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPurgeRetainsResourcesThatFailedToRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	handle := expectBuffer(ctrl, device, vertexBuffer)

	buffer, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)

	// Freeing the allocation behind the pool's back makes its own release fail
	require.NoError(t, buffer.Memory().Allocation().Free())

	handle.EXPECT().Destroy(gomock.Nil())
	require.Error(t, pool.Purge())
	require.Equal(t, ResourceStats{Total: 1, InUse: 0, Free: 0}, pool.Stats().Buffers)
	require.ErrorIs(t, pool.ReleaseBuffer(buffer), ErrNotCheckedOut)

	require.NoError(t, pool.Purge())
	require.Equal(t, ResourceStats{}, pool.Stats().Buffers)

	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolNeverIssuesABufferTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	firstHandle := expectBuffer(ctrl, device, vertexBuffer)
	secondHandle := expectBuffer(ctrl, device, vertexBuffer)

	first, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	second, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.NotEqual(t, first.Memory().Allocation().FindOffset(), second.Memory().Allocation().FindOffset())

	stats := pool.Stats()
	require.Equal(t, ResourceStats{Total: 2, InUse: 2, Free: 0}, stats.Buffers)
	require.Equal(t, 2, stats.Allocator.Total.AllocationCount)

	firstHandle.EXPECT().Destroy(gomock.Nil())
	secondHandle.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolOnlyReusesEqualDescriptors(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	indexBuffer := vertexBuffer
	indexBuffer.Usage = core1_0.BufferUsageIndexBuffer

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	vertexHandle := expectBuffer(ctrl, device, vertexBuffer)
	indexHandle := expectBuffer(ctrl, device, indexBuffer)

	vertex, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuffer(vertex))

	index, err := pool.Buffer(indexBuffer)
	require.NoError(t, err)
	require.NotSame(t, vertex, index)

	stats := pool.Stats()
	require.Equal(t, ResourceStats{Total: 2, InUse: 1, Free: 1}, stats.Buffers)

	vertexHandle.EXPECT().Destroy(gomock.Nil())
	indexHandle.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolReleaseBufferNotCheckedOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	handle := expectBuffer(ctrl, device, vertexBuffer)

	buffer, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuffer(buffer))

	err = pool.ReleaseBuffer(buffer)
	require.ErrorIs(t, err, ErrNotCheckedOut)

	err = pool.ReleaseBuffer(&Buffer{descriptor: vertexBuffer})
	require.ErrorIs(t, err, ErrNotCheckedOut)

	stats := pool.Stats()
	require.Equal(t, ResourceStats{Total: 1, InUse: 0, Free: 1}, stats.Buffers)

	handle.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolRejectsInvalidDescriptors(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, pool := readyPool(t, ctrl, CreateOptions{})

	_, err := pool.Buffer(BufferDescriptor{Size: 0, Usage: core1_0.BufferUsageVertexBuffer})
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	flat := sampledTexture
	flat.Extent.Depth = 0
	_, err = pool.Image(flat)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	require.Equal(t, ResourceStats{}, pool.Stats().Buffers)
	require.Equal(t, ResourceStats{}, pool.Stats().Images)
}

func TestPoolBufferCreateFailureLeavesNothingBehind(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	handle := mocks.NewMockBuffer(ctrl)
	device.EXPECT().CreateBuffer(gomock.Nil(), gomock.Any()).Return(handle, core1_0.VKSuccess, nil)
	handle.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           vertexBuffer.Size,
		Alignment:      256,
		MemoryTypeBits: 0,
	})
	handle.EXPECT().Destroy(gomock.Nil())

	_, err := pool.Buffer(vertexBuffer)
	require.Error(t, err)
	require.Equal(t, ResourceStats{}, pool.Stats().Buffers)
}

func TestPoolImageLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	sampler := mocks.NewMockSampler(ctrl)
	device.EXPECT().CreateSampler(gomock.Nil(), linearRepeat.createInfo()).Return(sampler, core1_0.VKSuccess, nil)
	created := expectImage(t, ctrl, device, sampledTexture)

	image, err := pool.Image(sampledTexture)
	require.NoError(t, err)
	require.True(t, image.Valid())
	require.True(t, image.Memory().Allocation().IsDedicated())
	require.Equal(t, ImageObject{
		Handle:  created.image,
		Layout:  core1_0.ImageLayoutUndefined,
		View:    created.view,
		Sampler: sampler,
	}, image.Object())

	image.SetLayout(core1_0.ImageLayoutShaderReadOnlyOptimal)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, image.Layout())

	require.NoError(t, pool.ReleaseImage(image))
	require.Equal(t, core1_0.ImageLayoutUndefined, image.Layout())
	require.ErrorIs(t, pool.ReleaseImage(image), ErrNotCheckedOut)

	reused, err := pool.Image(sampledTexture)
	require.NoError(t, err)
	require.Same(t, image, reused)

	// A second image with the same sampler descriptor shares the sampler
	larger := sampledTexture
	larger.Extent = core1_0.Extent3D{Width: 128, Height: 128, Depth: 1}
	second := expectImage(t, ctrl, device, larger)

	other, err := pool.Image(larger)
	require.NoError(t, err)
	require.NotSame(t, image, other)
	require.Same(t, sampler, other.Object().Sampler)

	stats := pool.Stats()
	require.Equal(t, ResourceStats{Total: 2, InUse: 2, Free: 0}, stats.Images)
	require.Equal(t, 1, stats.Samplers)
	require.Equal(t, 2, stats.Allocator.Total.BlockCount)

	created.expectDestroy()
	second.expectDestroy()
	sampler.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Purge())

	require.False(t, image.Valid())
	require.False(t, other.Valid())
	require.Equal(t, 0, pool.Samplers().Len())
	require.Equal(t, ResourceStats{}, pool.Stats().Images)

	require.NoError(t, pool.Destroy())
}

func TestPoolImageViewFailureCleansUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	image := mocks.NewMockImage(ctrl)
	device.EXPECT().CreateImage(gomock.Nil(), gomock.Any()).Return(image, core1_0.VKSuccess, nil)
	image.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           16384,
		Alignment:      1024,
		MemoryTypeBits: 1,
	})
	memory := expectDeviceMemory(ctrl, device, 0, 16384)
	image.EXPECT().BindImageMemory(memory, 0).Return(core1_0.VKSuccess, nil)
	device.EXPECT().CreateImageView(gomock.Nil(), gomock.Any()).Return(nil, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfHostMemory.ToError())

	image.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	_, err := pool.Image(sampledTexture)
	require.Error(t, err)

	stats := pool.Stats()
	require.Equal(t, ResourceStats{}, stats.Images)
	require.Equal(t, 0, stats.Allocator.Total.BlockCount)
}

func TestPoolFenceReuse(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	handle := mocks.NewMockFence(ctrl)
	device.EXPECT().CreateFence(gomock.Nil(), core1_0.FenceCreateInfo{}).Return(handle, core1_0.VKSuccess, nil)

	fence, err := pool.Fence()
	require.NoError(t, err)
	require.True(t, fence.Valid())

	device.EXPECT().ResetFences([]core1_0.Fence{handle}).Return(core1_0.VKSuccess, nil)
	require.NoError(t, pool.ReleaseFence(fence))
	require.ErrorIs(t, pool.ReleaseFence(fence), ErrNotCheckedOut)

	reused, err := pool.Fence()
	require.NoError(t, err)
	require.Same(t, fence, reused)
	require.Equal(t, ResourceStats{Total: 1, InUse: 1, Free: 0}, pool.Stats().Fences)

	device.EXPECT().WaitForFences(true, NoTimeout, []core1_0.Fence{handle}).Return(core1_0.VKSuccess, nil)
	handle.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Destroy())
	require.False(t, reused.Valid())
}

func TestFenceWaitTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{Flags: PoolCreateSkipPurgeFenceWait})

	handle := mocks.NewMockFence(ctrl)
	device.EXPECT().CreateFence(gomock.Nil(), core1_0.FenceCreateInfo{}).Return(handle, core1_0.VKSuccess, nil)

	fence, err := pool.Fence()
	require.NoError(t, err)

	device.EXPECT().WaitForFences(true, 5*time.Millisecond, []core1_0.Fence{handle}).Return(core1_0.VKTimeout, nil)
	signaled, err := fence.Wait(5 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, signaled)
	require.True(t, fence.Valid())

	device.EXPECT().WaitForFences(true, NoTimeout, []core1_0.Fence{handle}).Return(core1_0.VKSuccess, nil)
	require.NoError(t, fence.WaitForever())

	device.EXPECT().WaitForFences(true, time.Second, []core1_0.Fence{handle}).Return(core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError())
	_, err = fence.Wait(time.Second)
	require.Error(t, err)

	// The pool skips its fence wait, so no further WaitForFences calls are expected
	handle.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Destroy())

	_, err = fence.Wait(time.Second)
	require.Error(t, err)
}

func TestPurgeTimesOutOnPendingFence(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{PurgeFenceTimeout: 10 * time.Millisecond})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	bufferHandle := expectBuffer(ctrl, device, vertexBuffer)
	fenceHandle := mocks.NewMockFence(ctrl)
	device.EXPECT().CreateFence(gomock.Nil(), gomock.Any()).Return(fenceHandle, core1_0.VKSuccess, nil)

	buffer, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)
	fence, err := pool.Fence()
	require.NoError(t, err)

	device.EXPECT().WaitForFences(true, 10*time.Millisecond, []core1_0.Fence{fenceHandle}).Return(core1_0.VKTimeout, nil)
	err = pool.Purge()
	require.ErrorIs(t, err, ErrPurgeTimeout)

	// Nothing was destroyed
	require.True(t, buffer.Valid())
	require.True(t, fence.Valid())
	require.Equal(t, ResourceStats{Total: 1, InUse: 1, Free: 0}, pool.Stats().Buffers)

	device.EXPECT().WaitForFences(true, 10*time.Millisecond, []core1_0.Fence{fenceHandle}).Return(core1_0.VKSuccess, nil)
	bufferHandle.EXPECT().Destroy(gomock.Nil())
	fenceHandle.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Purge())

	require.False(t, buffer.Valid())
	require.False(t, fence.Valid())

	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolWithSharedAllocator(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, hostCoherentSetup)

	pool, err := New(nil, nil, device, CreateOptions{Allocator: allocator})
	require.NoError(t, err)
	require.Same(t, allocator, pool.Allocator())

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	handle := expectBuffer(ctrl, device, vertexBuffer)

	_, err = pool.Buffer(vertexBuffer)
	require.NoError(t, err)

	handle.EXPECT().Destroy(gomock.Nil())
	require.NoError(t, pool.Destroy())

	// The pool leaves an allocator it did not create alive
	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, allocator.Destroy())
}

func TestNewPoolRequiresDevice(t *testing.T) {
	_, err := New(nil, nil, nil, CreateOptions{})
	require.Error(t, err)
}

func TestBuildStatsString(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, pool := readyPool(t, ctrl, CreateOptions{})

	memory := expectDeviceMemory(ctrl, device, 0, 15625)
	handle := expectBuffer(ctrl, device, vertexBuffer)

	_, err := pool.Buffer(vertexBuffer)
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(pool.BuildStatsString(false)), &summary))
	require.Equal(t, map[string]any{"Total": 1.0, "InUse": 1.0, "Free": 0.0}, summary["Buffers"])
	require.Equal(t, 0.0, summary["Samplers"])

	allocatorStats, ok := summary["Allocator"].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, allocatorStats, "MemoryTypes")

	total, ok := allocatorStats["Total"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1.0, total["BlockCount"])
	require.Equal(t, 15625.0, total["BlockBytes"])
	require.Equal(t, 1.0, total["AllocationCount"])

	var detailed map[string]any
	require.NoError(t, json.Unmarshal([]byte(pool.BuildStatsString(true)), &detailed))
	allocatorStats, ok = detailed["Allocator"].(map[string]any)
	require.True(t, ok)
	memoryTypes, ok := allocatorStats["MemoryTypes"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, memoryTypes, "0")

	handle.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	require.NoError(t, pool.Destroy())
}

func TestPoolCreateFlagsString(t *testing.T) {
	require.Equal(t, "PoolCreateSkipPurgeFenceWait", PoolCreateSkipPurgeFenceWait.String())
}
