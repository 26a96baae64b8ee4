package respool

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// Pool creates buffers, images and fences on request and recycles them once they are released, so that
// steady-state workloads stop paying for driver object creation. Purge tears everything down at once.
//
// A Pool is not safe for concurrent use. Callers must use one Pool per goroutine or guard every call
// with their own lock.
type Pool struct {
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	createFlags         PoolCreateFlags
	reserve             int
	purgeFenceTimeout   time.Duration

	allocator     *Allocator
	ownsAllocator bool
	samplers      *SamplerCache

	buffers     arena[*Buffer]
	freeBuffers *swiss.Map[BufferDescriptor, []int]

	images     arena[*Image]
	freeImages *swiss.Map[ImageDescriptor, []int]

	fences      arena[*Fence]
	freeFences  []int
	inUseFences []int
}

func (p *Pool) initArenas() {
	p.buffers = newArena[*Buffer](p.reserve)
	p.images = newArena[*Image](p.reserve)
	p.fences = newArena[*Fence](p.reserve)
	p.resetFreeLists()
}

func (p *Pool) resetFreeLists() {
	p.freeBuffers = swiss.NewMap[BufferDescriptor, []int](uint32(p.reserve))
	p.freeImages = swiss.NewMap[ImageDescriptor, []int](uint32(p.reserve))
	p.freeFences = make([]int, 0, p.reserve)
	p.inUseFences = make([]int, 0, p.reserve)
}

// Allocator is the allocator resource memory is drawn from
func (p *Pool) Allocator() *Allocator {
	return p.allocator
}

// Samplers is the cache image samplers are resolved through
func (p *Pool) Samplers() *SamplerCache {
	return p.samplers
}

func popFree[K comparable](free *swiss.Map[K, []int], key K) (int, bool) {
	indices, ok := free.Get(key)
	if !ok || len(indices) == 0 {
		return -1, false
	}

	index := indices[len(indices)-1]
	indices = indices[:len(indices)-1]
	if len(indices) == 0 {
		free.Delete(key)
	} else {
		free.Put(key, indices)
	}

	return index, true
}

func pushFree[K comparable](free *swiss.Map[K, []int], key K, index int) {
	indices, _ := free.Get(key)
	free.Put(key, append(indices, index))
}

func freeCount[K comparable](free *swiss.Map[K, []int]) int {
	count := 0
	free.Iter(func(_ K, indices []int) bool {
		count += len(indices)
		return false
	})
	return count
}

// Buffer returns an idle buffer with an equal descriptor if the pool has one, or creates a new buffer.
// The buffer belongs to the caller until it is passed to ReleaseBuffer or the pool is purged.
func (p *Pool) Buffer(descriptor BufferDescriptor) (*Buffer, error) {
	p.logger.Debug("Pool::Buffer")

	index, ok := popFree(p.freeBuffers, descriptor)
	if !ok {
		buffer, err := createBuffer(p.device, p.allocationCallbacks, p.allocator, descriptor)
		if err != nil {
			return nil, err
		}

		index = p.buffers.add(buffer, p.destroyBuffer)
	}

	entry := &p.buffers.entries[index]
	entry.inUse = true
	return entry.value, nil
}

func (p *Pool) destroyBuffer(buffer *Buffer) error {
	return buffer.destroy(p.allocationCallbacks)
}

// ReleaseBuffer returns a buffer to the pool so that a later request with an equal descriptor can reuse it
func (p *Pool) ReleaseBuffer(buffer *Buffer) error {
	p.logger.Debug("Pool::ReleaseBuffer")

	index, ok := p.buffers.indexOf(buffer)
	if !ok || !p.buffers.entries[index].inUse {
		return errors.Wrap(ErrNotCheckedOut, "failed to release buffer")
	}

	p.buffers.entries[index].inUse = false
	pushFree(p.freeBuffers, buffer.descriptor, index)
	return nil
}

// Image returns an idle image with an equal descriptor if the pool has one, or creates a new image along
// with its view. The image's sampler comes from the pool's SamplerCache.
func (p *Pool) Image(descriptor ImageDescriptor) (*Image, error) {
	p.logger.Debug("Pool::Image")

	index, ok := popFree(p.freeImages, descriptor)
	if !ok {
		image, err := createImage(p.device, p.allocationCallbacks, p.allocator, p.samplers, descriptor)
		if err != nil {
			return nil, err
		}

		index = p.images.add(image, p.destroyImage)
	}

	entry := &p.images.entries[index]
	entry.inUse = true
	return entry.value, nil
}

func (p *Pool) destroyImage(image *Image) error {
	return image.destroy(p.allocationCallbacks)
}

// ReleaseImage returns an image to the pool. Its tracked layout is reset to ImageLayoutUndefined, since
// the next user cannot rely on its contents.
func (p *Pool) ReleaseImage(image *Image) error {
	p.logger.Debug("Pool::ReleaseImage")

	index, ok := p.images.indexOf(image)
	if !ok || !p.images.entries[index].inUse {
		return errors.Wrap(ErrNotCheckedOut, "failed to release image")
	}

	image.SetLayout(core1_0.ImageLayoutUndefined)
	p.images.entries[index].inUse = false
	pushFree(p.freeImages, image.descriptor, index)
	return nil
}

// Fence returns an unsignaled fence, reusing a released one if possible
func (p *Pool) Fence() (*Fence, error) {
	p.logger.Debug("Pool::Fence")

	var index int
	if len(p.freeFences) > 0 {
		index = p.freeFences[len(p.freeFences)-1]
		p.freeFences = p.freeFences[:len(p.freeFences)-1]
	} else {
		fence, err := createFence(p.device, p.allocationCallbacks)
		if err != nil {
			return nil, err
		}

		index = p.fences.add(fence, p.destroyFence)
	}

	p.fences.entries[index].inUse = true
	p.inUseFences = append(p.inUseFences, index)
	return p.fences.entries[index].value, nil
}

func (p *Pool) destroyFence(fence *Fence) error {
	return fence.destroy(p.allocationCallbacks)
}

// ReleaseFence resets a fence and returns it to the pool. The fence must not be pending on the device.
func (p *Pool) ReleaseFence(fence *Fence) error {
	p.logger.Debug("Pool::ReleaseFence")

	index, ok := p.fences.indexOf(fence)
	if !ok || !p.fences.entries[index].inUse {
		return errors.Wrap(ErrNotCheckedOut, "failed to release fence")
	}

	err := fence.reset()
	if err != nil {
		return err
	}

	p.fences.entries[index].inUse = false
	for i, inUse := range p.inUseFences {
		if inUse == index {
			p.inUseFences = append(p.inUseFences[:i], p.inUseFences[i+1:]...)
			break
		}
	}
	p.freeFences = append(p.freeFences, index)
	return nil
}

func (p *Pool) waitForInUseFences() error {
	if len(p.inUseFences) == 0 || p.createFlags&PoolCreateSkipPurgeFenceWait != 0 {
		return nil
	}

	handles := make([]core1_0.Fence, 0, len(p.inUseFences))
	for _, index := range p.inUseFences {
		handles = append(handles, p.fences.entries[index].value.Handle)
	}

	res, err := p.device.WaitForFences(true, p.purgeFenceTimeout, handles)
	if err != nil {
		return errors.Wrap(err, "failed to wait for in-flight fences")
	}
	if res == core1_0.VKTimeout {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "Pool::Purge timed out waiting for fences",
			slog.Int("fenceCount", len(handles)),
			slog.Duration("timeout", p.purgeFenceTimeout),
		)
		return errors.Wrapf(ErrPurgeTimeout, "%d fences were still pending after %s", len(handles), p.purgeFenceTimeout)
	}

	return nil
}

// Purge waits for every checked-out fence, then destroys every buffer, image, fence and sampler the pool
// has created, whether idle or checked out. Resources handed out before Purge are invalid afterward.
// A resource whose teardown fails stays owned by the pool and is retried by the next Purge or Destroy.
// It is never handed out again.
func (p *Pool) Purge() error {
	p.logger.Debug("Pool::Purge")

	err := p.waitForInUseFences()
	if err != nil {
		return err
	}

	var errs []error
	errs = append(errs, p.buffers.destroyAll()...)
	errs = append(errs, p.images.destroyAll()...)
	errs = append(errs, p.fences.destroyAll()...)
	p.samplers.Purge()
	p.resetFreeLists()

	for _, destroyErr := range errs {
		err = errors.CombineErrors(err, destroyErr)
	}
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "Pool::Purge failed to release resources",
			slog.Int("errorCount", len(errs)),
			slog.Any("error", err),
		)
	}

	return err
}

// Destroy purges the pool and, if the pool created its own allocator, destroys the allocator
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	err := p.Purge()
	if err != nil {
		return err
	}

	if p.ownsAllocator {
		return p.allocator.Destroy()
	}

	return nil
}
