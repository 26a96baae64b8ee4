package respool

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// BufferDescriptor fully specifies a buffer. Pools only reuse a buffer for a request with an equal descriptor.
type BufferDescriptor struct {
	Size   int
	Usage  core1_0.BufferUsageFlags
	Memory MemoryHint
}

func (d BufferDescriptor) validate() error {
	if d.Size <= 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "buffer size must be positive, but was %d", d.Size)
	}
	return nil
}

// BufferObject is the driver-level buffer and the range of it that the resource covers
type BufferObject struct {
	Handle core1_0.Buffer
	Offset int
	Range  int
}

// Valid reports whether the object refers to a live buffer
func (o BufferObject) Valid() bool {
	return o.Handle != nil
}

// Buffer is a device buffer and the memory bound to it
type Buffer struct {
	descriptor BufferDescriptor
	object     BufferObject
	memory     Memory
}

// Descriptor is the descriptor the buffer was created from
func (b *Buffer) Descriptor() BufferDescriptor {
	return b.descriptor
}

// Object is the driver-level buffer and the range the resource covers
func (b *Buffer) Object() BufferObject {
	return b.object
}

// Memory is the memory the buffer is bound to. Map it with Map or MapMutable.
func (b *Buffer) Memory() *Memory {
	return &b.memory
}

// Valid reports whether the buffer has not yet been destroyed by its pool
func (b *Buffer) Valid() bool {
	return b != nil && b.object.Valid()
}

func createBuffer(device core1_0.Device, callbacks *driver.AllocationCallbacks, allocator *Allocator, descriptor BufferDescriptor) (*Buffer, error) {
	err := descriptor.validate()
	if err != nil {
		return nil, err
	}

	handle, _, err := device.CreateBuffer(callbacks, core1_0.BufferCreateInfo{
		Size:        descriptor.Size,
		Usage:       descriptor.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer")
	}

	allocation, _, err := allocator.AllocateForBuffer(handle, descriptor.Memory)
	if err != nil {
		handle.Destroy(callbacks)
		return nil, errors.Wrapf(err, "failed to allocate memory for a buffer of %d bytes", descriptor.Size)
	}

	return &Buffer{
		descriptor: descriptor,
		object: BufferObject{
			Handle: handle,
			Offset: 0,
			Range:  descriptor.Size,
		},
		memory: Memory{allocation: allocation},
	}, nil
}

func (b *Buffer) destroy(callbacks *driver.AllocationCallbacks) error {
	if b.object.Handle != nil {
		b.object.Handle.Destroy(callbacks)
		b.object.Handle = nil
	}

	return b.memory.release()
}
