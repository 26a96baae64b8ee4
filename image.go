package respool

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// ImageViewDescriptor specifies the view a pool creates alongside an image
type ImageViewDescriptor struct {
	Type   core1_0.ImageViewType
	Format core1_0.Format
}

// ImageDescriptor fully specifies an image, its view and its sampler. Pools only reuse an image for a
// request with an equal descriptor.
type ImageDescriptor struct {
	Type    core1_0.ImageType
	Format  core1_0.Format
	Extent  core1_0.Extent3D
	Usage   core1_0.ImageUsageFlags
	Memory  MemoryHint
	View    ImageViewDescriptor
	Sampler SamplerDescriptor
}

func (d ImageDescriptor) validate() error {
	if d.Extent.Width <= 0 || d.Extent.Height <= 0 || d.Extent.Depth <= 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "image extent must be positive in every dimension, but was %dx%dx%d",
			d.Extent.Width, d.Extent.Height, d.Extent.Depth)
	}
	return nil
}

// ImageObject holds the driver-level handles of an image along with the last layout the image was
// known to be in. Layout transitions are recorded by the caller, who reports them with Image.SetLayout.
type ImageObject struct {
	Handle  core1_0.Image
	Layout  core1_0.ImageLayout
	View    core1_0.ImageView
	Sampler core1_0.Sampler
}

// Valid reports whether the object refers to a live image
func (o ImageObject) Valid() bool {
	return o.Handle != nil
}

// Image is a device image with its dedicated memory, its view and its sampler
type Image struct {
	descriptor ImageDescriptor
	object     ImageObject
	memory     Memory
}

// Descriptor is the descriptor the image was created from
func (i *Image) Descriptor() ImageDescriptor {
	return i.descriptor
}

// Object is the image's driver-level handles and last known layout
func (i *Image) Object() ImageObject {
	return i.object
}

// Memory is the dedicated memory the image is bound to
func (i *Image) Memory() *Memory {
	return &i.memory
}

// Layout is the last layout recorded with SetLayout
func (i *Image) Layout() core1_0.ImageLayout {
	return i.object.Layout
}

// SetLayout records the layout the image was transitioned to
func (i *Image) SetLayout(layout core1_0.ImageLayout) {
	i.object.Layout = layout
}

// Valid reports whether the image has not yet been destroyed by its pool
func (i *Image) Valid() bool {
	return i != nil && i.object.Valid()
}

func createImage(device core1_0.Device, callbacks *driver.AllocationCallbacks, allocator *Allocator, samplers *SamplerCache, descriptor ImageDescriptor) (*Image, error) {
	err := descriptor.validate()
	if err != nil {
		return nil, err
	}

	image := &Image{descriptor: descriptor}
	defer func() {
		if err != nil {
			_ = image.destroy(callbacks)
		}
	}()

	image.object.Handle, _, err = device.CreateImage(callbacks, core1_0.ImageCreateInfo{
		ImageType:     descriptor.Type,
		Format:        descriptor.Format,
		Extent:        descriptor.Extent,
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         descriptor.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image")
	}
	image.object.Layout = core1_0.ImageLayoutUndefined

	image.memory.allocation, _, err = allocator.AllocateForImage(image.object.Handle, descriptor.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate image memory")
	}

	image.object.View, _, err = device.CreateImageView(callbacks, core1_0.ImageViewCreateInfo{
		Image:    image.object.Handle,
		ViewType: descriptor.View.Type,
		Format:   descriptor.View.Format,
		Components: core1_0.ComponentMapping{
			R: core1_0.ComponentSwizzleIdentity,
			G: core1_0.ComponentSwizzleIdentity,
			B: core1_0.ComponentSwizzleIdentity,
			A: core1_0.ComponentSwizzleIdentity,
		},
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image view")
	}

	image.object.Sampler, err = samplers.Retrieve(descriptor.Sampler)
	if err != nil {
		return nil, err
	}

	return image, nil
}

// destroy releases the view, the image and its memory. The sampler belongs to the SamplerCache and is
// only dropped.
func (i *Image) destroy(callbacks *driver.AllocationCallbacks) error {
	if i.object.View != nil {
		i.object.View.Destroy(callbacks)
		i.object.View = nil
	}
	if i.object.Handle != nil {
		i.object.Handle.Destroy(callbacks)
		i.object.Handle = nil
	}
	i.object.Sampler = nil
	i.object.Layout = core1_0.ImageLayoutUndefined

	return i.memory.release()
}
