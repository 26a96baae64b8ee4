package respool

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// lodClampNone is VK_LOD_CLAMP_NONE, which leaves the mip level range of a sampler unclamped
const lodClampNone float32 = 1000.0

const hashCombineConstant uint64 = 0x9e3779b97f4a7c15

// SamplerDescriptor fully specifies an immutable sampler. Two equal descriptors always resolve to the
// same sampler object within a SamplerCache.
type SamplerDescriptor struct {
	Filter      core1_0.Filter
	MipmapMode  core1_0.SamplerMipmapMode
	AddressMode core1_0.SamplerAddressMode
	Border      core1_0.BorderColor
}

// Hash combines every field of the descriptor. Equal descriptors always produce equal hashes.
func (d SamplerDescriptor) Hash() uint64 {
	var seed uint64
	seed = hashCombine(seed, uint64(d.Filter))
	seed = hashCombine(seed, uint64(d.MipmapMode))
	seed = hashCombine(seed, uint64(d.AddressMode))
	seed = hashCombine(seed, uint64(d.Border))
	return seed
}

func hashCombine(seed uint64, value uint64) uint64 {
	return seed ^ (value + hashCombineConstant + (seed << 6) + (seed >> 2))
}

func (d SamplerDescriptor) createInfo() core1_0.SamplerCreateInfo {
	return core1_0.SamplerCreateInfo{
		MagFilter:        d.Filter,
		MinFilter:        d.Filter,
		MipmapMode:       d.MipmapMode,
		AddressModeU:     d.AddressMode,
		AddressModeV:     d.AddressMode,
		AddressModeW:     d.AddressMode,
		MipLodBias:       0,
		AnisotropyEnable: false,
		MaxAnisotropy:    1,
		CompareEnable:    false,
		CompareOp:        core1_0.CompareOpNever,
		MinLod:           0,
		MaxLod:           lodClampNone,
		BorderColor:      d.Border,
	}
}

// SamplerCache deduplicates samplers by descriptor. Drivers may limit the number of distinct samplers
// that exist at once, so identical descriptors must never produce a second sampler. Samplers are never
// evicted; they live until Purge.
type SamplerCache struct {
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks

	samplers *swiss.Map[SamplerDescriptor, core1_0.Sampler]
}

// NewSamplerCache creates an empty cache that creates its samplers from the provided device. A nil
// logger discards all output.
func NewSamplerCache(logger *slog.Logger, device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks) *SamplerCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &SamplerCache{
		logger:              logger,
		device:              device,
		allocationCallbacks: allocationCallbacks,
		samplers:            swiss.NewMap[SamplerDescriptor, core1_0.Sampler](16),
	}
}

// Retrieve returns the sampler for the provided descriptor, creating it on first request
func (c *SamplerCache) Retrieve(descriptor SamplerDescriptor) (core1_0.Sampler, error) {
	sampler, ok := c.samplers.Get(descriptor)
	if ok {
		return sampler, nil
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "SamplerCache::Retrieve creating sampler",
		slog.Uint64("hash", descriptor.Hash()),
		slog.Int("count", c.samplers.Count()),
	)

	sampler, _, err := c.device.CreateSampler(c.allocationCallbacks, descriptor.createInfo())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sampler")
	}

	c.samplers.Put(descriptor, sampler)
	return sampler, nil
}

// Len is the number of distinct samplers in the cache
func (c *SamplerCache) Len() int {
	return c.samplers.Count()
}

// Purge destroys every sampler in the cache
func (c *SamplerCache) Purge() {
	c.samplers.Iter(func(_ SamplerDescriptor, sampler core1_0.Sampler) bool {
		sampler.Destroy(c.allocationCallbacks)
		return false
	})

	c.samplers = swiss.NewMap[SamplerDescriptor, core1_0.Sampler](16)
}
