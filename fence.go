package respool

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// NoTimeout waits until the fence is signaled, however long that takes
const NoTimeout time.Duration = math.MaxInt64

// Fence is a one-shot signal that device work has completed. Fences are handed out by a Pool, which
// resets them when they are released.
type Fence struct {
	Device core1_0.Device
	Handle core1_0.Fence
}

// Valid reports whether the fence has not yet been destroyed by its pool
func (f *Fence) Valid() bool {
	return f != nil && f.Device != nil && f.Handle != nil
}

// Wait blocks until the fence is signaled or the timeout elapses. It returns false, without an error,
// if the timeout elapsed first. The device work the fence tracks is not affected by a timeout.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	if !f.Valid() {
		return false, errors.New("attempted to wait on an invalid fence")
	}

	res, err := f.Device.WaitForFences(true, timeout, []core1_0.Fence{f.Handle})
	if err != nil {
		return false, errors.Wrap(err, "failed to wait for fence")
	}

	return res != core1_0.VKTimeout, nil
}

// WaitForever blocks until the fence is signaled
func (f *Fence) WaitForever() error {
	_, err := f.Wait(NoTimeout)
	return err
}

func createFence(device core1_0.Device, callbacks *driver.AllocationCallbacks) (*Fence, error) {
	handle, _, err := device.CreateFence(callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fence")
	}

	return &Fence{Device: device, Handle: handle}, nil
}

func (f *Fence) reset() error {
	_, err := f.Device.ResetFences([]core1_0.Fence{f.Handle})
	if err != nil {
		return errors.Wrap(err, "failed to reset fence")
	}
	return nil
}

func (f *Fence) destroy(callbacks *driver.AllocationCallbacks) error {
	if f.Handle != nil {
		f.Handle.Destroy(callbacks)
		f.Handle = nil
	}
	return nil
}
