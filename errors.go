package respool

import "github.com/cockroachdb/errors"

// ErrMemoryNotMappable is returned when a caller attempts to map memory whose memory type is not host visible
var ErrMemoryNotMappable error = errors.New("memory is not host visible and cannot be mapped")

// ErrInvalidDescriptor is returned when a buffer or image descriptor cannot describe a real resource, such as
// a zero size or a zero extent
var ErrInvalidDescriptor error = errors.New("invalid resource descriptor")

// ErrNotCheckedOut is returned when a resource is released to a pool that did not hand it out, or that has
// already received it back
var ErrNotCheckedOut error = errors.New("resource is not checked out from this pool")

// ErrPurgeTimeout is returned by Pool.Purge when checked-out fences were not signaled within the pool's
// PurgeFenceTimeout. Nothing is destroyed when it is returned.
var ErrPurgeTimeout error = errors.New("timed out waiting for in-flight fences before purge")
