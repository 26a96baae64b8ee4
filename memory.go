package respool

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Memory is the device memory backing a Buffer or Image. It is created alongside its resource and
// released when the owning Pool destroys that resource.
type Memory struct {
	allocation *Allocation
}

// Allocation is the underlying allocation. It is nil once the memory has been released.
func (m *Memory) Allocation() *Allocation {
	return m.allocation
}

// Size is the number of bytes available to mappings of this memory
func (m *Memory) Size() int {
	if m.allocation == nil {
		return 0
	}
	return m.allocation.Size()
}

// IsHostVisible reports whether the memory can be mapped
func (m *Memory) IsHostVisible() bool {
	return m.allocation != nil && m.allocation.IsHostVisible()
}

// Valid reports whether the memory is still backed by an allocation
func (m *Memory) Valid() bool {
	return m != nil && m.allocation != nil
}

func (m *Memory) release() error {
	if m.allocation == nil {
		return nil
	}

	err := m.allocation.Free()
	m.allocation = nil
	return err
}

// mapping is the shared state of ReadScope and WriteScope. It owns exactly one map reference on the
// allocation from open until close.
type mapping struct {
	memory *Memory
	data   unsafe.Pointer
	size   int
	access AccessFlags
	closed bool
}

func openMapping(m *Memory, access AccessFlags) (mapping, error) {
	if !m.Valid() {
		return mapping{}, errors.New("attempted to map memory that has already been released")
	}

	data, _, err := m.allocation.Map()
	if err != nil {
		return mapping{}, err
	}

	if access&AccessRead != 0 {
		_, err = m.allocation.Invalidate(0, -1)
		if err != nil {
			return mapping{}, errors.CombineErrors(
				errors.Wrap(err, "failed to invalidate mapped memory"),
				m.allocation.Unmap(),
			)
		}
	}

	return mapping{
		memory: m,
		data:   data,
		size:   m.allocation.Size(),
		access: access,
	}, nil
}

func (s *mapping) pointer(viewSize int) unsafe.Pointer {
	if s.closed {
		panic("memory mapping used after it was closed")
	}
	if viewSize > s.size {
		panic(fmt.Sprintf("a view of %d bytes does not fit in a mapping of %d bytes", viewSize, s.size))
	}

	return s.data
}

func (s *mapping) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.data = nil

	var err error
	if s.access&AccessWrite != 0 {
		_, err = s.memory.allocation.Flush(0, -1)
		if err != nil {
			err = errors.Wrap(err, "failed to flush mapped memory")
		}
	}

	return errors.CombineErrors(err, s.memory.allocation.Unmap())
}

func viewSize[T any](count int) int {
	var zero T
	return int(unsafe.Sizeof(zero)) * count
}

// ReadScope is a read-only typed view of mapped memory. Values are copied out, so nothing can be
// written through it. Close releases the mapping; using the scope afterward panics.
type ReadScope[T any] struct {
	mapping
}

// Value reads a single T from the start of the mapping
func (s *ReadScope[T]) Value() T {
	return *(*T)(s.pointer(viewSize[T](1)))
}

// Elements copies the first n values of type T out of the mapping
func (s *ReadScope[T]) Elements(n int) []T {
	ptr := s.pointer(viewSize[T](n))
	out := make([]T, n)
	copy(out, unsafe.Slice((*T)(ptr), n))
	return out
}

// Close releases the mapping. Calling it more than once is harmless.
func (s *ReadScope[T]) Close() error {
	return s.close()
}

// WriteScope is a mutable typed view of mapped memory. Writes made through Ptr or Slice are flushed
// to the device by Close, after which the view must not be touched.
type WriteScope[T any] struct {
	mapping
}

// Access is the access the scope was opened with
func (s *WriteScope[T]) Access() AccessFlags {
	return s.access
}

// Ptr points at a T at the start of the mapping
func (s *WriteScope[T]) Ptr() *T {
	return (*T)(s.pointer(viewSize[T](1)))
}

// Slice views the first n values of type T in the mapping. The slice aliases device memory and is
// only valid until Close.
func (s *WriteScope[T]) Slice(n int) []T {
	return unsafe.Slice((*T)(s.pointer(viewSize[T](n))), n)
}

// Close flushes host writes and releases the mapping. Calling it more than once is harmless.
func (s *WriteScope[T]) Close() error {
	return s.close()
}

// Map opens a read-only mapping of the memory. Device writes are made visible to the host before
// Map returns.
func Map[T any](m *Memory) (*ReadScope[T], error) {
	scope, err := openMapping(m, AccessRead)
	if err != nil {
		return nil, err
	}

	return &ReadScope[T]{mapping: scope}, nil
}

// MapMutable opens a mutable mapping of the memory with the access token A, which is either Write or
// ReadWrite. With ReadWrite, device writes are made visible to the host before MapMutable returns.
func MapMutable[T any, A WriteAccess](m *Memory) (*WriteScope[T], error) {
	var token A
	scope, err := openMapping(m, token.Flags())
	if err != nil {
		return nil, err
	}

	return &WriteScope[T]{mapping: scope}, nil
}

// ReadScoped maps the memory for reading, runs fn and releases the mapping, even if fn panics
func ReadScoped[T any](m *Memory, fn func(scope *ReadScope[T]) error) (err error) {
	scope, err := Map[T](m)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, scope.Close())
	}()

	return fn(scope)
}

// WriteScoped maps the memory with access A, runs fn and then flushes and releases the mapping, even
// if fn panics
func WriteScoped[T any, A WriteAccess](m *Memory, fn func(scope *WriteScope[T]) error) (err error) {
	scope, err := MapMutable[T, A](m)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, scope.Close())
	}()

	return fn(scope)
}
