package respool

import "github.com/dolthub/swiss"

// owned pairs a pooled resource with the function that tears it down, so the pool can destroy every
// kind of resource the same way
type owned[T any] struct {
	value   T
	destroy func(T) error
	inUse   bool
}

// arena holds every resource of one kind a Pool has created. Entries are addressed by index and
// never move until destroyAll runs.
type arena[T comparable] struct {
	entries []owned[T]
	indices *swiss.Map[T, int]
}

func newArena[T comparable](reserve int) arena[T] {
	return arena[T]{
		entries: make([]owned[T], 0, reserve),
		indices: swiss.NewMap[T, int](uint32(reserve)),
	}
}

func (a *arena[T]) add(value T, destroy func(T) error) int {
	index := len(a.entries)
	a.entries = append(a.entries, owned[T]{value: value, destroy: destroy})
	a.indices.Put(value, index)
	return index
}

func (a *arena[T]) indexOf(value T) (int, bool) {
	return a.indices.Get(value)
}

func (a *arena[T]) inUseCount() int {
	count := 0
	for i := range a.entries {
		if a.entries[i].inUse {
			count++
		}
	}
	return count
}

// destroyAll tears down every entry, in use or not. Entries whose teardown failed stay in the arena,
// idle, so a later destroyAll retries them.
func (a *arena[T]) destroyAll() []error {
	var errs []error
	kept := 0
	for i := range a.entries {
		entry := a.entries[i]
		err := entry.destroy(entry.value)
		if err != nil {
			errs = append(errs, err)
			entry.inUse = false
			a.entries[kept] = entry
			kept++
		}
	}

	var zero owned[T]
	for i := kept; i < len(a.entries); i++ {
		a.entries[i] = zero
	}
	a.entries = a.entries[:kept]

	a.indices.Clear()
	for i := range a.entries {
		a.indices.Put(a.entries[i].value, i)
	}
	return errs
}
