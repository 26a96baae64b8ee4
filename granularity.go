package respool

// bufferOnlyGranularity is the granularity handler for suballocated blocks. Images are always given dedicated
// memory, so a block only ever holds linear resources and bufferImageGranularity can never separate two
// neighbors.
type bufferOnlyGranularity struct{}

func (g bufferOnlyGranularity) AllocPages(allocType uint32, offset, size int) {}
func (g bufferOnlyGranularity) FreePages(offset, size int)                    {}
func (g bufferOnlyGranularity) Clear()                                        {}

func (g bufferOnlyGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}

func (g bufferOnlyGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}

func (g bufferOnlyGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}

func (g bufferOnlyGranularity) StartValidation() any {
	return nil
}

func (g bufferOnlyGranularity) Validate(ctx any, offset, size int) error {
	return nil
}

func (g bufferOnlyGranularity) FinishValidation(ctx any) error {
	return nil
}
