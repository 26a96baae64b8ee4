package respool

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
)

// ResourceStats counts the resources of one kind that a Pool owns
type ResourceStats struct {
	// Total is every resource of this kind the pool currently owns
	Total int
	// InUse is the number of resources checked out to callers
	InUse int
	// Free is the number of idle resources waiting to be reused
	Free int
}

// PoolStats is a snapshot of the resources owned by a Pool and the memory behind them
type PoolStats struct {
	Buffers   ResourceStats
	Images    ResourceStats
	Fences    ResourceStats
	Samplers  int
	Allocator AllocatorStatistics
}

// Stats gathers the current counts of every resource kind along with detailed allocator statistics
func (p *Pool) Stats() PoolStats {
	var stats PoolStats

	stats.Buffers = ResourceStats{
		Total: len(p.buffers.entries),
		InUse: p.buffers.inUseCount(),
		Free:  freeCount(p.freeBuffers),
	}
	stats.Images = ResourceStats{
		Total: len(p.images.entries),
		InUse: p.images.inUseCount(),
		Free:  freeCount(p.freeImages),
	}
	stats.Fences = ResourceStats{
		Total: len(p.fences.entries),
		InUse: len(p.inUseFences),
		Free:  len(p.freeFences),
	}
	stats.Samplers = p.samplers.Len()
	p.allocator.CalculateStatistics(&stats.Allocator)

	return stats
}

func writeResourceStats(obj *jwriter.ObjectState, name string, stats ResourceStats) {
	resourceObj := obj.Name(name).Object()
	defer resourceObj.End()

	resourceObj.Name("Total").Int(stats.Total)
	resourceObj.Name("InUse").Int(stats.InUse)
	resourceObj.Name("Free").Int(stats.Free)
}

func writeDetailedStatistics(obj *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		obj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString renders Stats as JSON. With detailedMap set, every device memory block the allocator
// owns is included as well.
func (p *Pool) BuildStatsString(detailedMap bool) string {
	stats := p.Stats()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	writeResourceStats(&obj, "Buffers", stats.Buffers)
	writeResourceStats(&obj, "Images", stats.Images)
	writeResourceStats(&obj, "Fences", stats.Fences)
	obj.Name("Samplers").Int(stats.Samplers)

	allocatorObj := obj.Name("Allocator").Object()

	totalObj := allocatorObj.Name("Total").Object()
	writeDetailedStatistics(&totalObj, &stats.Allocator.Total)
	totalObj.End()

	heapCount := p.allocator.deviceMemory.MemoryHeapCount()
	heapsObj := allocatorObj.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapObj := heapsObj.Name(strconv.Itoa(heapIndex)).Object()
		writeDetailedStatistics(&heapObj, &stats.Allocator.MemoryHeaps[heapIndex])
		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		p.allocator.printDetailedMap(&allocatorObj)
	}

	allocatorObj.End()
	obj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(obj *jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	typesObj := obj.Name("MemoryTypes").Object()
	defer typesObj.End()

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blocks := a.blocks[typeIndex]
		dedicated := a.dedicatedAllocations[typeIndex]
		if len(blocks) == 0 && (dedicated == nil || dedicated.Count() == 0) {
			continue
		}

		typeObj := typesObj.Name(strconv.Itoa(typeIndex)).Object()
		typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

		blocksObj := typeObj.Name("Blocks").Object()
		for _, block := range blocks {
			blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()
			blockObj.Name("MapReferences").Int(block.memory.References())
			block.metadata.BlockJsonData(blockObj)
			blockObj.End()
		}
		blocksObj.End()

		dedicatedArr := typeObj.Name("DedicatedAllocations").Array()
		if dedicated != nil {
			dedicated.Iter(func(alloc *Allocation, _ struct{}) bool {
				allocObj := dedicatedArr.Object()
				allocObj.Name("Size").Int(alloc.size)
				allocObj.Name("MapCount").Int(alloc.mapCount)
				allocObj.End()
				return false
			})
		}
		dedicatedArr.End()

		typeObj.End()
	}
}
