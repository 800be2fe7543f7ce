// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"math"

	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
)

// Occupancy is the estimated usage of the GPU by a kernel.
type Occupancy struct {
	// Occupancy is the fraction of the warp slots of a streaming multiprocessor in use.
	Occupancy cost.Value

	// ActiveThreads per streaming multiprocessor.
	ActiveThreads cost.Value

	// ActiveSMs is the number of streaming multiprocessors with work.
	ActiveSMs cost.Value

	// NumRegs is the number of registers available per thread.
	NumRegs cost.Value
}

// maxRegsPerThreadUsed caps the registers assumed available to each thread.
const maxRegsPerThreadUsed = 64

func roundUp(x, unit float64) float64 {
	return math.Ceil(x/unit) * unit
}

func roundDown(x, unit float64) float64 {
	return math.Floor(x/unit) * unit
}

// EstimateOccupancy of a kernel launching nBlocks blocks of the given number of threads, each
// using sharedMem bytes of shared memory. All results are unknown if any input is unknown.
func EstimateOccupancy(gpu machine.GPUParams, threads, sharedMem, nBlocks cost.Value) Occupancy {
	nThreads, ok1 := threads.Get()
	shared, ok2 := sharedMem.Get()
	blocks, ok3 := nBlocks.Get()
	if !ok1 || !ok2 || !ok3 || nThreads <= 0 || gpu.LimitWarpsPerSM <= 0 || gpu.LimitThreadsPerWarp <= 0 {
		return Occupancy{}
	}

	numRegs := math.Floor(math.Min(gpu.MaxRegsPerThread, gpu.TotalRegsPerSM/nThreads))
	numRegs = min(max(numRegs, 1), maxRegsPerThreadUsed)
	warpsPerBlock := math.Ceil(nThreads / gpu.LimitThreadsPerWarp)
	shmemPerBlock := math.Max(shared, gpu.MinSharedMemUnit)

	groupLimitRegs := roundDown(gpu.MaxRegsPerBlock/roundUp(numRegs*gpu.LimitThreadsPerWarp, gpu.RegAllocUnitSize),
		gpu.WarpAllocGranularity)
	blockWarps := math.Min(gpu.MaxBlocksPerSM, math.Floor(gpu.LimitWarpsPerSM/warpsPerBlock))
	blockRegs := math.Floor(groupLimitRegs/warpsPerBlock) * math.Floor(gpu.TotalRegsPerSM/gpu.MaxRegsPerBlock)
	blockShmem := math.Floor(gpu.LimitSharedMemPerSM / shmemPerBlock)

	var activeBlocksPerSM float64
	switch {
	case blockWarps <= blockRegs && blockWarps <= blockShmem:
		activeBlocksPerSM = blockWarps
	case blockRegs <= blockWarps && blockRegs <= blockShmem:
		activeBlocksPerSM = blockRegs
	default:
		activeBlocksPerSM = blockShmem
	}

	activeWarps := activeBlocksPerSM * warpsPerBlock
	result := Occupancy{
		Occupancy:     cost.Of(activeWarps / gpu.LimitWarpsPerSM),
		ActiveThreads: cost.Of(math.Min(activeWarps*math.Min(nThreads, gpu.LimitThreadsPerWarp), gpu.LimitThreadsPerSM)),
		NumRegs:       cost.Of(numRegs),
	}
	perSM := cost.Of(activeBlocksPerSM)
	activeBlocks := cost.Of(blocks).Div(perSM).Floor().Min(perSM)
	result.ActiveSMs = cost.Of(gpu.NumSM).Min(activeBlocks.Mul(cost.Of(gpu.NumSM)))
	return result
}
