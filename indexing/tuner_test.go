package indexing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testMaxBytes = int64(1 << 20)

func TestBatchTuner_GrowsOnFullBatches(t *testing.T) {
	tuner := NewBatchTuner(4, 16, testMaxBytes, 100, func() int64 { return 1000 })
	assert.Equal(t, FetchLimits{MaxDocs: 4, MaxBytes: testMaxBytes}, tuner.Recommend())

	tuner.Observe(4, 4096, 4*time.Millisecond)
	assert.Equal(t, 8, tuner.Recommend().MaxDocs)

	tuner.Observe(8, 8192, 8*time.Millisecond)
	assert.Equal(t, 16, tuner.Recommend().MaxDocs)

	tuner.Observe(16, 16384, 16*time.Millisecond)
	assert.Equal(t, 16, tuner.Recommend().MaxDocs, "capped at the maximum")
}

func TestBatchTuner_StopsGrowingWhenMemoryTight(t *testing.T) {
	mem := int64(1000)
	tuner := NewBatchTuner(4, 16, testMaxBytes, 100, func() int64 { return mem })

	tuner.Observe(4, 4096, 4*time.Millisecond)
	assert.Equal(t, 8, tuner.Recommend().MaxDocs, "modest batches may always grow")

	mem = 50
	tuner.Observe(8, 8192, 8*time.Millisecond)
	assert.Equal(t, 8, tuner.Recommend().MaxDocs)
}

func TestBatchTuner_BacksOffOnSlowdown(t *testing.T) {
	tuner := NewBatchTuner(4, 16, testMaxBytes, 100, func() int64 { return 1000 })

	tuner.Observe(4, 4096, 4*time.Millisecond)
	assert.Equal(t, 8, tuner.Recommend().MaxDocs)

	tuner.Observe(8, 8192, 80*time.Millisecond)
	assert.Equal(t, 4, tuner.Recommend().MaxDocs, "a per-document slowdown halves the batch")
}

func TestBatchTuner_ShrinksOnQuietStream(t *testing.T) {
	tuner := NewBatchTuner(4, 16, testMaxBytes, 100, func() int64 { return 1000 })

	tuner.Observe(4, 4096, 4*time.Millisecond)
	assert.Equal(t, 8, tuner.Recommend().MaxDocs)

	tuner.Observe(1, 10, time.Millisecond)
	assert.Equal(t, 4, tuner.Recommend().MaxDocs)

	tuner.Observe(1, 10, time.Millisecond)
	assert.Equal(t, 4, tuner.Recommend().MaxDocs, "never below the initial size")
}

func TestBatchTuner_IgnoresEmptyCycles(t *testing.T) {
	tuner := NewBatchTuner(4, 16, testMaxBytes, 100, func() int64 { return 1000 })
	tuner.Observe(0, 0, time.Second)
	assert.Equal(t, 4, tuner.Recommend().MaxDocs)
}
