package indexing

import (
	"sync"
	"time"

	"github.com/drpcorg/sklad/utils"
)

// BatchTuner adapts the recommended batch size between an initial and a
// maximum bound: full batches grow it while memory allows, quiet streams
// and sudden slowdowns shrink it back.
type BatchTuner struct {
	initial       int
	max           int
	maxBytes      int64
	growThreshold int64
	probe         MemoryProbe

	lock   sync.Mutex
	size   int
	perDoc utils.AvgVal // microseconds per document
}

func NewBatchTuner(initial, max int, maxBytes, growThreshold int64, probe MemoryProbe) *BatchTuner {
	if initial < 1 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	return &BatchTuner{
		initial:       initial,
		max:           max,
		maxBytes:      maxBytes,
		growThreshold: growThreshold,
		probe:         probe,
		size:          initial,
	}
}

func (t *BatchTuner) Recommend() FetchLimits {
	t.lock.Lock()
	defer t.lock.Unlock()
	return FetchLimits{MaxDocs: t.size, MaxBytes: t.maxBytes}
}

// Observe folds one cycle in: how many documents were fetched, their
// serialized size and how long indexing them took.
func (t *BatchTuner) Observe(docCount int, bytes int64, took time.Duration) {
	if docCount <= 0 {
		return
	}
	perDoc := float64(took.Microseconds()) / float64(docCount)
	mean := t.perDoc.Val()
	seen := t.perDoc.Count()
	t.perDoc.Add(perDoc)

	t.lock.Lock()
	defer t.lock.Unlock()
	switch {
	case seen > 0 && perDoc > 2*mean:
		// load spike: back off before the cycle stalls
		t.size = utils.Clamp(t.size/2, t.initial, t.max)
	case docCount >= t.size && t.canGrow():
		t.size = utils.Clamp(t.size*2, t.initial, t.max)
	case docCount < t.size/4 && (t.maxBytes <= 0 || bytes < t.maxBytes/4):
		// the stream dried up on both axes, no point in big batches
		t.size = utils.Clamp(t.size/2, t.initial, t.max)
	}
}

// canGrow mirrors the speculation gate: modest batches may always grow,
// larger ones only while the probe reports memory above the threshold.
func (t *BatchTuner) canGrow() bool {
	if t.size <= t.initial {
		return true
	}
	if t.probe == nil {
		return false
	}
	return t.probe() > t.growThreshold
}
