package ws

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDedupWindow(t *testing.T) {
	w := NewDedupWindow()

	w.Add(1000.25)
	w.Add(2000.5)
	if !w.Has(1000.25) || !w.Has(2000.5) {
		t.Fatal("expected added ids to be remembered")
	}
	if w.Has(1000) {
		t.Error("expected unrelated id to be absent")
	}

	// The threshold itself is kept
	if n := w.Prune(2000.5); n != 1 {
		t.Errorf("expected 1 pruned id, got %d", n)
	}
	if w.Has(1000.25) {
		t.Error("expected id below threshold to be pruned")
	}
	if !w.Has(2000.5) {
		t.Error("expected id at threshold to survive")
	}
	if w.Len() != 1 {
		t.Errorf("expected 1 id, got %d", w.Len())
	}
}

func TestDedupWindowPruneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("prune keeps exactly the ids at or above the threshold", prop.ForAll(
		func(ids []float64, threshold float64) bool {
			w := NewDedupWindow()
			for _, id := range ids {
				w.Add(id)
			}

			w.Prune(threshold)

			for _, id := range ids {
				if w.Has(id) != (id >= threshold) {
					return false
				}
			}
			for id := range w.ids {
				if id < threshold {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1e6)),
		gen.Float64Range(0, 1e6),
	))

	properties.Property("prune count matches removed ids", prop.ForAll(
		func(ids []float64, threshold float64) bool {
			w := NewDedupWindow()
			for _, id := range ids {
				w.Add(id)
			}
			before := w.Len()
			n := w.Prune(threshold)
			return before-n == w.Len()
		},
		gen.SliceOf(gen.Float64Range(0, 1e6)),
		gen.Float64Range(0, 1e6),
	))

	properties.TestingRun(t)
}
