package ws

// DedupWindow is the set of message ids already delivered on one session.
// It is owned by a single delivery loop and is not safe for concurrent use.
type DedupWindow struct {
	ids map[float64]struct{}
}

// NewDedupWindow returns an empty window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{ids: make(map[float64]struct{})}
}

// Has reports whether id was delivered.
func (w *DedupWindow) Has(id float64) bool {
	_, ok := w.ids[id]
	return ok
}

// Add records id as delivered.
func (w *DedupWindow) Add(id float64) {
	w.ids[id] = struct{}{}
}

// Prune drops every id strictly below threshold and returns how many were
// dropped.
func (w *DedupWindow) Prune(threshold float64) int {
	n := 0
	for id := range w.ids {
		if id < threshold {
			delete(w.ids, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered ids.
func (w *DedupWindow) Len() int {
	return len(w.ids)
}
