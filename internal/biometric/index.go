package biometric

import (
	"sort"
	"strconv"
	"sync"

	"github.com/coder/hnsw"
)

const (
	hnswMaxNeighbors     = 16
	hnswEfSearch         = 100
	hnswSearchMultiplier = 3
)

// Candidate is one identification hit ranked by cosine similarity.
type Candidate struct {
	ID         string  `json:"identity_id"`
	Similarity float64 `json:"similarity"`
}

// Entry is an indexed embedding keyed by identity.
type Entry struct {
	ID     string
	Vector []float32
}

// Index answers top-k nearest identity queries over active enrollments.
type Index interface {
	Rebuild(entries []Entry)
	Upsert(id string, vec []float32)
	Remove(id string)
	Search(query []float32, k int, minSimilarity float64) []Candidate
	Len() int
}

// HNSWIndex is an in-memory approximate index. Hits are re-scored with exact
// cosine before thresholding so recall loss never admits a weaker match.
//
// Graph nodes are never deleted: a replaced or removed identity leaves a
// tombstone that Search filters out, and the graph is rebuilt from the live
// vectors once tombstones outnumber them. All vectors share the dimension of
// the first one indexed; others are skipped.
type HNSWIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	dim     int
	seq     uint64
	vectors map[string][]float32
	keys    map[string]string // identity -> live graph key
	owners  map[string]string // graph key -> identity
}

// NewHNSWIndex returns an empty index.
func NewHNSWIndex() *HNSWIndex {
	h := &HNSWIndex{}
	h.reset()
	return h
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

func (h *HNSWIndex) reset() {
	h.graph = newGraph()
	h.dim = 0
	h.vectors = make(map[string][]float32)
	h.keys = make(map[string]string)
	h.owners = make(map[string]string)
}

// Rebuild replaces the index contents. When entries disagree on dimension
// the most common one wins.
func (h *HNSWIndex) Rebuild(entries []Entry) {
	latest := make(map[string][]float32, len(entries))
	order := make([]string, 0, len(entries))
	counts := make(map[int]int)
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if _, seen := latest[e.ID]; !seen {
			order = append(order, e.ID)
		}
		latest[e.ID] = e.Vector
	}
	dim := 0
	for _, id := range order {
		d := len(latest[id])
		counts[d]++
		if counts[d] > counts[dim] {
			dim = d
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.reset()
	for _, id := range order {
		if vec := latest[id]; len(vec) == dim {
			h.insert(id, Normalize(vec))
		}
	}
}

// insert adds a fresh graph node for id. Callers hold the write lock and have
// checked the dimension.
func (h *HNSWIndex) insert(id string, norm []float32) {
	if h.dim == 0 {
		h.dim = len(norm)
	}
	if old, ok := h.keys[id]; ok {
		delete(h.owners, old)
	}
	h.seq++
	key := id + "#" + strconv.FormatUint(h.seq, 10)
	h.graph.Add(hnsw.MakeNode(key, norm))
	h.keys[id] = key
	h.owners[key] = id
	h.vectors[id] = norm
}

// Upsert adds or replaces the vector for id. A vector whose dimension differs
// from the indexed one is ignored.
func (h *HNSWIndex) Upsert(id string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	norm := Normalize(vec)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dim != 0 && len(norm) != h.dim {
		if len(h.vectors) > 1 || h.vectors[id] == nil {
			return
		}
		// id is the only live entry, so its replacement may change the dimension.
		h.reset()
	}
	h.insert(id, norm)
	h.compact()
}

// Remove drops id from the index.
func (h *HNSWIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := h.keys[id]
	if !ok {
		return
	}
	delete(h.owners, key)
	delete(h.keys, id)
	delete(h.vectors, id)
	h.compact()
}

// compact rebuilds the graph when tombstones outnumber live nodes.
func (h *HNSWIndex) compact() {
	if len(h.vectors) == 0 {
		h.reset()
		return
	}
	if h.graph.Len()-len(h.owners) <= len(h.owners) {
		return
	}
	live := h.vectors
	h.reset()
	for id, vec := range live {
		h.insert(id, vec)
	}
}

// Search returns at most k candidates with similarity >= minSimilarity,
// best first. A query of a different dimension matches nothing.
func (h *HNSWIndex) Search(query []float32, k int, minSimilarity float64) []Candidate {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.vectors) == 0 || len(query) != h.dim {
		return nil
	}

	tombstones := h.graph.Len() - len(h.owners)
	searchK := k*hnswSearchMultiplier + tombstones
	if searchK > h.graph.Len() {
		searchK = h.graph.Len()
	}
	q := Normalize(query)
	nodes := h.graph.Search(q, searchK)

	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		id, live := h.owners[n.Key]
		if !live {
			continue
		}
		sim, ok := CosineChecked(q, h.vectors[id])
		if !ok || sim < minSimilarity {
			continue
		}
		out = append(out, Candidate{ID: id, Similarity: sim})
	}
	return rank(out, k)
}

// Len returns the number of indexed identities.
func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.vectors)
}

// LinearIndex scans every vector. It is exact and fine for small populations.
type LinearIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewLinearIndex returns an empty exact index.
func NewLinearIndex() *LinearIndex {
	return &LinearIndex{vectors: make(map[string][]float32)}
}

// Rebuild replaces the index contents.
func (l *LinearIndex) Rebuild(entries []Entry) {
	vectors := make(map[string][]float32, len(entries))
	for _, e := range entries {
		if len(e.Vector) > 0 {
			vectors[e.ID] = e.Vector
		}
	}
	l.mu.Lock()
	l.vectors = vectors
	l.mu.Unlock()
}

// Upsert adds or replaces the vector for id.
func (l *LinearIndex) Upsert(id string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	l.mu.Lock()
	l.vectors[id] = vec
	l.mu.Unlock()
}

// Remove drops id from the index.
func (l *LinearIndex) Remove(id string) {
	l.mu.Lock()
	delete(l.vectors, id)
	l.mu.Unlock()
}

// Search returns at most k candidates with similarity >= minSimilarity,
// best first.
func (l *LinearIndex) Search(query []float32, k int, minSimilarity float64) []Candidate {
	if k <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Candidate, 0)
	for id, vec := range l.vectors {
		sim, ok := CosineChecked(query, vec)
		if !ok || sim < minSimilarity {
			continue
		}
		out = append(out, Candidate{ID: id, Similarity: sim})
	}
	return rank(out, k)
}

// Len returns the number of indexed identities.
func (l *LinearIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vectors)
}

// rank sorts by similarity descending (ties by id for determinism) and trims to k.
func rank(c []Candidate, k int) []Candidate {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ID < c[j].ID
	})
	if len(c) > k {
		c = c[:k]
	}
	return c
}
