package vecstore

import (
	"math"
	"math/rand"
	"sort"
)

// ANN candidate selection tuning.
const (
	annOverfetch     = 4
	minANNCandidates = 64
)

// hnswConfig tunes the HNSW graph.
type hnswConfig struct {
	m              int     // max connections per node
	efConstruction int     // construction search depth
	efSearch       int     // query search depth
	levelMult      float64 // level multiplier
}

func (c hnswConfig) withDefaults() hnswConfig {
	if c.m == 0 {
		c.m = 16
	}
	if c.efConstruction == 0 {
		c.efConstruction = 200
	}
	if c.efSearch == 0 {
		c.efSearch = 50
	}
	if c.levelMult == 0 {
		c.levelMult = 1.0 / math.Log(float64(c.m))
	}
	return c
}

// hnswNode is one graph node. Replaced identities leave tombstoned nodes
// behind; idToIndex is the source of truth for liveness.
type hnswNode struct {
	identity  string
	vector    []float32
	level     int
	neighbors [][]uint32 // neighbors[level] = neighbor indices
}

// hnswGraph is a Hierarchical Navigable Small World graph over note
// embeddings, keyed by file identity. It is not safe for concurrent use;
// the store serializes access.
type hnswGraph struct {
	nodes      []hnswNode
	idToIndex  map[string]uint32
	entryPoint int32 // -1 if empty
	maxLevel   int
	cfg        hnswConfig
}

func newHNSWGraph(cfg hnswConfig) *hnswGraph {
	return &hnswGraph{
		idToIndex:  make(map[string]uint32),
		entryPoint: -1,
		cfg:        cfg.withDefaults(),
	}
}

// insert adds a vector for identity. Re-inserting an identity tombstones
// the previous node and links a fresh one.
func (g *hnswGraph) insert(identity string, vector []float32) {
	level := g.randomLevel()
	idx := uint32(len(g.nodes))

	n := hnswNode{
		identity:  identity,
		vector:    vector,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	for i := range n.neighbors {
		n.neighbors[i] = make([]uint32, 0, g.cfg.m)
	}

	g.nodes = append(g.nodes, n)
	g.idToIndex[identity] = idx

	if g.entryPoint < 0 {
		g.entryPoint = int32(idx)
		g.maxLevel = level
		return
	}

	// Descend from the top level to the insertion level
	curr := uint32(g.entryPoint)
	for l := g.maxLevel; l > level; l-- {
		curr = g.greedyClosest(vector, curr, l)
	}

	// Link at each level from the insertion level down to 0
	for l := min(level, g.maxLevel); l >= 0; l-- {
		neighbors := g.searchLayer(vector, curr, g.cfg.efConstruction, l)
		g.connect(idx, neighbors, l)
		if len(neighbors) > 0 {
			curr = neighbors[0]
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entryPoint = int32(idx)
	}
}

func (g *hnswGraph) randomLevel() int {
	return int(-math.Log(rand.Float64()) * g.cfg.levelMult)
}

// distance is cosine distance; lower is more similar.
func (g *hnswGraph) distance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// greedyClosest walks level l greedily toward the query.
func (g *hnswGraph) greedyClosest(query []float32, entry uint32, level int) uint32 {
	curr := entry
	currDist := g.distance(query, g.nodes[curr].vector)

	for {
		changed := false
		if level < len(g.nodes[curr].neighbors) {
			for _, neighbor := range g.nodes[curr].neighbors[level] {
				d := g.distance(query, g.nodes[neighbor].vector)
				if d < currDist {
					curr = neighbor
					currDist = d
					changed = true
				}
			}
		}
		if !changed {
			return curr
		}
	}
}

// searchLayer explores level l with beam width ef, returning candidate
// node indices ordered roughly nearest-first.
func (g *hnswGraph) searchLayer(query []float32, entry uint32, ef, level int) []uint32 {
	visited := map[uint32]bool{entry: true}
	candidates := &distHeap{}
	results := &distHeap{}

	d := g.distance(query, g.nodes[entry].vector)
	candidates.push(distItem{idx: entry, dist: d})
	results.push(distItem{idx: entry, dist: d})

	for candidates.len() > 0 {
		curr := candidates.pop()
		if results.len() >= ef && curr.dist > results.peek().dist {
			break
		}

		if level < len(g.nodes[curr.idx].neighbors) {
			for _, neighbor := range g.nodes[curr.idx].neighbors[level] {
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true

				nd := g.distance(query, g.nodes[neighbor].vector)
				if results.len() < ef || nd < results.peek().dist {
					candidates.push(distItem{idx: neighbor, dist: nd})
					results.push(distItem{idx: neighbor, dist: nd})
					if results.len() > ef {
						results.dropFarthest()
					}
				}
			}
		}
	}

	out := make([]uint32, results.len())
	for i := range out {
		out[i] = results.items[i].idx
	}
	return out
}

// connect links idx bidirectionally to up to M neighbors at level l,
// pruning overloaded neighbor lists back to the closest M.
func (g *hnswGraph) connect(idx uint32, neighbors []uint32, level int) {
	m := g.cfg.m
	if level == 0 {
		m = g.cfg.m * 2
	}

	selected := neighbors
	if len(selected) > m {
		selected = selected[:m]
	}

	g.nodes[idx].neighbors[level] = append(g.nodes[idx].neighbors[level], selected...)
	for _, n := range selected {
		if level < len(g.nodes[n].neighbors) {
			g.nodes[n].neighbors[level] = append(g.nodes[n].neighbors[level], idx)
			if len(g.nodes[n].neighbors[level]) > m {
				g.prune(n, level, m)
			}
		}
	}
}

// prune keeps only the M closest neighbors of idx at level l.
func (g *hnswGraph) prune(idx uint32, level, m int) {
	neighbors := g.nodes[idx].neighbors[level]
	if len(neighbors) <= m {
		return
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return g.distance(g.nodes[idx].vector, g.nodes[neighbors[i]].vector) <
			g.distance(g.nodes[idx].vector, g.nodes[neighbors[j]].vector)
	})
	g.nodes[idx].neighbors[level] = neighbors[:m]
}

// annCandidate is one graph search hit with its stored vector, so callers
// can rescore exactly.
type annCandidate struct {
	identity string
	vector   []float32
}

// search returns up to k live candidates nearest the query.
func (g *hnswGraph) search(query []float32, k int) []annCandidate {
	if g.entryPoint < 0 {
		return nil
	}

	curr := uint32(g.entryPoint)
	for l := g.maxLevel; l > 0; l-- {
		curr = g.greedyClosest(query, curr, l)
	}

	ef := g.cfg.efSearch
	if ef < k {
		ef = k
	}
	indices := g.searchLayer(query, curr, ef, 0)

	sort.Slice(indices, func(i, j int) bool {
		return g.distance(query, g.nodes[indices[i]].vector) <
			g.distance(query, g.nodes[indices[j]].vector)
	})

	out := make([]annCandidate, 0, k)
	for _, idx := range indices {
		n := g.nodes[idx]
		// Skip tombstoned nodes from replaced identities
		if live, ok := g.idToIndex[n.identity]; !ok || live != idx {
			continue
		}
		out = append(out, annCandidate{identity: n.identity, vector: n.vector})
		if len(out) >= k {
			break
		}
	}
	return out
}

// len returns the number of live identities.
func (g *hnswGraph) size() int {
	return len(g.idToIndex)
}

// distItem and distHeap implement the min-heap used during layer search.
type distItem struct {
	idx  uint32
	dist float64
}

type distHeap struct {
	items []distItem
}

func (h *distHeap) len() int { return len(h.items) }

func (h *distHeap) push(item distItem) {
	h.items = append(h.items, item)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].dist >= h.items[parent].dist {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *distHeap) pop() distItem {
	item := h.items[0]
	h.items[0] = h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	h.bubbleDown(0)
	return item
}

// peek returns the farthest item currently held, used to bound the beam.
func (h *distHeap) peek() distItem {
	maxIdx := 0
	for i := 1; i < len(h.items); i++ {
		if h.items[i].dist > h.items[maxIdx].dist {
			maxIdx = i
		}
	}
	return h.items[maxIdx]
}

func (h *distHeap) dropFarthest() {
	if len(h.items) == 0 {
		return
	}
	maxIdx := 0
	for i := 1; i < len(h.items); i++ {
		if h.items[i].dist > h.items[maxIdx].dist {
			maxIdx = i
		}
	}
	h.items = append(h.items[:maxIdx], h.items[maxIdx+1:]...)
}

func (h *distHeap) bubbleDown(i int) {
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < len(h.items) && h.items[left].dist < h.items[smallest].dist {
			smallest = left
		}
		if right < len(h.items) && h.items[right].dist < h.items[smallest].dist {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}
