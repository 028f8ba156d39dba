package vectorstore

import (
	"container/heap"
	"math"
	"sort"
)

const (
	// Manuals with fewer passages than this are scanned exhaustively;
	// the coarse quantizer only pays off on larger collections.
	defaultFlatThreshold = 2000
	// Coarse lists probed per query on quantized indexes.
	defaultNProbe = 8
	// Lloyd iterations when training the coarse quantizer.
	kmeansIterations = 10
)

// candidate is a passage id with its cosine distance to the query.
type candidate struct {
	id       string
	distance float32
}

// manualIndex answers nearest-neighbor queries for one manual's passages.
// Queries must be unit-normalized.
type manualIndex interface {
	search(query []float32, k int) []candidate
	size() int
}

// buildIndex picks an index structure for the given vectors. Vectors are
// unit-normalized once here so every later comparison is a dot product.
func buildIndex(ids []string, vecs [][]float32, flatThreshold, nprobe int) manualIndex {
	unit := make([][]float32, len(vecs))
	for i, v := range vecs {
		unit[i] = unitNorm(v)
	}
	if flatThreshold <= 0 {
		flatThreshold = defaultFlatThreshold
	}
	if len(ids) < flatThreshold {
		return &flatIndex{ids: ids, vecs: unit}
	}
	return buildIVF(ids, unit, nprobe)
}

// flatIndex is an exact brute-force scan.
type flatIndex struct {
	ids  []string
	vecs [][]float32
}

func (f *flatIndex) size() int { return len(f.ids) }

func (f *flatIndex) search(query []float32, k int) []candidate {
	h := newBoundedHeap(k)
	for i, v := range f.vecs {
		h.offer(candidate{id: f.ids[i], distance: cosineDistance(query, v)})
	}
	return h.ascending()
}

// ivfIndex is an inverted-file index: vectors are bucketed under the nearest
// of ~sqrt(n) centroids and only the nprobe closest buckets are scanned per
// query. Results are approximate; recall rises with nprobe.
type ivfIndex struct {
	centroids [][]float32
	lists     [][]int
	ids       []string
	vecs      [][]float32
	nprobe    int
}

func buildIVF(ids []string, unit [][]float32, nprobe int) *ivfIndex {
	n := len(unit)
	nlist := int(math.Round(math.Sqrt(float64(n))))
	if nlist < 1 {
		nlist = 1
	}
	if nlist > n {
		nlist = n
	}
	if nprobe <= 0 {
		nprobe = defaultNProbe
	}
	if nprobe > nlist {
		nprobe = nlist
	}

	// Deterministic seeding: evenly spaced vectors.
	centroids := make([][]float32, nlist)
	for i := range centroids {
		src := unit[i*n/nlist]
		c := make([]float32, len(src))
		copy(c, src)
		centroids[i] = c
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansIterations; iter++ {
		for i, v := range unit {
			assign[i] = nearestCentroid(centroids, v)
		}
		// Spherical k-means update: mean of members, re-normalized.
		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i, v := range unit {
			c := assign[i]
			if sums[c] == nil {
				sums[c] = make([]float64, len(v))
			}
			for j, x := range v {
				sums[c][j] += float64(x)
			}
			counts[c]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			mean := make([]float32, len(sums[c]))
			for j, x := range sums[c] {
				mean[j] = float32(x / float64(counts[c]))
			}
			centroids[c] = unitNorm(mean)
		}
	}

	lists := make([][]int, nlist)
	for i, v := range unit {
		c := nearestCentroid(centroids, v)
		lists[c] = append(lists[c], i)
	}

	return &ivfIndex{centroids: centroids, lists: lists, ids: ids, vecs: unit, nprobe: nprobe}
}

func (idx *ivfIndex) size() int { return len(idx.ids) }

func (idx *ivfIndex) search(query []float32, k int) []candidate {
	type rankedList struct {
		list     int
		distance float32
	}
	ranked := make([]rankedList, len(idx.centroids))
	for i, c := range idx.centroids {
		ranked[i] = rankedList{list: i, distance: cosineDistance(query, c)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })

	probes := idx.nprobe
	if probes > len(ranked) {
		probes = len(ranked)
	}

	h := newBoundedHeap(k)
	for _, r := range ranked[:probes] {
		for _, i := range idx.lists[r.list] {
			h.offer(candidate{id: idx.ids[i], distance: cosineDistance(query, idx.vecs[i])})
		}
	}
	return h.ascending()
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := cosineDistance(v, c); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// boundedHeap keeps the k smallest-distance candidates seen so far. It is a
// max-heap on distance, so the root is the current worst keeper.
type boundedHeap struct {
	items candidateHeap
	k     int
}

func newBoundedHeap(k int) *boundedHeap {
	if k < 1 {
		k = 1
	}
	return &boundedHeap{k: k}
}

func (b *boundedHeap) offer(c candidate) {
	if b.items.Len() < b.k {
		heap.Push(&b.items, c)
		return
	}
	if c.distance < b.items[0].distance {
		b.items[0] = c
		heap.Fix(&b.items, 0)
	}
}

// ascending drains the heap into a distance-ascending slice.
func (b *boundedHeap) ascending() []candidate {
	out := make([]candidate, b.items.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&b.items).(candidate)
	}
	return out
}

type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].distance > h[j].distance }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// unitNorm returns a unit-length copy of v. Zero vectors come back zeroed,
// which puts them at distance 1 from everything.
func unitNorm(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

// cosineDistance is 1 - dot(a, b) for unit vectors, lower is closer.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(1 - dot)
}
