package anomaly

import (
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649015329

// Node is one isolation tree node. Leaves have Left == -1 and keep the
// number of training samples that reached them.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int32   `json:"l"`
	Right   int32   `json:"r"`
	Size    int     `json:"n"`
}

// Tree is a flattened isolation tree; the root is Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// pathLength returns the depth at which x is isolated, extended by the
// expected depth of the remaining samples at the leaf.
func (t *Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] <= n.Split {
			i = int(n.Left)
		} else {
			i = int(n.Right)
		}
		depth++
	}
}

// averagePathLength is c(n), the mean depth of an unsuccessful search in a
// binary search tree of n items.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
}

type treeBuilder struct {
	rng      *rand.Rand
	data     [][]float64
	maxDepth int
	nodes    []Node
}

func (b *treeBuilder) build(idx []int, depth int) int32 {
	pos := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(idx)})
	if depth >= b.maxDepth || len(idx) <= 1 {
		return pos
	}

	for _, f := range b.rng.Perm(len(b.data[idx[0]])) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.data[i][f]
			lo, hi = min(lo, v), max(hi, v)
		}
		if lo == hi {
			continue
		}
		split := lo + b.rng.Float64()*(hi-lo)

		// Partition idx in place: left holds values <= split.
		k := 0
		for j, i := range idx {
			if b.data[i][f] <= split {
				idx[k], idx[j] = idx[j], idx[k]
				k++
			}
		}
		left := b.build(idx[:k], depth+1)
		right := b.build(idx[k:], depth+1)
		b.nodes[pos] = Node{Feature: f, Split: split, Left: left, Right: right, Size: len(idx)}
		return pos
	}
	// Every feature is constant across these samples.
	return pos
}

// growForest builds trees isolation trees over data, each on a subsample
// drawn without replacement. It returns the trees and the subsample size
// actually used.
func growForest(data [][]float64, trees, subsample int, seed uint64) ([]Tree, int) {
	psi := min(subsample, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	forest := make([]Tree, 0, trees)
	for range trees {
		sample := rng.Perm(len(data))[:psi]
		b := &treeBuilder{rng: rng, data: data, maxDepth: maxDepth}
		b.build(sample, 0)
		forest = append(forest, Tree{Nodes: b.nodes})
	}
	return forest, psi
}

// isolationScore is s(x) = 2^(-E[h(x)] / c(psi)), in (0, 1]; values near 1
// isolate quickly and are anomalous.
func isolationScore(forest []Tree, psi int, x []float64) float64 {
	if len(forest) == 0 {
		return 0
	}
	total := 0.0
	for i := range forest {
		total += forest[i].pathLength(x)
	}
	mean := total / float64(len(forest))
	c := averagePathLength(psi)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// quantile returns the q-quantile of values with linear interpolation.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
