// Package consistenthash places keys (guild ids) on cluster nodes so that every
// instance agrees on a guild's home node without coordination.
package consistenthash

import (
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/twmb/murmur3"
)

// Hash maps bytes onto the ring.
type Hash func(data []byte) uint32

const defaultReplicas = 64

type point struct {
	hash uint32
	node string
}

// Ring is safe for concurrent use.
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int
	points   []point // 按 (hash, node) 排序，冲突时结果仍然确定
	nodes    map[string]struct{}
}

// New returns an empty ring. replicas <= 0 selects the default number of
// virtual nodes per node; a nil fn selects murmur3.
func New(replicas int, fn Hash) *Ring {
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	if fn == nil {
		fn = murmur3.Sum32
	}
	return &Ring{
		hash:     fn,
		replicas: replicas,
		nodes:    make(map[string]struct{}),
	}
}

func virtualKey(node string, i int) []byte {
	return []byte(node + "#" + strconv.Itoa(i))
}

// Add places nodes on the ring. Empty and duplicate names are ignored.
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := false
	for _, node := range nodes {
		if node == "" {
			continue
		}
		if _, ok := r.nodes[node]; ok {
			continue
		}
		r.nodes[node] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			r.points = append(r.points, point{hash: r.hash(virtualKey(node, i)), node: node})
		}
		added = true
	}
	if added {
		slices.SortFunc(r.points, comparePoints)
	}
}

// Remove takes nodes off the ring; keys they owned move to their successors.
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gone := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok {
			delete(r.nodes, node)
			gone[node] = struct{}{}
		}
	}
	if len(gone) == 0 {
		return
	}
	r.points = slices.DeleteFunc(r.points, func(p point) bool {
		_, ok := gone[p.node]
		return ok
	})
}

// Get returns the node owning key, or "" when the ring is empty.
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return ""
	}
	return r.points[r.search(r.hash([]byte(key)))].node
}

// GetN returns up to n distinct nodes for key, starting with its owner.
func (r *Ring) GetN(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > len(r.nodes) {
		n = len(r.nodes)
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := r.search(r.hash([]byte(key)))
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		node := r.points[(start+i)%len(r.points)].node
		if !slices.Contains(out, node) {
			out = append(out, node)
		}
	}
	return out
}

// search 返回第一个 hash >= h 的位置，越过末尾时回到 0
func (r *Ring) search(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		return 0
	}
	return idx
}

// Nodes returns the member nodes in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		out = append(out, node)
	}
	slices.Sort(out)
	return out
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func comparePoints(a, b point) int {
	switch {
	case a.hash < b.hash:
		return -1
	case a.hash > b.hash:
		return 1
	case a.node < b.node:
		return -1
	case a.node > b.node:
		return 1
	}
	return 0
}
