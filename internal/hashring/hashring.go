// Package hashring implements the pod/cap/scatter consistent hash ring
// used to place an object's erasure blocks across the physical substrate.
// This is the external collaborator named by §4.2.2 and §6 of the spec
// ("Pod/cap/scatter are chosen by hashing the object name through three
// independent hash rings"); it is reimplemented here (rather than treated
// as an opaque dependency) because the datastream core calls it directly
// on every object-placement decision.
package hashring

import (
	"errors"
	"sort"
	"strconv"
)

// DefaultWeight mirrors the original's DEFAULT_WEIGHT: the number of
// virtual-node tickets assigned per unit of node weight.
const DefaultWeight = 2800

// id is a 128-bit hash identifier, split into independent high/low 64-bit
// halves the way the original's ID128 toggle did at compile time. Go has
// no compile-time width toggle worth reproducing, so this type always
// carries both halves; a caller that only wants 64 bits of entropy can
// ignore Lo.
type id struct {
	Hi uint64
	Lo uint64
}

// compareID performs an explicit three-way comparison of two 128-bit
// identifiers. This is the fixed form of the original's compare_id: the
// C chain of `if/else if` branches left the "both halves equal" case
// reachable without an enclosing return, so the compiler could not prove
// every path returned a value. Here every branch returns.
func compareID(a, b id) int {
	if a.Hi > b.Hi {
		return 1
	}
	if a.Hi < b.Hi {
		return -1
	}
	// a.Hi == b.Hi
	if a.Lo > b.Lo {
		return 1
	}
	if a.Lo < b.Lo {
		return -1
	}
	return 0
}

// PolyHash computes a uniform hash of s by treating each byte as a
// coefficient of a degree-len(s) polynomial evaluated at x=33 via
// Horner's rule, exactly as the original's polyhash.
func PolyHash(s string) uint64 {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = h*33 + uint64(s[i])
	}
	return h
}

// Ha computes h(x) = (a*x) >> 32, a 2-universal hash family member; a
// should be chosen pseudo-randomly by the caller (the ring uses fixed
// node/key seeds, mirroring NODE_SEED/KEY_SEED).
func Ha(key, a uint64) uint64 {
	return (a * key) >> 32
}

func identifier(seed uint64, s string) id {
	hi := PolyHash(s) ^ seed
	lo := Ha(PolyHash(s), seed|1)
	return id{Hi: hi, Lo: lo}
}

const (
	nodeSeed = 119
	keySeed  = 17
)

// vnode is one virtual node placed on the ring.
type vnode struct {
	name   string
	id     id
	ticket int
}

// Ring is a weighted consistent hash ring over a fixed set of named
// nodes (pods, caps, or scatters, depending on what the caller builds).
type Ring struct {
	nodes   []string
	weights []int
	vnodes  []vnode
}

// New builds a ring from node names and per-node weights. A nil or
// shorter weights slice defaults every node's weight to 1 (an even
// split), matching the original's "node_weights == NULL" behavior.
func New(names []string, weights []int) (*Ring, error) {
	if len(names) == 0 {
		return nil, errors.New("hashring: at least one node is required")
	}
	r := &Ring{
		nodes:   append([]string(nil), names...),
		weights: make([]int, len(names)),
	}
	for i := range names {
		w := 1
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		r.weights[i] = w
	}
	r.rebuild()
	return r, nil
}

func (r *Ring) rebuild() {
	var vnodes []vnode
	for i, name := range r.nodes {
		tickets := r.weights[i] * DefaultWeight
		for t := 0; t < tickets; t++ {
			key := name + "#" + strconv.Itoa(t)
			vnodes = append(vnodes, vnode{
				name:   name,
				id:     identifier(nodeSeed, key),
				ticket: t,
			})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool {
		c := compareID(vnodes[i].id, vnodes[j].id)
		if c != 0 {
			return c < 0
		}
		if vnodes[i].ticket != vnodes[j].ticket {
			return vnodes[i].ticket < vnodes[j].ticket
		}
		return vnodes[i].name < vnodes[j].name
	})
	r.vnodes = vnodes
}

// Successor returns the name of the node owning key: the first virtual
// node at or clockwise past key's hash identifier.
func (r *Ring) Successor(key string) (string, error) {
	if len(r.vnodes) == 0 {
		return "", errors.New("hashring: empty ring")
	}
	kid := identifier(keySeed, key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return compareID(r.vnodes[i].id, kid) >= 0
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].name, nil
}

// NumNodes returns the count of real (non-virtual) nodes in the ring.
func (r *Ring) NumNodes() int { return len(r.nodes) }

// Nodes returns a copy of the ring's node names, in ring-construction
// order (not ring/hash order).
func (r *Ring) Nodes() []string {
	return append([]string(nil), r.nodes...)
}

// Join adds a new node to the ring with the given weight (0 uses
// DefaultWeight's implicit weight of 1).
func (r *Ring) Join(name string, weight int) error {
	for _, n := range r.nodes {
		if n == name {
			return errors.New("hashring: node already present: " + name)
		}
	}
	if weight <= 0 {
		weight = 1
	}
	r.nodes = append(r.nodes, name)
	r.weights = append(r.weights, weight)
	r.rebuild()
	return nil
}

// Leave removes a node from the ring, preserving every surviving node's
// own original weight.
//
// This is the fixed form of the original's ring_leave: the C version
// built the survivor weight list by indexing the *post-removal* position
// (new_weights[j] = ring->weights[j]) instead of the node's own original
// index (ring->weights[i]), silently reassigning weights between
// unrelated nodes whenever the removed node wasn't last in the array.
func (r *Ring) Leave(name string) error {
	if len(r.nodes) <= 1 {
		return errors.New("hashring: cannot remove the only remaining node")
	}
	newNodes := make([]string, 0, len(r.nodes)-1)
	newWeights := make([]int, 0, len(r.weights)-1)
	found := false
	for i, n := range r.nodes {
		if n == name {
			found = true
			continue
		}
		newNodes = append(newNodes, n)
		newWeights = append(newWeights, r.weights[i]) // fixed: index by i, not by the survivor count
	}
	if !found {
		return errors.New("hashring: node not present: " + name)
	}
	r.nodes = newNodes
	r.weights = newWeights
	r.rebuild()
	return nil
}
