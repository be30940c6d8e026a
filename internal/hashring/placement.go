package hashring

import "fmt"

// Location identifies the pod/cap/scatter coordinates an object is
// placed at, plus the erasure offset of block zero within the stripe.
type Location struct {
	Pod        string
	Cap        string
	Scatter    string
	EOffset    int // hash_rangevalue(objname) mod (N+E)
}

// Tables bundles the three independent hash-ring dimensions used to
// place an object across the physical substrate.
type Tables struct {
	Pods     *Ring
	Caps     *Ring
	Scatters *Ring
}

// Locate derives the pod/cap/scatter/erasure-offset for the given object
// name, per §4.2.2: "Pod/cap/scatter are chosen by hashing the object
// name through three independent hash rings... The erasure offset O is
// hash_rangevalue(objname) mod (N+E)."
func (t Tables) Locate(objname string, n, e int) (Location, error) {
	if n+e <= 0 {
		return Location{}, fmt.Errorf("hashring: invalid stripe width n=%d e=%d", n, e)
	}
	pod, err := t.Pods.Successor(objname)
	if err != nil {
		return Location{}, fmt.Errorf("hashring: pod placement: %w", err)
	}
	cap_, err := t.Caps.Successor(objname)
	if err != nil {
		return Location{}, fmt.Errorf("hashring: cap placement: %w", err)
	}
	scatter, err := t.Scatters.Successor(objname)
	if err != nil {
		return Location{}, fmt.Errorf("hashring: scatter placement: %w", err)
	}
	offset := int(PolyHash(objname) % uint64(n+e))
	return Location{Pod: pod, Cap: cap_, Scatter: scatter, EOffset: offset}, nil
}
