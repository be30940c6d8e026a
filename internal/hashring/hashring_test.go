package hashring

import (
	"testing"
)

func TestCompareIDTotal(t *testing.T) {
	cases := []struct {
		a, b id
		want int
	}{
		{id{1, 2}, id{1, 2}, 0},
		{id{1, 2}, id{1, 3}, -1},
		{id{1, 3}, id{1, 2}, 1},
		{id{2, 0}, id{1, 999}, 1},
		{id{0, 0}, id{0, 0}, 0},
	}
	for _, c := range cases {
		if got := compareID(c.a, c.b); got != c.want {
			t.Errorf("compareID(%v,%v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSuccessorStable(t *testing.T) {
	r, err := New([]string{"a", "b", "c", "d"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := r.Successor("object-0001")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Successor("object-0001")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("successor not stable across calls: %s vs %s", first, second)
	}
}

func TestLeavePreservesSurvivorWeights(t *testing.T) {
	r, err := New([]string{"a", "b", "c"}, []int{5, 7, 9})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Leave("a"); err != nil {
		t.Fatal(err)
	}
	// "b" was index 1 before removal; with the original bug its weight
	// would have been overwritten with the post-removal index-0 slot
	// instead of retaining its own weight of 7.
	for i, n := range r.nodes {
		if n == "b" && r.weights[i] != 7 {
			t.Errorf("node b weight = %d, want 7 (its own original weight)", r.weights[i])
		}
		if n == "c" && r.weights[i] != 9 {
			t.Errorf("node c weight = %d, want 9 (its own original weight)", r.weights[i])
		}
	}
}

func TestJoinThenLeaveRestoresMembership(t *testing.T) {
	r, err := New([]string{"a", "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Join("c", 0); err != nil {
		t.Fatal(err)
	}
	if r.NumNodes() != 3 {
		t.Fatalf("NumNodes() = %d, want 3", r.NumNodes())
	}
	if err := r.Leave("c"); err != nil {
		t.Fatal(err)
	}
	if r.NumNodes() != 2 {
		t.Fatalf("NumNodes() = %d, want 2", r.NumNodes())
	}
}

func TestLeaveLastNodeRejected(t *testing.T) {
	r, err := New([]string{"only"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Leave("only"); err == nil {
		t.Fatal("expected error removing the only node in the ring")
	}
}

func TestPlacementLocateDeterministic(t *testing.T) {
	pods, _ := New([]string{"p1", "p2"}, nil)
	caps, _ := New([]string{"c1", "c2", "c3"}, nil)
	scatters, _ := New([]string{"s1", "s2"}, nil)
	tables := Tables{Pods: pods, Caps: caps, Scatters: scatters}

	loc1, err := tables.Locate("repo1#ns1#12345.0/obj0", 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	loc2, err := tables.Locate("repo1#ns1#12345.0/obj0", 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if loc1 != loc2 {
		t.Fatalf("Locate not deterministic: %+v vs %+v", loc1, loc2)
	}
	if loc1.EOffset < 0 || loc1.EOffset >= 12 {
		t.Fatalf("EOffset %d out of range [0,12)", loc1.EOffset)
	}
}
