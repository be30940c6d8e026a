package erasure

import (
	"context"
	"os"
	"testing"

	"github.com/marfs-io/datastream/internal/hashring"
)

func testLocation() hashring.Location {
	return hashring.Location{Pod: "pod1", Cap: "cap1", Scatter: "scatter1"}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	eng := New(dir, nil)
	ctx := context.Background()
	loc := testLocation()

	wh, err := eng.Open(ctx, "repo1#ns1#1.0/obj0", loc, 3, 1, 1024, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello stripe")
	if _, err := wh.WriteStripe(0, 0, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := wh.Close(); err != nil {
		t.Fatal(err)
	}

	rh, err := eng.Open(ctx, "repo1#ns1#1.0/obj0", loc, 3, 1, 1024, ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(payload))
	n, err := rh.ReadStripe(0, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("read back %q, want %q", buf[:n], payload)
	}
	if _, err := rh.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDegradedWriteTolerated(t *testing.T) {
	dir := t.TempDir()
	eng := New(dir, nil)
	ctx := context.Background()
	loc := testLocation()

	wh, err := eng.Open(ctx, "repo1#ns1#1.0/obj1", loc, 3, 1, 1024, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	wh.Exclude(2)
	if _, err := wh.WriteStripe(0, 0, []byte("data0")); err != nil {
		t.Fatal(err)
	}
	if _, err := wh.WriteStripe(2, 0, []byte("should be absorbed")); err != nil {
		t.Fatal(err)
	}
	status, err := wh.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !status.Degraded() {
		t.Fatal("expected degraded status after excluding a block")
	}
	if len(status.Failed) != 1 || status.Failed[0] != 2 {
		t.Fatalf("status.Failed = %v, want [2]", status.Failed)
	}
}

func TestOpenReadMissingObjectFails(t *testing.T) {
	dir := t.TempDir()
	eng := New(dir, nil)
	ctx := context.Background()
	if _, err := eng.Open(ctx, "repo1#ns1#1.0/nosuch", testLocation(), 3, 1, 1024, ModeRead); err == nil {
		t.Fatal("expected error opening a read handle on a nonexistent object")
	}
}

func TestDeleteRemovesAllBlocks(t *testing.T) {
	dir := t.TempDir()
	eng := New(dir, nil)
	ctx := context.Background()
	loc := testLocation()

	wh, err := eng.Open(ctx, "repo1#ns1#1.0/obj2", loc, 2, 1, 1024, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	wh.WriteStripe(0, 0, []byte("a"))
	wh.WriteStripe(1, 0, []byte("b"))
	wh.WriteStripe(2, 0, []byte("c"))
	if _, err := wh.Close(); err != nil {
		t.Fatal(err)
	}

	if err := eng.Delete(ctx, "repo1#ns1#1.0/obj2", loc, 2, 1); err != nil {
		t.Fatal(err)
	}
	objDir := eng.blockDir("repo1#ns1#1.0/obj2", loc)
	if entries, _ := os.ReadDir(objDir); len(entries) != 0 {
		t.Fatalf("expected object directory empty after delete, found %d entries", len(entries))
	}
}
