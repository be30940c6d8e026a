package mdal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestXattrRoundTrip(t *testing.T) {
	m := New(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := m.Open(context.Background(), path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)

	if err := m.FSetXattr(h, "user.ftag", "0.1|hello", XattrDefault); err != nil {
		t.Skipf("xattr unsupported on this filesystem: %v", err)
	}
	got, err := m.FGetXattr(h, "user.ftag")
	if err != nil {
		t.Fatal(err)
	}
	if got != "0.1|hello" {
		t.Fatalf("got %q, want %q", got, "0.1|hello")
	}
	if err := m.FRemoveXattr(h, "user.ftag"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FGetXattr(h, "user.ftag"); err == nil {
		t.Fatal("expected error reading a removed xattr")
	}
}

func TestXattrCreateOnlyRejectsSecondWrite(t *testing.T) {
	m := New(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := m.Open(context.Background(), path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)

	if err := m.FSetXattr(h, "user.orepacktag", "orig", XattrCreate); err != nil {
		t.Skipf("xattr unsupported on this filesystem: %v", err)
	}
	if err := m.FSetXattr(h, "user.orepacktag", "clobber", XattrCreate); err == nil {
		t.Fatal("expected XATTR_CREATE to reject a second write of the same name")
	}
}

func TestLinkRefUnlinkRetryOnExist(t *testing.T) {
	m := New(nil)
	dir := t.TempDir()
	c := NewCtxt(filepath.Join(dir, "refs"))

	h, err := m.OpenRef(context.Background(), c, "a/b", os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	m.Close(h)

	tgt := filepath.Join(dir, "target")
	if err := os.WriteFile(tgt, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.LinkRef(c, "a/b", tgt); err != nil {
		t.Fatalf("expected unlink-retry to succeed over an existing target: %v", err)
	}
}

func TestRebuildMarkerLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.RecordRebuildMarker("ns1/refs/a|2rebuild", "repo1#ns1#1.0/obj2"); err != nil {
		t.Fatal(err)
	}
	pending, err := idx.PendingRebuildMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ObjName != "repo1#ns1#1.0/obj2" {
		t.Fatalf("pending = %+v", pending)
	}
	if err := idx.ResolveRebuildMarker("ns1/refs/a|2rebuild"); err != nil {
		t.Fatal(err)
	}
	pending, err = idx.PendingRebuildMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending markers after resolve, got %+v", pending)
	}
}

func TestRepackMarkerLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.RecordRepackMarker("ns1/refs/a|repack"); err != nil {
		t.Fatal(err)
	}
	pending, err := idx.PendingRepackMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != "ns1/refs/a|repack" {
		t.Fatalf("pending = %v", pending)
	}
	if err := idx.ResolveRepackMarker("ns1/refs/a|repack"); err != nil {
		t.Fatal(err)
	}
	pending, err = idx.PendingRepackMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending markers after resolve, got %v", pending)
	}
}
