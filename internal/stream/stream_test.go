package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marfs-io/datastream/internal/ftag"
)

// randBytes fills a deterministic (not crypto-random) buffer so tests
// stay reproducible without touching math/rand's global state.
func randBytes(n int, seed byte) []byte {
	buf := make([]byte, n)
	v := seed
	for i := range buf {
		v = v*31 + 17
		buf[i] = v
	}
	return buf
}

func mustRead(t *testing.T, ctx context.Context, s *Stream, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := s.Read(ctx, buf[got:])
		got += m
		if m == 0 {
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			break
		}
	}
	if got != n {
		t.Fatalf("read %d bytes, want %d", got, n)
	}
	return buf
}

// TestNoPackChunked covers spec.md §8's "no-pack chunked" scenario: a
// single file larger than one object's data capacity must roll across
// several objects on write and read back byte-identical.
func TestNoPackChunked(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 4096)
	skipIfNoXattrs(t, deps.MDAL)

	userDir := t.TempDir()
	path := filepath.Join(userDir, "bigfile.bin")

	data := randBytes(20000, 7)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := cs.Write(ctx, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rs, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer rs.Release()

	got := mustRead(t, ctx, rs, len(data))
	if !bytes.Equal(got, data) {
		t.Fatalf("read content mismatch across object boundaries")
	}

	tag, err := rs.CurFile()
	if err != nil {
		t.Fatalf("curfile: %v", err)
	}
	if tag.ObjNo != 0 {
		t.Fatalf("a single file's FTAG should still record its starting object as 0, got %d", tag.ObjNo)
	}
	if rs.objNo == 0 {
		t.Fatalf("a 20000-byte file in a 4096-byte object should have rolled into a later object, stayed at %d", rs.objNo)
	}
}

// TestPackedSmallFiles covers the "packed small-files" scenario: several
// files smaller than the object size share the same object until the
// object-files limit forces a rollover, and each remains independently
// readable afterward.
func TestPackedSmallFiles(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 2, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	userDir := t.TempDir()
	path1 := filepath.Join(userDir, "f1.bin")
	path2 := filepath.Join(userDir, "f2.bin")
	path3 := filepath.Join(userDir, "f3.bin")

	data1 := randBytes(100, 1)
	data2 := randBytes(200, 2)
	data3 := randBytes(300, 3)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path1, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file1: %v", err)
	}
	if _, err := cs.Write(ctx, data1); err != nil {
		t.Fatalf("write file1: %v", err)
	}
	if err := cs.CreateFile(path2, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file2: %v", err)
	}
	if _, err := cs.Write(ctx, data2); err != nil {
		t.Fatalf("write file2: %v", err)
	}
	tag2, err := cs.CurFile()
	if err != nil {
		t.Fatalf("curfile2: %v", err)
	}

	if err := cs.CreateFile(path3, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file3: %v", err)
	}
	if _, err := cs.Write(ctx, data3); err != nil {
		t.Fatalf("write file3: %v", err)
	}
	tag3, err := cs.CurFile()
	if err != nil {
		t.Fatalf("curfile3: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if tag2.ObjNo != 0 {
		t.Fatalf("objfiles=2: file2 should still share object 0 with file1, got %d", tag2.ObjNo)
	}
	if tag3.ObjNo != 1 {
		t.Fatalf("objfiles=2: file3 should roll to a fresh object after the limit, got %d", tag3.ObjNo)
	}

	for i, want := range map[string][]byte{path1: data1, path2: data2, path3: data3} {
		rs, err := Open(ctx, deps, i, ReadStream)
		if err != nil {
			t.Fatalf("open %s: %v", i, err)
		}
		got := mustRead(t, ctx, rs, len(want))
		if !bytes.Equal(got, want) {
			t.Fatalf("content mismatch for %s", i)
		}
		rs.Release()
	}
}

// TestParallelExtend covers the "parallel extend" scenario: a CREATE
// stream reserves a file's final size via Extend and releases it, after
// which an independent EDIT stream can fill arbitrary ranges within that
// declared size, and a READ stream afterward sees the full content.
func TestParallelExtend(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	userDir := t.TempDir()
	path := filepath.Join(userDir, "extend.bin")

	const size = 6000

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := cs.Extend(size); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := cs.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	firstHalf := randBytes(size/2, 11)
	secondHalf := randBytes(size/2, 22)

	es, err := Open(ctx, deps, path, EditStream)
	if err != nil {
		t.Fatalf("open edit: %v", err)
	}
	if _, err := es.Seek(0, SeekSet); err != nil {
		t.Fatalf("seek set: %v", err)
	}
	if _, err := es.Write(ctx, firstHalf); err != nil {
		t.Fatalf("write first half: %v", err)
	}
	if _, err := es.Seek(int64(size/2), SeekSet); err != nil {
		t.Fatalf("seek mid: %v", err)
	}
	if _, err := es.Write(ctx, secondHalf); err != nil {
		t.Fatalf("write second half: %v", err)
	}
	if err := es.Release(); err != nil {
		t.Fatalf("release edit: %v", err)
	}

	rs, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer rs.Release()
	got := mustRead(t, ctx, rs, size)
	want := append(append([]byte{}, firstHalf...), secondHalf...)
	if !bytes.Equal(got, want) {
		t.Fatalf("edit-filled content mismatch")
	}
}

// TestDegradedWriteAndRead covers the "degraded write + read" scenario:
// a permanently unavailable non-zero block index must not prevent the
// real data block from being written/read, must be reported as
// degraded, must record a consumable rebuild marker, and the file's
// content must remain intact throughout.
func TestDegradedWriteAndRead(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	// Block 0 is the only block the stream package ever addresses for
	// real file data (WriteStripe/ReadStripe always target index 0), so
	// failing a higher index exercises Status.Degraded() without
	// corrupting the data the test later verifies.
	deps.Erasure.FailBlock(2)

	userDir := t.TempDir()
	path := filepath.Join(userDir, "degraded.bin")
	data := randBytes(500, 5)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := cs.Write(ctx, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	pending, err := deps.Index.PendingRebuildMarkers()
	if err != nil {
		t.Fatalf("pending rebuild markers: %v", err)
	}
	if len(pending) == 0 {
		t.Fatalf("expected at least one rebuild marker recorded for the degraded write")
	}

	rs, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	got := mustRead(t, ctx, rs, len(data))
	rs.Release()
	if !bytes.Equal(got, data) {
		t.Fatalf("degraded-write content mismatch")
	}

	// A rebuild stream bound to the same deps can consume every marker
	// the degraded write recorded; once consumed, none remain pending.
	consumer := Create(deps, "ctag1", fixedTime())
	for _, m := range pending {
		if _, err := consumer.ConsumeRebuildMarker(ctx, m.RefPath); err != nil {
			t.Fatalf("consume rebuild marker %s: %v", m.RefPath, err)
		}
	}

	remaining, err := deps.Index.PendingRebuildMarkers()
	if err != nil {
		t.Fatalf("pending rebuild markers after consume: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending rebuild markers after consuming all of them, got %d", len(remaining))
	}
}

// TestRepackHappyPath covers the "repack happy path" scenario: repacking
// a file rewrites its content and FTAG in place under a new stream
// identity, and the content reads back unchanged afterward.
func TestRepackHappyPath(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	userDir := t.TempDir()
	path := filepath.Join(userDir, "repackme.bin")
	data := randBytes(3000, 9)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	refpath, err := cs.CurRefPath()
	if err != nil {
		t.Fatalf("currefpath: %v", err)
	}
	origStreamID := cs.streamID
	if _, err := cs.Write(ctx, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	origRS, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open original read: %v", err)
	}

	rs := NewRepack(deps, "ctag1", fixedTime().Add(1))
	if err := rs.Repack(ctx, refpath); err != nil {
		t.Fatalf("repack: %v", err)
	}

	buf := make([]byte, 512)
	for {
		n, rerr := origRS.Read(ctx, buf)
		if n > 0 {
			if _, werr := rs.Write(ctx, buf[:n]); werr != nil {
				t.Fatalf("repack write: %v", werr)
			}
		}
		if n == 0 {
			break
		}
		if rerr != nil {
			t.Fatalf("repack source read: %v", rerr)
		}
	}
	if err := origRS.Release(); err != nil {
		t.Fatalf("release original read: %v", err)
	}
	if err := rs.CompleteRepack(); err != nil {
		t.Fatalf("complete repack: %v", err)
	}

	finalRS, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open repacked read: %v", err)
	}
	defer finalRS.Release()
	got := mustRead(t, ctx, finalRS, len(data))
	if !bytes.Equal(got, data) {
		t.Fatalf("repacked content mismatch")
	}

	finalTag, err := finalRS.CurFile()
	if err != nil {
		t.Fatalf("curfile: %v", err)
	}
	if finalTag.StreamID == origStreamID {
		t.Fatalf("a repacked file should carry the repack stream's new identity, still shows the original %q", origStreamID)
	}

	pending, err := deps.Index.PendingRepackMarkers()
	if err != nil {
		t.Fatalf("pending repack markers: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("completed repack should leave no pending markers, got %d", len(pending))
	}
}

// TestRepackCrashRecovery covers the "repack crash recovery" scenario: a
// repack that stalls after Repack but before CompleteRepack must leave
// the original file fully intact and readable once RepackCleanup runs
// against the abandoned marker.
func TestRepackCrashRecovery(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	userDir := t.TempDir()
	path := filepath.Join(userDir, "crash.bin")
	data := randBytes(1500, 13)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(path, 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	refpath, err := cs.CurRefPath()
	if err != nil {
		t.Fatalf("currefpath: %v", err)
	}
	if _, err := cs.Write(ctx, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rs := NewRepack(deps, "ctag1", fixedTime().Add(1))
	if err := rs.Repack(ctx, refpath); err != nil {
		t.Fatalf("repack: %v", err)
	}
	// Simulate a crash: the repack stream is abandoned with the marker
	// in place and the target's TREPACK_TAG set, but nothing copied and
	// CompleteRepack never called.
	markerRef := refpath + ftag.RepackMarkerSuffix

	if err := RepackCleanup(ctx, deps, markerRef); err != nil {
		t.Fatalf("repack cleanup: %v", err)
	}

	if _, err := deps.MDAL.StatRef(deps.Ctxt, markerRef); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected repack marker removed after cleanup, stat err = %v", err)
	}

	rrs, err := Open(ctx, deps, path, ReadStream)
	if err != nil {
		t.Fatalf("open after cleanup: %v", err)
	}
	defer rrs.Release()
	got := mustRead(t, ctx, rrs, len(data))
	if !bytes.Equal(got, data) {
		t.Fatalf("original content lost after repack-crash cleanup")
	}

	pending, err := deps.Index.PendingRepackMarkers()
	if err != nil {
		t.Fatalf("pending repack markers: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending repack markers after cleanup, got %d", len(pending))
	}
}
