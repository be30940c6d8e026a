package stream

import (
	"context"
	"testing"

	"github.com/marfs-io/datastream/internal/ftag"
)

// TestSeekSetCurEnd exercises the three Whence modes against a CREATE
// stream mid-write, verifying Seek both reports and actually applies the
// resulting object/offset coordinates.
func TestSeekSetCurEnd(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, 10, 1<<20)
	skipIfNoXattrs(t, deps.MDAL)

	cs := Create(deps, "ctag1", fixedTime())
	if err := cs.CreateFile(t.TempDir()+"/f.bin", 0o644, fixedTime()); err != nil {
		t.Fatalf("create file: %v", err)
	}
	data := randBytes(1000, 3)
	if _, err := cs.Write(ctx, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	posEnd, err := cs.Seek(0, SeekEnd)
	if err != nil {
		t.Fatalf("seek end: %v", err)
	}
	if posEnd.TotalOffset != int64(len(data)) {
		t.Fatalf("seek end total offset = %d, want %d", posEnd.TotalOffset, len(data))
	}
	if cs.objNo != posEnd.ObjNo || cs.offset != posEnd.Offset {
		t.Fatalf("seek end did not apply its own computed position: stream at (%d,%d), position says (%d,%d)",
			cs.objNo, cs.offset, posEnd.ObjNo, posEnd.Offset)
	}

	posSet, err := cs.Seek(0, SeekSet)
	if err != nil {
		t.Fatalf("seek set: %v", err)
	}
	if posSet.TotalOffset != 0 {
		t.Fatalf("seek set total offset = %d, want 0", posSet.TotalOffset)
	}
	if cs.objNo != posSet.ObjNo || cs.offset != posSet.Offset {
		t.Fatalf("seek set did not reposition the stream")
	}

	posCur, err := cs.Seek(500, SeekCur)
	if err != nil {
		t.Fatalf("seek cur: %v", err)
	}
	if posCur.TotalOffset != 500 {
		t.Fatalf("seek cur total offset = %d, want 500", posCur.TotalOffset)
	}

	if _, err := cs.Seek(-10, SeekCur); err == nil {
		t.Fatalf("expected a reverse seek on a CREATE stream to be rejected")
	}
}

// TestObjectCoordinatesAcrossBoundary verifies objectCoordinates' mapping
// from a file-relative byte offset to (objno, offset-within-object) on
// both sides of an object boundary, given a file that doesn't start at
// the beginning of its first object.
func TestObjectCoordinatesAcrossBoundary(t *testing.T) {
	deps := testDeps(t, 10, 1<<20)
	s := &Stream{deps: deps, recoveryHeaderLen: 64}

	tag := ftag.FTag{
		ObjSize:       deps.Config.Stream.ObjSize,
		ObjNo:         2,
		Offset:        200,
		RecoveryBytes: 100,
	}
	dataperobj := tag.ObjSize - s.recoveryHeaderLen - tag.RecoveryBytes

	// A target still within the first (partial) object stays at tag.ObjNo.
	objno, off := s.objectCoordinates(tag, 10, dataperobj)
	if objno != tag.ObjNo || off != tag.Offset+10 {
		t.Fatalf("within first object: got (%d,%d), want (%d,%d)", objno, off, tag.ObjNo, tag.Offset+10)
	}

	// A target past the first object's remaining capacity rolls forward.
	// tag.Offset is itself a physical (header-inclusive) object offset, so
	// the first object's usable capacity is what's left after it and its
	// recovery trailer, and the landing offset in the next object is
	// likewise physical -- recoveryHeaderLen, not 0, at the boundary.
	firstObjBytes := tag.ObjSize - tag.Offset - tag.RecoveryBytes
	objno2, off2 := s.objectCoordinates(tag, firstObjBytes+5, dataperobj)
	if objno2 != tag.ObjNo+1 || off2 != s.recoveryHeaderLen+5 {
		t.Fatalf("past first object: got (%d,%d), want (%d,%d)", objno2, off2, tag.ObjNo+1, s.recoveryHeaderLen+5)
	}

	// Exactly on the boundary lands at the start of the next object.
	objno3, off3 := s.objectCoordinates(tag, firstObjBytes, dataperobj)
	if objno3 != tag.ObjNo+1 || off3 != s.recoveryHeaderLen {
		t.Fatalf("on boundary: got (%d,%d), want (%d,%d)", objno3, off3, tag.ObjNo+1, s.recoveryHeaderLen)
	}
}
