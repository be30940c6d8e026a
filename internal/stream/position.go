package stream

import (
	"errors"

	"github.com/marfs-io/datastream/internal/ftag"
)

// Whence mirrors POSIX SEEK_SET/SEEK_CUR/SEEK_END.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Position is the record produced by the position engine: given
// (stream, delta, whence), it derives where the next read/write should
// land, in both file-relative and object-relative coordinates. Per
// spec.md §4.5, dataperobj = objsize - recoveryheaderlen - recoverybytes,
// and the excess* fields carry the zero-fill region created by a
// truncate-extend beyond the current end of data.
type Position struct {
	TotalOffset     int64 // file-relative byte offset of the next operation
	DataRemaining   int64 // bytes of real file content remaining from TotalOffset to EOF
	ExcessRemaining int64 // bytes of the zero-fill region remaining from TotalOffset
	ObjNo           int64 // object the data at TotalOffset lives in
	Offset          int64 // physical byte offset within that object, counting its recovery header
	ExcessOffset    int64 // byte offset within the zero-fill region, if TotalOffset falls inside it
	DataPerObj      int64 // usable data bytes per object for this file's recovery overhead
}

// endOfData returns the file-relative length that counts as "real data"
// for SEEK_END purposes, which depends on the stream's lifecycle mode per
// spec.md §4.5: "SEEK_END uses finfo.size for READ, bytes for
// CREATE/REPACK, availbytes for EDIT."
func (s *Stream) endOfData() int64 {
	f := s.files[s.curFile].tag
	switch s.typ {
	case ReadStream:
		return int64(s.finfo.Size)
	case EditStream:
		return f.AvailBytes
	default: // CreateStream, RepackStream
		return f.Bytes
	}
}

// Seek computes the Position delta bytes from whence, relative to the
// stream's current file and position.
func (s *Stream) Seek(delta int64, whence Whence) (Position, error) {
	if err := s.checkOpen("seek"); err != nil {
		return Position{}, err
	}
	f := s.files[s.curFile].tag
	dataperobj := f.ObjSize - s.recoveryHeaderLen - f.RecoveryBytes
	if dataperobj <= 0 {
		return Position{}, newErr(ErrNameTooLong, "seek", errors.New("recovery overhead leaves no data capacity per object"))
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		// bytes-in-first-object + full-objects + bytes-in-current + excess,
		// i.e. simply the stream's already-tracked TotalOffset.
		base = s.currentTotalOffset()
	case SeekEnd:
		base = s.endOfData()
	default:
		return Position{}, newErr(ErrInvalidState, "seek", errors.New("invalid whence"))
	}

	target := base + delta

	if s.typ == CreateStream && target < base && whence == SeekCur {
		return Position{}, newErr(ErrInvalidState, "seek", errors.New("reverse seek is rejected on a CREATE stream"))
	}
	if target < 0 {
		return Position{}, newErr(ErrInvalidState, "seek", errors.New("seek before start of file"))
	}

	eod := s.endOfData()
	var pos Position
	pos.TotalOffset = target
	pos.DataPerObj = dataperobj

	if target <= eod {
		pos.DataRemaining = eod - target
		pos.ExcessRemaining = 0
		pos.ExcessOffset = 0
	} else {
		// A target past the end of data is reported as excess: the gap
		// [eod, target). The stream is moved there; no zero bytes are
		// written, on any stream type.
		pos.DataRemaining = 0
		pos.ExcessRemaining = target - eod
		pos.ExcessOffset = 0
	}

	objno, objoff := s.objectCoordinates(f, target, dataperobj)
	pos.ObjNo = objno
	pos.Offset = objoff

	s.objNo = objno
	s.offset = objoff

	return pos, nil
}

// currentTotalOffset returns the stream's file-relative byte offset as
// tracked by s.objNo/s.offset against the current file's FTAG, used as
// the SEEK_CUR base.
func (s *Stream) currentTotalOffset() int64 {
	f := s.files[s.curFile].tag
	dataperobj := f.ObjSize - s.recoveryHeaderLen - f.RecoveryBytes
	if s.objNo == f.ObjNo {
		return s.offset - f.Offset
	}
	// f.Offset is itself a physical (header-inclusive) object offset, so
	// the first object's usable capacity for this file is what's left in
	// the object after that offset and its recovery trailer -- not
	// dataperobj, which is the capacity of a full subsequent object
	// starting right after the header.
	firstObjBytes := f.ObjSize - f.Offset - f.RecoveryBytes
	if firstObjBytes < 0 {
		firstObjBytes = 0
	}
	fullObjs := s.objNo - f.ObjNo - 1
	if fullObjs < 0 {
		fullObjs = 0
	}
	// s.offset in a later object is likewise physical (header-inclusive,
	// per openCurrentObj/Write/Read resetting it to recoveryHeaderLen at
	// each object boundary), so it must be brought back to data-relative
	// terms before adding it to the running total.
	return firstObjBytes + fullObjs*dataperobj + (s.offset - s.recoveryHeaderLen)
}

// objectCoordinates maps a file-relative byte offset to (objno,
// offset-within-object), given the file's starting object/offset and
// its per-object data capacity. Offsets returned here are physical
// (header-inclusive) object offsets, matching the convention
// openCurrentObj/Write/Read use when they land at the start of a later
// object: s.offset = recoveryHeaderLen, not 0.
func (s *Stream) objectCoordinates(f ftag.FTag, total, dataperobj int64) (objno, offset int64) {
	firstObjBytes := f.ObjSize - f.Offset - f.RecoveryBytes
	if firstObjBytes < 0 {
		firstObjBytes = 0
	}
	if total < firstObjBytes {
		return f.ObjNo, f.Offset + total
	}
	remaining := total - firstObjBytes
	fullObjs := remaining / dataperobj
	rem := remaining % dataperobj
	return f.ObjNo + 1 + fullObjs, s.recoveryHeaderLen + rem
}
