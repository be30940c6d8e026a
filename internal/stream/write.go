package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

// objHandle is the currently-open data object this stream is appending
// to (CREATE/REPACK) or reading from (READ/EDIT), mirroring the
// original's stream->datahandle.
type objHandle struct {
	h       *erasure.Handle
	objname string
	objno   int64
}

// openCurrentObj opens (or creates) the object the stream's current
// file offset points into, deriving placement from the hash ring. On
// ModeWrite it also (re)writes the recovery header occupying the
// object's first recoveryHeaderLen bytes: the header's content is fixed
// for the life of the stream (ctag/streamid only), so writing it again
// on every object-open is a harmless no-op once it's already there, and
// means the header is always in place by the time the object's first
// real byte of data lands.
func (s *Stream) openCurrentObj(ctx context.Context, objno int64, mode erasure.Mode) (*objHandle, error) {
	f := s.files[s.curFile].tag
	objname := ftag.ObjectName(s.streamID, objno)
	loc, err := s.deps.Tables.Locate(objname, f.Protection.N, f.Protection.E)
	if err != nil {
		return nil, fmt.Errorf("locate object %s: %w", objname, err)
	}
	h, err := s.deps.Erasure.Open(ctx, objname, loc, f.Protection.N, f.Protection.E, f.Protection.PartSz, mode)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", objname, err)
	}
	if mode == erasure.ModeWrite {
		if _, err := h.WriteStripe(0, 0, []byte(s.recoveryHeader)); err != nil {
			h.Close()
			return nil, fmt.Errorf("write recovery header for %s: %w", objname, err)
		}
	}
	return &objHandle{h: h, objname: objname, objno: objno}, nil
}

// Write writes p to the stream at its current file position, per
// spec.md §4.3: writes are only legal while the current file's
// DataState is below FTAG_FIN, and advance the file's Bytes/AvailBytes
// and the stream's running object/offset coordinates. A write that
// crosses into a new object closes the current object first.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	if err := s.checkOpen("write"); err != nil {
		return 0, err
	}
	if s.curFile >= len(s.files) || s.files[s.curFile].handle == nil {
		return 0, newErr(ErrInvalidState, "write", errors.New("no current file is open for writing"))
	}
	rec := &s.files[s.curFile]
	if rec.tag.State.DataState() >= ftag.Fin {
		return 0, newErr(ErrInvalidState, "write", errors.New("file content is already finalized"))
	}

	written := 0
	for written < len(p) {
		oh, err := s.openCurrentObj(ctx, s.objNo, erasure.ModeWrite)
		if err != nil {
			return written, newErr(ErrInvalidState, "write", err)
		}
		// remaining room in the current object before its end, reserving
		// space for this file's own closing trailer -- true regardless of
		// whether this file started the object fresh or was packed in
		// after earlier siblings, since s.offset already reflects
		// everything that came before it.
		capacity := rec.tag.ObjSize - s.offset - rec.tag.RecoveryBytes
		if capacity <= 0 {
			oh.h.Close()
			s.objNo++
			s.offset = s.recoveryHeaderLen
			continue
		}
		chunk := p[written:]
		if int64(len(chunk)) > capacity {
			chunk = chunk[:capacity]
		}
		n, err := oh.h.WriteStripe(0, s.offset, chunk)
		status, closeErr := oh.h.Close()
		if err != nil {
			return written, newErr(ErrInvalidState, "write", err)
		}
		if closeErr != nil {
			return written, newErr(ErrInvalidState, "write", closeErr)
		}
		if status.Degraded() {
			if err := s.recordRebuildMarker(oh.objname, status); err != nil {
				s.deps.Log.Warnf(ctx, "write: failed to record rebuild marker for %s: %v", oh.objname, err)
			}
		}
		written += n
		s.offset += int64(n)
		// CREATE/REPACK append sequentially, so Bytes tracks how much has
		// been written so far; an EDIT-mode file's Bytes was already set
		// to its final size by Extend, and EDIT writers fill arbitrary
		// positions within that size rather than extending it further.
		if s.typ == CreateStream || s.typ == RepackStream {
			rec.tag.Bytes += int64(n)
		}
		rec.tag.AvailBytes += int64(n)
		if rec.tag.State.DataState() < ftag.Sized {
			rec.tag.State = rec.tag.State.WithDataState(ftag.Sized)
		}
	}
	return written, nil
}

// Read reads up to len(p) bytes from the stream's current file position.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if err := s.checkOpen("read"); err != nil {
		return 0, err
	}
	if s.curFile >= len(s.files) || s.files[s.curFile].handle == nil {
		return 0, newErr(ErrInvalidState, "read", errors.New("no current file is open for reading"))
	}
	rec := s.files[s.curFile]
	if rec.tag.State&ftag.Readable == 0 {
		return 0, newErr(ErrNotReadable, "read", errors.New("file is not yet readable"))
	}

	read := 0
	for read < len(p) {
		remaining := s.endOfData() - s.currentTotalOffset()
		if remaining <= 0 {
			break
		}
		oh, err := s.openCurrentObj(ctx, s.objNo, erasure.ModeRead)
		if err != nil {
			return read, newErr(ErrPartialFailure, "read", err)
		}
		avail := rec.tag.ObjSize - s.offset - rec.tag.RecoveryBytes
		if avail <= 0 {
			oh.h.Close()
			s.objNo++
			s.offset = s.recoveryHeaderLen
			continue
		}
		chunk := p[read:]
		if int64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := oh.h.ReadStripe(0, s.offset, chunk)
		oh.h.Close()
		if err != nil && n == 0 {
			return read, newErr(ErrPartialFailure, "read", err)
		}
		read += n
		s.offset += int64(n)
		if n == 0 {
			break
		}
	}
	return read, nil
}

// Extend grows the current file's logical size to newsize without
// writing real data, per spec.md's "Parallel extend" scenario: it
// reserves capacity (advancing Bytes), writes the file's closing FINFO
// trailer at its now-known final position right away, and persists the
// FTAG immediately (rather than waiting for stream Close) -- so a later
// EDIT-mode writer can open the file and fill arbitrary chunks within
// [0, newsize) independently, with the file already readable in between.
func (s *Stream) Extend(newsize int64) error {
	if err := s.checkOpen("extend"); err != nil {
		return err
	}
	rec := &s.files[s.curFile]
	if newsize < rec.tag.Bytes {
		return newErr(ErrInvalidState, "extend", errors.New("extend cannot shrink a file; use truncate"))
	}
	rec.tag.Bytes = newsize
	if rec.tag.State.DataState() < ftag.Sized {
		rec.tag.State = rec.tag.State.WithDataState(ftag.Sized)
	}
	rec.tag.State |= ftag.Writeable | ftag.Readable

	dataperobj := rec.tag.ObjSize - s.recoveryHeaderLen - rec.tag.RecoveryBytes
	trailerObjNo, trailerOffset := s.objectCoordinates(rec.tag, newsize, dataperobj)

	finfo := s.finfo
	finfo.Size = uint64(newsize)
	finfo.EOF = true
	trailer, err := recoverycodec.FInfoToString(finfo)
	if err != nil {
		return newErr(ErrMalformed, "extend", err)
	}
	if int64(len(trailer)) != rec.tag.RecoveryBytes {
		return newErr(ErrMalformed, "extend", errors.New("recovery trailer length drifted since file creation"))
	}

	ctx := context.Background()
	savedObjNo, savedOffset := s.objNo, s.offset
	s.objNo, s.offset = trailerObjNo, trailerOffset
	oh, err := s.openCurrentObj(ctx, s.objNo, erasure.ModeWrite)
	s.objNo, s.offset = savedObjNo, savedOffset
	if err != nil {
		return newErr(ErrInvalidState, "extend", err)
	}
	_, werr := oh.h.WriteStripe(0, trailerOffset, []byte(trailer))
	status, cerr := oh.h.Close()
	if werr != nil {
		return newErr(ErrInvalidState, "extend", werr)
	}
	if cerr != nil {
		return newErr(ErrInvalidState, "extend", cerr)
	}
	if status.Degraded() {
		if err := s.recordRebuildMarker(oh.objname, status); err != nil {
			s.deps.Log.Warnf(ctx, "extend: failed to record rebuild marker for %s: %v", oh.objname, err)
		}
	}

	s.finfo = finfo
	if err := s.putFTag(rec.handle, rec.tag); err != nil {
		return newErr(ErrMalformed, "extend", err)
	}
	return nil
}

// Truncate sets the current file's logical size to newsize, per
// spec.md §4.3: "truncate(length): valid only on EDIT of a COMP file.
// Reduces availbytes if smaller, truncates the metadata file, persists
// FTAG." Shrinking discards AvailBytes beyond newsize; growing creates a
// zero-fill "excess" region tracked purely in Bytes until real writes
// catch up. Unlike Write's incremental AvailBytes bump, this is
// persisted immediately rather than deferred to Close, the same
// immediate-persist discipline Extend uses, so a truncate a reader
// hasn't yet re-Open'd for still observes the change.
func (s *Stream) Truncate(newsize int64) error {
	if err := s.checkOpen("truncate"); err != nil {
		return err
	}
	if s.typ != EditStream {
		return newErr(ErrInvalidState, "truncate", errors.New("truncate is only valid on an EDIT stream"))
	}
	if newsize < 0 {
		return newErr(ErrInvalidState, "truncate", errors.New("truncate size cannot be negative"))
	}
	rec := &s.files[s.curFile]
	if rec.tag.State.DataState() != ftag.Comp {
		return newErr(ErrInvalidState, "truncate", errors.New("truncate is only valid on a COMP file"))
	}

	rec.tag.Bytes = newsize
	if rec.tag.AvailBytes > newsize {
		rec.tag.AvailBytes = newsize
	}

	if err := s.deps.MDAL.FTruncate(rec.handle, rec.tag.AvailBytes); err != nil {
		return newErr(ErrInvalidState, "truncate", err)
	}
	if err := s.putFTag(rec.handle, rec.tag); err != nil {
		return newErr(ErrMalformed, "truncate", err)
	}
	return nil
}
