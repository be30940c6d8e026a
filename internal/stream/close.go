package stream

import (
	"context"
	"errors"

	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

// Close finalizes the stream: for CREATE/REPACK streams this writes the
// current file's closing recovery trailer and marks it COMP|READABLE
// before releasing every open metadata handle, the Go form of
// datastream_close/complete_file. For an EDIT stream Close writes no
// trailer but still persists each file's FTAG and truncates its metadata
// inode to AvailBytes (restoring times only if Utime was called); for a
// READ stream Close just releases handles.
func (s *Stream) Close() error {
	return s.shutdown(true)
}

// Release abandons the stream without finalizing an in-progress file,
// the Go form of datastream_release: whatever has already been written
// stays on disk exactly as it is, still marked incomplete.
func (s *Stream) Release() error {
	return s.shutdown(false)
}

func (s *Stream) shutdown(finalize bool) error {
	if s.closed {
		return nil
	}
	defer func() { s.closed = true }()

	var errs []error
	if finalize && (s.typ == CreateStream || s.typ == RepackStream) {
		if err := s.completeCurrentFile(true); err != nil {
			errs = append(errs, err)
		}
	}

	for i := range s.files {
		rec := &s.files[i]
		if rec.handle == nil {
			continue
		}
		if finalize && s.typ != ReadStream {
			if err := s.putFTag(rec.handle, rec.tag); err != nil {
				errs = append(errs, err)
			}
			// per spec.md §3/§4.3, a COMP file's metadata inode size must
			// equal availbytes, and closing restores the times stashed at
			// create/open -- for CREATE/REPACK always, for EDIT only if
			// Utime was actually called against this record (READ streams
			// skip this block entirely), mirroring
			// original_source's "if this is a create stream OR if utimens
			// was called" condition on restoring file->times.
			if err := s.deps.MDAL.FTruncate(rec.handle, rec.tag.AvailBytes); err != nil {
				errs = append(errs, err)
			}
			if s.typ == CreateStream || s.typ == RepackStream || rec.dotimes {
				if err := s.deps.MDAL.FUtimens(rec.handle, rec.atime, rec.mtime); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if err := s.deps.MDAL.Close(rec.handle); err != nil {
			errs = append(errs, err)
		}
		rec.handle = nil
	}

	if len(errs) > 0 {
		return newErr(ErrPartialFailure, "close", errors.Join(errs...))
	}
	return nil
}

// completeCurrentFile writes the closing FINFO trailer for the file
// currently being created/repacked into its object, the Go form of
// complete_file in datastream.c. The trailer's length must match the
// RecoveryBytes reserved for this file at creation time (recoverycodec's
// fixed-width encoding guarantees this as long as Path/mode don't change
// between CreateFile and Close). eos marks this file as the stream's
// true last file, per spec.md's "endofstream flag on the last file": set
// only when this completion is the stream's terminal Close/CompleteRepack,
// never when a packed file is being completed mid-stream to make room
// for the next CreateFile.
func (s *Stream) completeCurrentFile(eos bool) error {
	if s.curFile >= len(s.files) || s.files[s.curFile].handle == nil {
		return nil
	}
	rec := &s.files[s.curFile]

	finfo := s.finfo
	finfo.Size = uint64(rec.tag.Bytes)
	finfo.EOF = true
	trailer, err := recoverycodec.FInfoToString(finfo)
	if err != nil {
		return newErr(ErrMalformed, "close", err)
	}
	if int64(len(trailer)) != rec.tag.RecoveryBytes {
		return newErr(ErrMalformed, "close", errors.New("recovery trailer length drifted since file creation"))
	}

	ctx := context.Background()
	oh, err := s.openCurrentObj(ctx, s.objNo, erasure.ModeWrite)
	if err != nil {
		return newErr(ErrInvalidState, "close", err)
	}
	_, werr := oh.h.WriteStripe(0, s.offset, []byte(trailer))
	status, cerr := oh.h.Close()
	if werr != nil {
		return newErr(ErrInvalidState, "close", werr)
	}
	if cerr != nil {
		return newErr(ErrInvalidState, "close", cerr)
	}
	if status.Degraded() {
		if err := s.recordRebuildMarker(oh.objname, status); err != nil {
			s.deps.Log.Warnf(ctx, "close: failed to record rebuild marker for %s: %v", oh.objname, err)
		}
	}

	s.offset += int64(len(trailer))
	rec.tag.State = rec.tag.State.WithDataState(ftag.Comp) | ftag.Readable
	rec.tag.EndOfStream = eos
	s.finfo = finfo
	return nil
}
