// Package stream implements the datastream core: the CREATE/READ/EDIT/
// REPACK lifecycle, packing policy, position engine, and the repack and
// rebuild marker protocols. This is a direct generalization of
// original_source/src/datastream/datastream.c's create_new_file,
// open_existing_file, datastream_read/write/extend/truncate/seek/
// release/close/repack/repack_cleanup, close_current_obj, and
// complete_file, expressed as Go methods on a Stream rather than as a
// family of functions taking an opaque DATASTREAM pointer.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/marfs-io/datastream/internal/config"
	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/hashring"
	"github.com/marfs-io/datastream/internal/logging"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

// Type is the lifecycle mode a Stream was opened under.
type Type int

const (
	CreateStream Type = iota
	ReadStream
	EditStream
	RepackStream
)

func (t Type) String() string {
	switch t {
	case CreateStream:
		return "CREATE"
	case ReadStream:
		return "READ"
	case EditStream:
		return "EDIT"
	case RepackStream:
		return "REPACK"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind classifies a StreamError so callers can branch on cause
// without string-matching, per spec.md §7's error taxonomy.
type ErrorKind int

const (
	ErrUnknown        ErrorKind = iota
	ErrInvalidState             // operation not legal for the file's current DataState/mode
	ErrNotWriteable             // write attempted on a non-writeable file
	ErrNotReadable              // read attempted on a non-readable file
	ErrNameTooLong              // recovery/path overhead exceeds the object size budget
	ErrBusy                     // a metadata open, create or link failed (e.g. EEXIST on O_EXCL, missing target)
	ErrNoSpace                  // object/file allocation exhausted
	ErrMalformed                // a stored FTAG/FINFO/RTAG failed to parse
	ErrPartialFailure           // an operation failed partway (finalize/close errors, object read errors); degraded block writes are not errors
)

// StreamError is the error type every exported Stream operation returns
// on failure.
type StreamError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("stream: %s", e.Op)
}

func (e *StreamError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

// Deps bundles the collaborators every Stream needs: configuration,
// metadata access, object storage, and placement.
type Deps struct {
	Config  config.Config
	MDAL    *mdal.MDAL
	Ctxt    *mdal.Ctxt
	Erasure *erasure.Engine
	Tables  hashring.Tables
	Index   *mdal.Index
	Log     *logging.Logger
}

// fileRecord mirrors the original's STREAMFILE: one packed file's FTAG,
// open metadata handle, and captured times. atime/mtime are stashed
// right after the handle is opened (at CreateFile or Open), before any
// writes on it can bump mtime; shutdown restores them at close so a
// file's times reflect when it was created/opened rather than the last
// internal write, the same as original_source's file->times handling.
// dotimes marks that Utime was called against this record this session,
// the only reason a non-CREATE/REPACK stream restores times at all.
type fileRecord struct {
	handle  *mdal.Handle
	tag     ftag.FTag
	refpath string

	atime, mtime time.Time
	dotimes      bool
}

// Stream is the open handle returned by Create/Open, analogous to the
// original's opaque DATASTREAM.
type Stream struct {
	deps Deps
	typ  Type

	streamID string
	ctag     string

	// file arena: packed files belonging to the current object, grown
	// geometrically and capped at objfiles+1 the way allocfiles does.
	files   []fileRecord
	curFile int

	fileNo int64
	objNo  int64
	offset int64

	recoveryHeaderLen int64
	recoveryHeader    string

	finfo recoverycodec.FInfo

	// repack-specific state
	repackOrigTag ftag.FTag
	repackMarker  string

	closed bool
}

// ErrClosed is returned by any operation on a Stream after Close.
var ErrClosed = errors.New("stream: already closed")

func (s *Stream) checkOpen(op string) error {
	if s.closed {
		return newErr(ErrInvalidState, op, ErrClosed)
	}
	return nil
}

// CurFile returns the FTAG of the file currently positioned at, for
// introspection by streamwalker-style tooling.
func (s *Stream) CurFile() (ftag.FTag, error) {
	if err := s.checkOpen("curfile"); err != nil {
		return ftag.FTag{}, err
	}
	if s.curFile >= len(s.files) {
		return ftag.FTag{}, newErr(ErrInvalidState, "curfile", errors.New("no current file"))
	}
	return s.files[s.curFile].tag, nil
}

// Type returns the lifecycle mode this stream was opened under.
func (s *Stream) Type() Type { return s.typ }

// CurRefPath returns the reference-directory path of the file currently
// positioned at, the path Repack/RepackCleanup expect -- distinct from
// the user-facing path a CREATE stream links it to.
func (s *Stream) CurRefPath() (string, error) {
	if err := s.checkOpen("currefpath"); err != nil {
		return "", err
	}
	if s.curFile >= len(s.files) {
		return "", newErr(ErrInvalidState, "currefpath", errors.New("no current file"))
	}
	return s.files[s.curFile].refpath, nil
}

// Utime sets the access/modification times recorded against the file
// currently positioned at, mirroring datastream_utime's ability to
// adjust a packed file's times independently of its siblings in the
// same object.
func (s *Stream) Utime(atime, mtime time.Time) error {
	if err := s.checkOpen("utime"); err != nil {
		return err
	}
	if s.curFile >= len(s.files) {
		return newErr(ErrInvalidState, "utime", errors.New("no current file"))
	}
	rec := &s.files[s.curFile]
	if err := s.deps.MDAL.FUtimens(rec.handle, atime, mtime); err != nil {
		return newErr(ErrInvalidState, "utime", err)
	}
	rec.atime, rec.mtime = atime, mtime
	rec.dotimes = true
	return nil
}
