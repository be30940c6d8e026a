package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

// Open opens an existing file at path for READ or EDIT, the Go form of
// open_existing_file in datastream.c: it reads the file's FTAG off its
// metadata inode directly (the user-facing path is hard-linked to the
// same inode as its reference path, so the xattr is reachable without a
// reference-path lookup), gates access per spec.md §4.3's
// writeable/readable rules, and recovers the file's true size from its
// object-embedded FINFO trailer.
func Open(ctx context.Context, deps Deps, path string, typ Type) (*Stream, error) {
	if typ != ReadStream && typ != EditStream {
		return nil, newErr(ErrInvalidState, "open", fmt.Errorf("Open only supports READ/EDIT, got %s", typ))
	}

	flags := os.O_RDONLY
	if typ == EditStream {
		flags = os.O_RDWR
	}
	h, err := deps.MDAL.Open(ctx, path, flags, 0)
	if err != nil {
		return nil, newErr(ErrBusy, "open", err)
	}

	raw, err := deps.MDAL.FGetXattr(h, ftag.XattrFTag)
	if err != nil {
		deps.MDAL.Close(h)
		return nil, newErr(ErrMalformed, "open", err)
	}
	tag, err := ftag.ParseFTag(raw)
	if err != nil {
		deps.MDAL.Close(h)
		return nil, newErr(ErrMalformed, "open", err)
	}

	if typ == ReadStream && tag.State&ftag.Readable == 0 {
		deps.MDAL.Close(h)
		return nil, newErr(ErrNotReadable, "open", errors.New("file is not readable"))
	}
	if typ == EditStream && tag.State&ftag.Writeable == 0 {
		deps.MDAL.Close(h)
		return nil, newErr(ErrNotWriteable, "open", errors.New("file is not writeable"))
	}

	hdr := recoverycodec.HeaderToString(recoverycodec.Header{
		MajorVersion: recoverycodec.CurrentMajorVersion,
		MinorVersion: recoverycodec.CurrentMinorVersion,
		Ctag:         tag.Ctag,
		StreamID:     tag.StreamID,
	})

	atime, mtime, err := deps.MDAL.FStat(h)
	if err != nil {
		deps.MDAL.Close(h)
		return nil, newErr(ErrInvalidState, "open", err)
	}

	s := &Stream{
		deps:              deps,
		typ:               typ,
		streamID:          tag.StreamID,
		ctag:              tag.Ctag,
		files:             []fileRecord{{handle: h, tag: tag, refpath: path, atime: atime, mtime: mtime}},
		curFile:           0,
		fileNo:            tag.FileNo + 1,
		objNo:             tag.ObjNo,
		offset:            tag.Offset,
		recoveryHeaderLen: int64(len(hdr)),
		recoveryHeader:    hdr,
	}

	if typ == ReadStream {
		finfo, err := s.loadFInfo(ctx, tag)
		if err != nil {
			deps.MDAL.Close(h)
			return nil, newErr(ErrMalformed, "open", err)
		}
		s.finfo = finfo
	}

	return s, nil
}

// loadFInfo recovers the true recorded size (and other trailer fields)
// of f's content by reading the object it starts in and walking its
// recovery stream until reaching the record that starts at f's byte
// offset; when that object holds no parseable trailer (f spills into
// later objects), the following objects are tried in turn, per spec.md §4.1's recovery-trailer role: "the file's final,
// authoritative size lives in its object-embedded FINFO record, not in
// the metadata FTAG (which only tracks bytes written so far)."
func (s *Stream) loadFInfo(ctx context.Context, f ftag.FTag) (recoverycodec.FInfo, error) {
	objname := ftag.ObjectName(f.StreamID, f.ObjNo)
	loc, err := s.deps.Tables.Locate(objname, f.Protection.N, f.Protection.E)
	if err != nil {
		return recoverycodec.FInfo{}, fmt.Errorf("locate object %s: %w", objname, err)
	}
	oh, err := s.deps.Erasure.Open(ctx, objname, loc, f.Protection.N, f.Protection.E, f.Protection.PartSz, erasure.ModeRead)
	if err != nil {
		return recoverycodec.FInfo{}, fmt.Errorf("open object %s: %w", objname, err)
	}

	objsize := f.ObjSize
	if objsize <= 0 {
		objsize = s.deps.Config.Stream.ObjSize
	}
	buf := make([]byte, objsize)
	n, err := oh.ReadStripe(0, 0, buf)
	oh.Close()
	if err != nil && n == 0 {
		return recoverycodec.FInfo{}, fmt.Errorf("read object %s: %w", objname, err)
	}
	buf = buf[:n]

	rc, _, err := recoverycodec.Init(buf)
	if err != nil {
		// a file that spills past this object keeps its trailer in a later
		// one, where its data starts right after the recovery header
		next := f
		next.ObjNo, next.Offset = f.ObjNo+1, s.recoveryHeaderLen
		if info, nerr := s.loadFInfo(ctx, next); nerr == nil {
			return info, nil
		}
		return recoverycodec.FInfo{}, fmt.Errorf("parse recovery header in %s: %w", objname, err)
	}
	defer rc.Close()

	cursor := s.recoveryHeaderLen
	for {
		ref, ok, err := rc.NextFile()
		if err != nil {
			return recoverycodec.FInfo{}, fmt.Errorf("walk recovery stream in %s: %w", objname, err)
		}
		if !ok {
			return recoverycodec.FInfo{}, fmt.Errorf("%w: file at offset %d not found in object %s", io.ErrUnexpectedEOF, f.Offset, objname)
		}
		if cursor == f.Offset {
			return ref.Info, nil
		}
		trailer, err := recoverycodec.FInfoToString(ref.Info)
		if err != nil {
			return recoverycodec.FInfo{}, fmt.Errorf("re-encode trailer while scanning %s: %w", objname, err)
		}
		cursor += int64(len(ref.Data)) + int64(len(trailer))
	}
}
