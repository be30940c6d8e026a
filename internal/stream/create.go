package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

// maxFileAlloc mirrors the original's allocfiles growth policy: the
// per-stream file arena grows geometrically but is capped at
// objfiles+1, since no more than objfiles+1 files can ever be
// simultaneously "current" (the +1 covers the file mid-creation when the
// object boundary is crossed).
func maxFileAlloc(objfiles int) int {
	return objfiles + 1
}

func growFileAlloc(cur, objfiles int) int {
	limit := maxFileAlloc(objfiles)
	if cur == 0 {
		cur = 64
	} else {
		cur *= 2
	}
	if cur > limit {
		cur = limit
	}
	return cur
}

// NewStreamID derives the stream identity string, per spec.md's glossary:
// "repo#namespace#sec.nsec".
func NewStreamID(repo, namespace string, sec, nsec int64) string {
	return fmt.Sprintf("%s#%s#%d.%d", repo, namespace, sec, nsec)
}

// Create opens a new CREATE-mode stream for the given ctag, under the
// repo/namespace named by deps.Config.Stream.
func Create(deps Deps, ctag string, now time.Time) *Stream {
	streamid := NewStreamID(deps.Config.Stream.Repo, deps.Config.Stream.Namespace, now.Unix(), int64(now.Nanosecond()))
	hdr := recoverycodec.HeaderToString(recoverycodec.Header{
		MajorVersion: recoverycodec.CurrentMajorVersion,
		MinorVersion: recoverycodec.CurrentMinorVersion,
		Ctag:         ctag,
		StreamID:     streamid,
	})
	return &Stream{
		deps:              deps,
		typ:               CreateStream,
		streamID:          streamid,
		ctag:              ctag,
		fileNo:            0,
		objNo:             0,
		offset:            int64(len(hdr)),
		recoveryHeaderLen: int64(len(hdr)),
		recoveryHeader:    hdr,
	}
}

// CreateFile creates a new file at path, packing it into the stream's
// current object per the packing policy: a new file joins the current
// object unless doing so would overflow the object's file-count limit or
// leave no room for its recovery trailer, in which case the stream
// shifts to a fresh object first. This is the Go form of
// create_new_file/genrpath in datastream.c.
func (s *Stream) CreateFile(path string, mode os.FileMode, now time.Time) error {
	if err := s.checkOpen("create"); err != nil {
		return err
	}
	if s.typ != CreateStream && s.typ != RepackStream {
		return newErr(ErrInvalidState, "create", fmt.Errorf("cannot create a file on a %s stream", s.typ))
	}

	// a new file starting means the previously current file (if any) has
	// received its last byte of real data; write its closing FINFO
	// trailer now, since the object's wire layout packs each file's
	// trailer immediately after that file's own data, not just at the
	// end of the object.
	if s.curFile < len(s.files) && s.files[s.curFile].handle != nil {
		if err := s.completeCurrentFile(false); err != nil {
			return newErr(ErrPartialFailure, "create", err)
		}
	}

	cfg := s.deps.Config
	tag := ftag.New(s.streamID, s.ctag, s.fileNo, cfg.Protection, cfg.Stream)
	tag.ObjNo = s.objNo
	tag.Offset = s.offset

	finfo := recoverycodec.FInfo{
		Inode: uint64(s.fileNo),
		Mode:  uint32(mode.Perm()),
		MTime: now,
		Path:  path,
	}
	trailer, err := recoverycodec.FInfoToString(finfo)
	if err != nil {
		return newErr(ErrMalformed, "create", err)
	}
	tag.RecoveryBytes = int64(len(trailer))

	if tag.ObjSize > 0 && s.recoveryHeaderLen+tag.RecoveryBytes >= tag.ObjSize {
		return newErr(ErrNameTooLong, "create", fmt.Errorf("recovery info for %q does not fit within object size budget", path))
	}

	// packing policy: shift to a new object if there's no room left for
	// this file's recovery info, or if the current object is already at
	// its file-count limit.
	if tag.ObjSize > 0 && (tag.ObjSize-s.offset) < tag.RecoveryBytes {
		tag.ObjNo++
		tag.Offset = s.recoveryHeaderLen
	} else if tag.ObjFiles > 0 && s.curFile+1 >= tag.ObjFiles {
		tag.ObjNo++
		tag.Offset = s.recoveryHeaderLen
	}

	// leaving the current object: persist, truncate, re-time and close
	// every earlier file still open in the arena before it is reset below.
	if tag.ObjNo != s.objNo {
		for i := range s.files {
			r := &s.files[i]
			if r.handle == nil {
				continue
			}
			err := errors.Join(s.putFTag(r.handle, r.tag), s.deps.MDAL.FTruncate(r.handle, r.tag.AvailBytes),
				s.deps.MDAL.FUtimens(r.handle, r.atime, r.mtime), s.deps.MDAL.Close(r.handle))
			r.handle = nil
			if err != nil {
				return newErr(ErrPartialFailure, "create", err)
			}
		}
	}

	refpath := ftag.Metaname(tag.Ctag, tag.StreamID, tag.FileNo, cfg.Stream.RefBreadth, cfg.Stream.RefDepth, cfg.Stream.RefDigits)

	h, err := s.deps.MDAL.OpenRef(context.Background(), s.deps.Ctxt, refpath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return newErr(ErrBusy, "create", err)
	}

	atime, mtime, err := s.deps.MDAL.FStat(h)
	if err != nil {
		s.deps.MDAL.Close(h)
		s.deps.MDAL.UnlinkRef(s.deps.Ctxt, refpath)
		return newErr(ErrInvalidState, "create", err)
	}

	if err := s.putFTag(h, tag); err != nil {
		s.deps.MDAL.Close(h)
		s.deps.MDAL.UnlinkRef(s.deps.Ctxt, refpath)
		return newErr(ErrMalformed, "create", err)
	}

	if err := s.linkFile(refpath, path); err != nil {
		s.deps.MDAL.Close(h)
		s.deps.MDAL.UnlinkRef(s.deps.Ctxt, refpath)
		return newErr(ErrBusy, "create", err)
	}

	// a file joining the same object as the one currently open takes the
	// next arena slot, preserving earlier packed files' records (needed by
	// the rebuild marker's sibling hard-link pass); a file starting a new
	// object gets a fresh arena, since every file packed into the object
	// this stream just left is already closed out.
	if len(s.files) > 0 && tag.ObjNo == s.objNo {
		s.curFile++
	} else {
		s.curFile = 0
		s.files = s.files[:0]
	}
	if s.curFile >= len(s.files) {
		newCap := growFileAlloc(len(s.files), tag.ObjFiles)
		grown := make([]fileRecord, newCap)
		copy(grown, s.files)
		s.files = grown
	}
	s.files[s.curFile] = fileRecord{handle: h, tag: tag, refpath: refpath, atime: atime, mtime: mtime}
	s.finfo = finfo
	s.fileNo = tag.FileNo + 1
	s.objNo = tag.ObjNo
	s.offset = tag.Offset

	return nil
}

// putFTag serializes tag and writes it to h's main FTAG xattr.
func (s *Stream) putFTag(h *mdal.Handle, tag ftag.FTag) error {
	return s.deps.MDAL.FSetXattr(h, ftag.XattrFTag, tag.String(), mdal.XattrDefault)
}

// getFTag reads and parses h's main FTAG xattr.
func (s *Stream) getFTag(h *mdal.Handle) (ftag.FTag, error) {
	v, err := s.deps.MDAL.FGetXattr(h, ftag.XattrFTag)
	if err != nil {
		return ftag.FTag{}, err
	}
	return ftag.ParseFTag(v)
}

// linkFile hard-links refpath to the user-facing path, per spec.md §6's
// atomic-with-unlink-retry link_ref semantics (delegated straight to
// MDAL.LinkRef).
func (s *Stream) linkFile(refpath, path string) error {
	return s.deps.MDAL.LinkRef(s.deps.Ctxt, refpath, path)
}
