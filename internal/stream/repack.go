package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/recoverycodec"
)

const (
	xattrTRepackTag = ftag.XattrTRepackTag
	xattrORepackTag = ftag.XattrORepackTag
)

// NewRepack opens a REPACK stream bound to the given ctag, ready to
// accept a Repack call.
func NewRepack(deps Deps, ctag string, now time.Time) *Stream {
	s := Create(deps, ctag, now)
	s.typ = RepackStream
	return s
}

// Repack begins rewriting the existing file at refpath into this repack
// stream's current object, per spec.md §4.3: it opens the file RW,
// captures its current FTAG as origftag, stashes origftag under the
// file's TREPACK_TAG xattr, allocates a new FTAG bound to this repack
// stream's identity, and creates the sibling "<refpath>|repack" marker
// recording that new FTAG as its main FTAG. Data continues to live at
// refpath throughout -- a repack rewrites the file's content and FTAG
// in place rather than relocating its reference-directory entry, and
// the marker exists purely to make that rewrite crash-recoverable.
// Writes to s after Repack follow ordinary CreateFile/Write packing
// rules, addressed against the new FTAG.
func (s *Stream) Repack(ctx context.Context, refpath string) error {
	if err := s.checkOpen("repack"); err != nil {
		return err
	}
	if s.typ != RepackStream {
		return newErr(ErrInvalidState, "repack", fmt.Errorf("Repack requires a REPACK stream, got %s", s.typ))
	}

	tgt, err := s.deps.MDAL.OpenRef(ctx, s.deps.Ctxt, refpath, os.O_RDWR, 0)
	if err != nil {
		return newErr(ErrBusy, "repack", err)
	}

	atime, mtime, err := s.deps.MDAL.FStat(tgt)
	if err != nil {
		s.deps.MDAL.Close(tgt)
		return newErr(ErrInvalidState, "repack", err)
	}

	origRaw, err := s.deps.MDAL.FGetXattr(tgt, ftag.XattrFTag)
	if err != nil {
		s.deps.MDAL.Close(tgt)
		return newErr(ErrMalformed, "repack", err)
	}
	origTag, err := ftag.ParseFTag(origRaw)
	if err != nil {
		s.deps.MDAL.Close(tgt)
		return newErr(ErrMalformed, "repack", err)
	}

	if err := s.deps.MDAL.FSetXattr(tgt, xattrTRepackTag, origRaw, mdal.XattrDefault); err != nil {
		s.deps.MDAL.Close(tgt)
		return newErr(ErrInvalidState, "repack", err)
	}

	// Carry the original file's FInfo (path/inode/mode/mtime) forward into
	// the repacked copy rather than starting from a blank one: the
	// trailer recoverycodec writes for this file must keep the same
	// length across its create-and-complete lifecycle, and the original
	// identity is what a recovery scan should still report for it.
	origFinfo, err := s.loadFInfo(ctx, origTag)
	if err != nil {
		s.deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag)
		s.deps.MDAL.Close(tgt)
		return newErr(ErrMalformed, "repack", err)
	}
	trailer, err := recoverycodec.FInfoToString(origFinfo)
	if err != nil {
		s.deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag)
		s.deps.MDAL.Close(tgt)
		return newErr(ErrMalformed, "repack", err)
	}

	cfg := s.deps.Config
	newTag := ftag.New(s.streamID, s.ctag, s.fileNo, cfg.Protection, cfg.Stream)
	newTag.ObjNo = s.objNo
	newTag.Offset = s.offset
	newTag.RecoveryBytes = int64(len(trailer))

	if newTag.ObjSize > 0 && s.recoveryHeaderLen+newTag.RecoveryBytes >= newTag.ObjSize {
		s.deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag)
		s.deps.MDAL.Close(tgt)
		return newErr(ErrNameTooLong, "repack", fmt.Errorf("recovery info for %q does not fit within object size budget", refpath))
	}

	markerRef := refpath + ftag.RepackMarkerSuffix
	marker, err := s.deps.MDAL.OpenRef(ctx, s.deps.Ctxt, markerRef, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		s.deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag)
		s.deps.MDAL.Close(tgt)
		return newErr(ErrBusy, "repack", fmt.Errorf("repack marker already exists: %w", err))
	}
	markerErr := s.putFTag(marker, newTag)
	s.deps.MDAL.Close(marker)
	if markerErr != nil {
		s.deps.MDAL.UnlinkRef(s.deps.Ctxt, markerRef)
		s.deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag)
		s.deps.MDAL.Close(tgt)
		return newErr(ErrMalformed, "repack", markerErr)
	}

	s.files = []fileRecord{{handle: tgt, tag: newTag, refpath: refpath, atime: atime, mtime: mtime}}
	s.curFile = 0
	s.fileNo = newTag.FileNo + 1
	s.objNo = newTag.ObjNo
	s.offset = newTag.Offset
	s.finfo = origFinfo

	s.repackOrigTag = origTag
	s.repackMarker = markerRef

	if s.deps.Index != nil {
		if err := s.deps.Index.RecordRepackMarker(markerRef); err != nil {
			s.deps.Log.Warnf(ctx, "repack: failed to log marker %s: %v", markerRef, err)
		}
	}

	return nil
}

// CompleteRepack finalizes an in-progress repack: marks the live file
// COMP|READABLE, preserves the original FTAG permanently under
// OREPACK_TAG (create-only, so the earliest-ever original always wins
// across repeated repacks), rewrites the live file's main FTAG to the
// new value, drops TREPACK_TAG, and removes the now-superseded repack
// marker.
func (s *Stream) CompleteRepack() error {
	if err := s.checkOpen("complete-repack"); err != nil {
		return err
	}
	if s.typ != RepackStream || s.curFile >= len(s.files) || s.repackMarker == "" {
		return newErr(ErrInvalidState, "complete-repack", errors.New("no active repack to complete"))
	}
	rec := &s.files[s.curFile]

	if err := s.completeCurrentFile(true); err != nil {
		return err
	}

	origStr := s.repackOrigTag.String()
	if err := s.deps.MDAL.FSetXattr(rec.handle, xattrORepackTag, origStr, mdal.XattrCreate); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return newErr(ErrInvalidState, "complete-repack", err)
		}
	}
	if err := s.putFTag(rec.handle, rec.tag); err != nil {
		return newErr(ErrMalformed, "complete-repack", err)
	}
	if err := s.deps.MDAL.FRemoveXattr(rec.handle, xattrTRepackTag); err != nil {
		return newErr(ErrInvalidState, "complete-repack", err)
	}
	if err := s.deps.MDAL.Close(rec.handle); err != nil {
		return newErr(ErrInvalidState, "complete-repack", err)
	}
	rec.handle = nil

	if err := s.deps.MDAL.UnlinkRef(s.deps.Ctxt, s.repackMarker); err != nil {
		return newErr(ErrInvalidState, "complete-repack", err)
	}

	if s.deps.Index != nil {
		if err := s.deps.Index.ResolveRepackMarker(s.repackMarker); err != nil {
			s.deps.Log.Warnf(context.Background(), "repack: failed to resolve marker %s: %v", s.repackMarker, err)
		}
	}

	s.closed = true
	return nil
}

// RepackCleanup implements repack_cleanup(marker_refpath), the crash
// recovery routine run against a repack marker discovered after an
// unclean shutdown. The target file's reference path is always
// recoverable by stripping the marker's "|repack" suffix, since a repack
// never relocates the file's reference-directory entry.
//
// Unlike a rename-based promotion scheme, this protocol never leaves the
// target's main FTAG pointing anywhere invalid: Repack stashes the
// original FTAG under the target's TREPACK_TAG before doing anything
// else and never touches the target's main FTAG itself, while
// CompleteRepack's very last metadata write clears TREPACK_TAG, right
// before it unlinks the marker. So at any point a crash can land --
// before Repack finishes, mid-copy, or after CompleteRepack but before
// the marker is removed -- the target's main FTAG already holds the
// correct value for that point in time. Cleanup's only job is dropping
// the now-stale marker and any leftover TREPACK_TAG residue; it is safe
// to call repeatedly against the same marker, since every terminal state
// it can reach is itself a no-op under a second call.
func RepackCleanup(ctx context.Context, deps Deps, markerRef string) error {
	targetRef := strings.TrimSuffix(markerRef, ftag.RepackMarkerSuffix)

	marker, err := deps.MDAL.OpenRef(ctx, deps.Ctxt, markerRef, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return newErr(ErrBusy, "repack-cleanup", err)
	}
	deps.MDAL.Close(marker)

	tgt, err := deps.MDAL.OpenRef(ctx, deps.Ctxt, targetRef, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The target is gone; nothing left to preserve beyond the marker.
			if rmErr := deps.MDAL.UnlinkRef(deps.Ctxt, markerRef); rmErr != nil {
				return newErr(ErrInvalidState, "repack-cleanup", rmErr)
			}
			resolveRepackMarker(deps, markerRef)
			return nil
		}
		return newErr(ErrBusy, "repack-cleanup", err)
	}
	defer deps.MDAL.Close(tgt)

	if err := deps.MDAL.FRemoveXattr(tgt, xattrTRepackTag); err != nil {
		return newErr(ErrInvalidState, "repack-cleanup", err)
	}
	if err := deps.MDAL.UnlinkRef(deps.Ctxt, markerRef); err != nil {
		return newErr(ErrInvalidState, "repack-cleanup", err)
	}
	resolveRepackMarker(deps, markerRef)
	return nil
}

// resolveRepackMarker best-effort marks a repack marker's resource-log
// entry resolved; failures here don't block cleanup from completing.
func resolveRepackMarker(deps Deps, markerRef string) {
	if deps.Index == nil {
		return
	}
	if err := deps.Index.ResolveRepackMarker(markerRef); err != nil && deps.Log != nil {
		deps.Log.Warnf(context.Background(), "repack-cleanup: failed to resolve marker %s: %v", markerRef, err)
	}
}
