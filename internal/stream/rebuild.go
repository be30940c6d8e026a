package stream

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
)

// RTag encodes which blocks of an object's stripe failed to write or
// decode, per spec.md §4.4 ("the stream encodes the per-block status as
// an RTAG string").
type RTag struct {
	ObjName string
	Failed  []int
}

// String encodes the RTag as the object name, a '|', and a
// comma-joined list of failed block indices.
func (r RTag) String() string {
	parts := make([]string, len(r.Failed))
	for i, b := range r.Failed {
		parts[i] = fmt.Sprintf("%d", b)
	}
	return r.ObjName + "|" + strings.Join(parts, ",")
}

// recordRebuildMarker implements spec.md §4.4's rebuild-marker protocol:
// when an object close reports a degraded (but still decodable) stripe,
// write both FTAG and RTAG onto a reference file named
// "<metaname>|<objno>rebuild", hard-linked across every file packed into
// that object. If the marker already exists (another file in the same
// object already recorded the failure), it's left alone.
func (s *Stream) recordRebuildMarker(objname string, status erasure.Status) error {
	rec := s.files[s.curFile]
	cfg := s.deps.Config.Stream
	markerRef := rec.tag.RebuildMarkerName(cfg.RefBreadth, cfg.RefDepth, cfg.RefDigits)

	ctx := context.Background()
	h, err := s.deps.MDAL.OpenRef(ctx, s.deps.Ctxt, markerRef, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// EEXIST means another packed file already recorded this
		// object's failure; that's the expected, non-error case.
		return nil
	}
	defer s.deps.MDAL.Close(h)

	rtag := RTag{ObjName: objname, Failed: status.Failed}
	if err := s.deps.MDAL.FSetXattr(h, ftag.XattrRTag, rtag.String(), 0); err != nil {
		return fmt.Errorf("write RTAG: %w", err)
	}
	if err := s.putFTag(h, rec.tag); err != nil {
		return fmt.Errorf("write FTAG on rebuild marker: %w", err)
	}

	if s.deps.Index != nil {
		if err := s.deps.Index.RecordRebuildMarker(markerRef, objname); err != nil {
			s.deps.Log.Warnf(ctx, "rebuild: failed to log marker %s: %v", markerRef, err)
		}
	}

	// hard-link the marker across every other file packed into this
	// object, so the resource manager can discover the rebuild work
	// starting from any of them.
	for i := range s.files {
		if i == s.curFile || s.files[i].handle == nil || s.files[i].tag.ObjNo != rec.tag.ObjNo {
			continue
		}
		sibRef := s.files[i].tag.RebuildMarkerName(cfg.RefBreadth, cfg.RefDepth, cfg.RefDigits)
		_ = s.deps.MDAL.LinkRef(s.deps.Ctxt, markerRef, sibRef)
	}

	return nil
}

// ConsumeRebuildMarker resolves one pending rebuild marker: it reads and
// parses the marker's RTAG, removes the RTAG xattr, unlinks the marker,
// and marks its log entry resolved. It does not rebuild any block; the
// erasure engine is not called. Returns the RTag that was consumed, for
// the resource manager's log.
func (s *Stream) ConsumeRebuildMarker(ctx context.Context, markerRef string) (RTag, error) {
	h, err := s.deps.MDAL.OpenRef(ctx, s.deps.Ctxt, markerRef, os.O_RDWR, 0)
	if err != nil {
		return RTag{}, newErr(ErrBusy, "consume-rebuild-marker", err)
	}
	defer s.deps.MDAL.Close(h)

	raw, err := s.deps.MDAL.FGetXattr(h, ftag.XattrRTag)
	if err != nil {
		return RTag{}, newErr(ErrMalformed, "consume-rebuild-marker", err)
	}
	rtag, err := parseRTag(raw)
	if err != nil {
		return RTag{}, newErr(ErrMalformed, "consume-rebuild-marker", err)
	}

	if err := s.deps.MDAL.FRemoveXattr(h, ftag.XattrRTag); err != nil {
		return rtag, newErr(ErrInvalidState, "consume-rebuild-marker", err)
	}
	if err := s.deps.MDAL.UnlinkRef(s.deps.Ctxt, markerRef); err != nil {
		return rtag, newErr(ErrInvalidState, "consume-rebuild-marker", err)
	}
	if s.deps.Index != nil {
		if err := s.deps.Index.ResolveRebuildMarker(markerRef); err != nil {
			s.deps.Log.Warnf(ctx, "rebuild: failed to mark marker %s resolved: %v", markerRef, err)
		}
	}
	return rtag, nil
}

func parseRTag(s string) (RTag, error) {
	idx := strings.LastIndexByte(s, '|')
	if idx < 0 {
		return RTag{}, fmt.Errorf("ftag: malformed RTAG %q", s)
	}
	objname := s[:idx]
	var failed []int
	if rest := s[idx+1:]; rest != "" {
		for _, tok := range strings.Split(rest, ",") {
			var b int
			if _, err := fmt.Sscanf(tok, "%d", &b); err != nil {
				return RTag{}, fmt.Errorf("ftag: malformed RTAG block index %q: %w", tok, err)
			}
			failed = append(failed, b)
		}
	}
	return RTag{ObjName: objname, Failed: failed}, nil
}
