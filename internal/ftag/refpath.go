package ftag

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Metaname derives the deterministic reference-dir-relative name for a
// file identified by (ctag, streamid, fileno), hashed into refbreadth
// buckets at refdepth levels of nesting. The breadth/depth/digits triple
// is carried on the FTAG itself (not looked up from live config) so that
// an FTAG produced under an older namespace layout still resolves.
//
// Grounded on spec.md §4.2 ("A deterministic function of (ctag, streamid,
// fileno) mapped through a hash table of reference directories... using
// the reference breadth/depth/digits recorded in the FTAG").
func Metaname(ctag, streamid string, fileno int64, refbreadth, refdepth, refdigits int) string {
	h := fnvHash(fmt.Sprintf("%s#%s#%d", ctag, streamid, fileno))
	var segs []string
	for level := 0; level < refdepth; level++ {
		bucket := h % uint64(refbreadth)
		h /= uint64(refbreadth)
		segs = append(segs, padDigits(bucket, refdigits))
	}
	segs = append(segs, fmt.Sprintf("%s#%s#%d", ctag, streamid, fileno))
	return strings.Join(segs, "/")
}

// fnvHash spreads metanames evenly across reference-directory buckets
// using the standard library's 64-bit FNV-1a, which carries no
// cryptographic or on-disk-compatibility requirement beyond
// "deterministic and well-mixed".
func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func padDigits(v uint64, digits int) string {
	s := strconv.FormatUint(v, 10)
	if len(s) >= digits {
		return s[len(s)-digits:]
	}
	return strings.Repeat("0", digits-len(s)) + s
}

// RefPath returns the full reference path of f under refdir, using the
// breadth/depth/digits recorded on the FTAG itself.
func (f FTag) RefPath(refdir string, refbreadth, refdepth, refdigits int) string {
	return refdir + "/" + Metaname(f.Ctag, f.StreamID, f.FileNo, refbreadth, refdepth, refdigits)
}

// RebuildMarkerSuffix is the reserved reference-name suffix identifying
// a rebuild marker for the given object number, per spec.md §4.4:
// "a reference file named <metaname>|<objno>rebuild".
func RebuildMarkerSuffix(objno int64) string {
	return fmt.Sprintf("|%drebuild", objno)
}

// RebuildMarkerName returns the rebuild-marker metaname for file f's
// current object, f.ObjNo.
func (f FTag) RebuildMarkerName(refbreadth, refdepth, refdigits int) string {
	return Metaname(f.Ctag, f.StreamID, f.FileNo, refbreadth, refdepth, refdigits) + RebuildMarkerSuffix(f.ObjNo)
}

// RepackMarkerSuffix is the reserved reference-name suffix identifying a
// repack marker, per spec.md §4.2/§4.3: a sibling of the file being
// repacked, named "<refpath-of-the-original-file>|repack".
const RepackMarkerSuffix = "|repack"

// ObjectName derives the data-object name a file's content lives in:
// deterministic from (streamid, objno) so that every file packed into
// the same object computes an identical name independent of fileno.
func ObjectName(streamid string, objno int64) string {
	return fmt.Sprintf("%s/obj%d", streamid, objno)
}

// DataTarget returns the object name this file's data currently lives
// in (ftag.ObjNo) together with the byte offset of that file's content
// within it.
func (f FTag) DataTarget() (objname string, offset int64) {
	return ObjectName(f.StreamID, f.ObjNo), f.Offset
}
