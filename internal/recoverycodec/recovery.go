// Package recoverycodec encodes and decodes the recovery header and
// per-file recovery info (FINFO) records embedded in object data, so that
// object contents can be reassembled into files without the metadata
// tier. This is a near-literal port of original_source/src/recovery's
// recovery.c: same marker strings, same fixed-width padding, same
// reverse-scan parse order.
package recoverycodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/rangetable"

	"github.com/marfs-io/datastream/internal/numfmt"
)

// Message framing markers. Recovery strings are 7-bit ASCII and safe to
// embed in erasure-coded binary streams because these markers are
// located by suffix-tail scan, not by any binary-safe length prefix.
const (
	MsgHead = "\nRECOV("
	MsgTail = ")\n"

	headerType = "HEADER||"
	finfoType  = "FINFO||"
)

// CurrentMajorVersion/CurrentMinorVersion are the recovery record format
// versions this codec produces and the newest it accepts from peers.
const (
	CurrentMajorVersion = 0
	CurrentMinorVersion = 1
)

// Header is the per-object recovery header: the format version plus the
// (ctag, streamid) pair every FINFO in the object must agree with.
type Header struct {
	MajorVersion uint
	MinorVersion uint
	Ctag         string
	StreamID     string
}

// ErrMalformed is wrapped by every parse failure in this package.
var ErrMalformed = errors.New("recoverycodec: malformed record")

// HeaderToString encodes hdr as "\nRECOV(HEADER||<major>.<minor>|<ctag>|<streamid>)\n",
// with major/minor zero-padded to a fixed width so that header length
// depends only on version-number width conventions, not on value
// magnitude.
func HeaderToString(hdr Header) string {
	var b strings.Builder
	b.WriteString(MsgHead)
	b.WriteString(headerType)
	fmt.Fprintf(&b, "%0*d.%0*d", numfmt.UintDigits, hdr.MajorVersion, numfmt.UintDigits, hdr.MinorVersion)
	b.WriteByte('|')
	b.WriteString(hdr.Ctag)
	b.WriteByte('|')
	b.WriteString(hdr.StreamID)
	b.WriteString(MsgTail)
	return b.String()
}

// HeaderFromBytes parses a recovery header from the front of buf,
// returning the parsed header and the byte offset one past the header's
// closing tail marker (the "tail_pos" of §4.1).
func HeaderFromBytes(buf []byte) (Header, int, error) {
	s := string(buf)
	pos := 0
	if !strings.HasPrefix(s[pos:], MsgHead) {
		return Header{}, 0, fmt.Errorf("%w: missing header lead marker", ErrMalformed)
	}
	pos += len(MsgHead)
	if !strings.HasPrefix(s[pos:], headerType) {
		return Header{}, 0, fmt.Errorf("%w: missing HEADER type tag", ErrMalformed)
	}
	pos += len(headerType)

	dot := strings.IndexByte(s[pos:], '.')
	if dot < 0 {
		return Header{}, 0, fmt.Errorf("%w: header missing major/minor separator", ErrMalformed)
	}
	major, err := strconv.ParseUint(s[pos:pos+dot], 10, 32)
	if err != nil {
		return Header{}, 0, fmt.Errorf("%w: bad major version: %v", ErrMalformed, err)
	}
	pos += dot + 1

	bar := strings.IndexByte(s[pos:], '|')
	if bar < 0 {
		return Header{}, 0, fmt.Errorf("%w: header missing minor version separator", ErrMalformed)
	}
	minor, err := strconv.ParseUint(s[pos:pos+bar], 10, 32)
	if err != nil {
		return Header{}, 0, fmt.Errorf("%w: bad minor version: %v", ErrMalformed, err)
	}
	pos += bar + 1

	if major > CurrentMajorVersion {
		return Header{}, 0, fmt.Errorf("%w: header major version %d is newer than codec version %d",
			ErrMalformed, major, CurrentMajorVersion)
	}

	bar = strings.IndexByte(s[pos:], '|')
	if bar < 0 {
		return Header{}, 0, fmt.Errorf("%w: header missing ctag separator", ErrMalformed)
	}
	ctag := s[pos : pos+bar]
	pos += bar + 1

	tail := strings.Index(s[pos:], MsgTail)
	if tail < 0 {
		return Header{}, 0, fmt.Errorf("%w: header missing tail marker", ErrMalformed)
	}
	streamid := s[pos : pos+tail]
	pos += tail + len(MsgTail)

	return Header{
		MajorVersion: uint(major),
		MinorVersion: uint(minor),
		Ctag:         ctag,
		StreamID:     streamid,
	}, pos, nil
}

// FInfo is the per-file recovery trailer embedded immediately after a
// file's data within an object.
type FInfo struct {
	Inode uint64
	Mode  uint32
	Owner uint32
	Group uint32
	Size  uint64
	MTime time.Time
	EOF   bool
	Path  string
}

// FInfoToString encodes finfo per the format in §4.1:
// "\nRECOV(FINFO||i<inode>|m0<octal-mode>|o<uid>|g<gid>|s<size-digits>|t<sec>.<nsec>|e<0|1>|p<pathlen>:<path>)\n".
// Size and timestamp fields are padded to fixed widths; inode, mode,
// owner and group are not. For a file whose identity and path do not
// change, the length therefore does not vary with size or eof, so it is
// stable across writes -- required for the
// "stable trailer length" property of §8.
func FInfoToString(finfo FInfo) (string, error) {
	if !isASCII(finfo.Path) {
		return "", fmt.Errorf("recoverycodec: path %q is not representable in 7-bit ASCII", finfo.Path)
	}
	eof := 0
	if finfo.EOF {
		eof = 1
	}
	var b strings.Builder
	b.WriteString(MsgHead)
	b.WriteString(finfoType)
	fmt.Fprintf(&b, "i%d|m0%o|o%d|g%d|s%0*d|t%0*d.%0*d|e%d|p%d:%s",
		finfo.Inode,
		finfo.Mode,
		finfo.Owner,
		finfo.Group,
		numfmt.SizeDigits, finfo.Size,
		numfmt.SizeDigits, finfo.MTime.Unix(),
		numfmt.SizeDigits, finfo.MTime.Nanosecond(),
		eof,
		len(finfo.Path), finfo.Path,
	)
	b.WriteString(MsgTail)
	return b.String(), nil
}

// asciiTable is the Unicode range table for the 7-bit ASCII repertoire
// (U+0000-U+007F), the only repertoire a path may use to be embedded in
// a recovery trailer.
var asciiTable = rangetable.New(asciiRunes()...)

func asciiRunes() []rune {
	rs := make([]rune, 0, 0x80)
	for r := rune(0); r <= 0x7F; r++ {
		rs = append(rs, r)
	}
	return rs
}

// isASCII reports whether s contains only runes in asciiTable. It is
// built on runes.NotIn rather than a hand-rolled byte scan so that a
// multi-byte UTF-8 sequence is rejected as a whole instead of byte by
// byte.
func isASCII(s string) bool {
	outOfRange := runes.NotIn(asciiTable)
	for _, r := range s {
		if outOfRange.Contains(r) {
			return false
		}
	}
	return true
}

// FInfoFromString parses a single FINFO string, expecting the full
// string (no leading/trailing garbage) to be exactly one record.
func FInfoFromString(s string) (FInfo, error) {
	finfo, consumed, err := parseFInfo(s)
	if err != nil {
		return FInfo{}, err
	}
	if consumed != len(s) {
		return FInfo{}, fmt.Errorf("%w: trailing characters after FINFO record", ErrMalformed)
	}
	return finfo, nil
}

// parseFInfo parses a FINFO record starting at the beginning of s and
// returns the record plus the number of bytes consumed.
func parseFInfo(s string) (FInfo, int, error) {
	pos := 0
	if !strings.HasPrefix(s[pos:], MsgHead) {
		return FInfo{}, 0, fmt.Errorf("%w: missing FINFO lead marker", ErrMalformed)
	}
	pos += len(MsgHead)
	if !strings.HasPrefix(s[pos:], finfoType) {
		return FInfo{}, 0, fmt.Errorf("%w: missing FINFO type tag", ErrMalformed)
	}
	pos += len(finfoType)

	var finfo FInfo
	var have struct{ i, m, o, g, s, t, e, p bool }

	for {
		if strings.HasPrefix(s[pos:], MsgTail) {
			pos += len(MsgTail)
			break
		}
		if pos >= len(s) {
			return FInfo{}, 0, fmt.Errorf("%w: FINFO terminates without tail marker", ErrMalformed)
		}
		tag := s[pos]
		pos++
		switch tag {
		case 'i':
			if have.i {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate inode field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			finfo.Inode = v
			pos += n
			have.i = true
		case 'm':
			if have.m {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate mode field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 8, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			finfo.Mode = uint32(v)
			pos += n
			have.m = true
		case 'o':
			if have.o {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate owner field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			finfo.Owner = uint32(v)
			pos += n
			have.o = true
		case 'g':
			if have.g {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate group field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			finfo.Group = uint32(v)
			pos += n
			have.g = true
		case 's':
			if have.s {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate size field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			finfo.Size = v
			pos += n
			have.s = true
		case 't':
			if have.t {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate timestamp field", ErrMalformed)
			}
			sec, n, err := readUintField(s[pos:], 10, ".")
			if err != nil {
				return FInfo{}, 0, err
			}
			pos += n
			nsec, n2, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			pos += n2
			finfo.MTime = time.Unix(int64(sec), int64(nsec)).UTC()
			have.t = true
		case 'e':
			if have.e {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate eof field", ErrMalformed)
			}
			v, n, err := readUintField(s[pos:], 10, "|")
			if err != nil {
				return FInfo{}, 0, err
			}
			if v != 0 && v != 1 {
				return FInfo{}, 0, fmt.Errorf("%w: eof field must be 0 or 1, got %d", ErrMalformed, v)
			}
			finfo.EOF = v == 1
			pos += n
			have.e = true
		case 'p':
			if have.p {
				return FInfo{}, 0, fmt.Errorf("%w: duplicate path field", ErrMalformed)
			}
			colon := strings.IndexByte(s[pos:], ':')
			if colon < 0 {
				return FInfo{}, 0, fmt.Errorf("%w: path field missing ':' separator", ErrMalformed)
			}
			plen, err := strconv.Atoi(s[pos : pos+colon])
			if err != nil {
				return FInfo{}, 0, fmt.Errorf("%w: bad path length: %v", ErrMalformed, err)
			}
			pos += colon + 1
			if pos+plen > len(s) {
				return FInfo{}, 0, fmt.Errorf("%w: path field exceeds remaining buffer", ErrMalformed)
			}
			finfo.Path = s[pos : pos+plen]
			pos += plen
			if pos < len(s) && s[pos] == '|' {
				pos++
			}
			have.p = true
		default:
			return FInfo{}, 0, fmt.Errorf("%w: unrecognized FINFO field tag %q", ErrMalformed, tag)
		}
	}

	if !(have.i && have.m && have.o && have.g && have.s && have.t && have.e && have.p) {
		return FInfo{}, 0, fmt.Errorf("%w: FINFO missing required fields", ErrMalformed)
	}
	return finfo, pos, nil
}

// readUintField parses an unsigned integer at the start of s in the
// given base, stopping at the first occurrence of any byte in stopset
// (consumed) or at the tail marker (not consumed).
func readUintField(s string, base int, stopset string) (uint64, int, error) {
	i := 0
	for i < len(s) && strings.IndexByte("0123456789abcdefABCDEF", s[i]) >= 0 {
		i++
	}
	if i == 0 {
		return 0, 0, fmt.Errorf("%w: expected numeric field", ErrMalformed)
	}
	v, err := strconv.ParseUint(s[:i], base, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad numeric field: %v", ErrMalformed, err)
	}
	if i < len(s) && strings.IndexByte(stopset, s[i]) >= 0 {
		return v, i + 1, nil
	}
	if strings.HasPrefix(s[i:], MsgTail) {
		return v, i, nil
	}
	return 0, 0, fmt.Errorf("%w: numeric field terminates unexpectedly", ErrMalformed)
}
