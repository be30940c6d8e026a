// Package ftag implements the FTAG record: the per-file location and
// state descriptor stored as a metadata xattr, and the metadata-path
// derivations (reference paths, object names, rebuild/repack marker
// names) that follow from it. This is reconstructed from
// original_source/src/datastream/datastream.c's extensive use of
// curfile->ftag.* (no ftag.h/.c was retrieved into the reference pack),
// so the struct shape here is inferred from every field the source
// actually reads and writes rather than copied from a header.
package ftag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/marfs-io/datastream/internal/config"
)

// CurrentMajorVersion/CurrentMinorVersion are the FTAG format versions
// this package produces and the newest it will accept.
const (
	CurrentMajorVersion = 0
	CurrentMinorVersion = 1
)

// DataState is the FTAG_DATASTATE field: how far a file's content has
// progressed through the write lifecycle.
type DataState int

const (
	// Init is the state of a freshly created file: no data written yet.
	Init DataState = iota
	// Sized means at least one byte of data has been written and the
	// file's eventual size is no longer assumed to be zero.
	Sized
	// Fin means the file's data content is complete but its closing
	// recovery trailer (and therefore its final FTAG) has not yet been
	// written.
	Fin
	// Comp means the file is fully complete: content, trailer, and FTAG
	// all finalized.
	Comp
)

func (d DataState) String() string {
	switch d {
	case Init:
		return "INIT"
	case Sized:
		return "SIZED"
	case Fin:
		return "FIN"
	case Comp:
		return "COMP"
	default:
		return fmt.Sprintf("DataState(%d)", int(d))
	}
}

// State bits. DataState occupies the low two bits; Writeable/Readable
// are independent flag bits layered on top, mirroring the original's
// FTAG_DATASTATE mask plus FTAG_WRITEABLE/FTAG_READABLE bit flags.
type State int

const (
	dataStateMask State = 0x3
	Writeable     State = 1 << 2
	Readable      State = 1 << 3
)

// DataState extracts the data-state component of a State value.
func (s State) DataState() DataState { return DataState(s & dataStateMask) }

// WithDataState returns s with its data-state bits replaced by ds,
// preserving the Writeable/Readable flags.
func (s State) WithDataState(ds DataState) State {
	return (s &^ dataStateMask) | State(ds)
}

func (s State) String() string {
	var b strings.Builder
	b.WriteString(s.DataState().String())
	if s&Writeable != 0 {
		b.WriteString("|WRITEABLE")
	}
	if s&Readable != 0 {
		b.WriteString("|READABLE")
	}
	return b.String()
}

// Protection is the erasure shape a file was written under, carried on
// every FTAG so an object written under one protection scheme remains
// decodable after the repo's default protection changes.
type Protection struct {
	N      int
	E      int
	PartSz int
}

func fromConfigProtection(p config.Protection) Protection {
	return Protection{N: p.N, E: p.E, PartSz: p.PartSz}
}

// FTag is the per-file location/state descriptor stored as the
// "user.ftag" xattr of a file's metadata inode.
type FTag struct {
	MajorVersion uint
	MinorVersion uint

	// Identity
	StreamID string // repo#namespace#sec.nsec
	Ctag     string
	FileNo   int64

	// Location
	ObjNo      int64
	Offset     int64 // byte offset of this file's data within object ObjNo
	Protection Protection

	// Object packing limits this file's stream was created with, carried
	// so a reader can reconstruct packing boundaries without a live
	// config lookup.
	ObjFiles int
	ObjSize  int64

	// Sizing
	Bytes         int64 // bytes of file content
	AvailBytes    int64 // bytes of file content recoverable without erasure rebuild
	RecoveryBytes int64 // length, in bytes, of this file's trailing FINFO record

	State       State
	EndOfStream bool
}

// ErrMalformed is wrapped by every FTag parse failure.
var ErrMalformed = errors.New("ftag: malformed record")

const fieldSep = "|"

// String encodes the FTag as a single '|'-delimited line suitable for
// storage as an xattr value, mirroring the original's ftag_tostr.
func (f FTag) String() string {
	eos := 0
	if f.EndOfStream {
		eos = 1
	}
	fields := []string{
		fmt.Sprintf("%d.%d", f.MajorVersion, f.MinorVersion),
		f.StreamID,
		f.Ctag,
		strconv.FormatInt(f.FileNo, 10),
		strconv.FormatInt(f.ObjNo, 10),
		strconv.FormatInt(f.Offset, 10),
		fmt.Sprintf("%d+%d/%d", f.Protection.N, f.Protection.E, f.Protection.PartSz),
		strconv.Itoa(f.ObjFiles),
		strconv.FormatInt(f.ObjSize, 10),
		strconv.FormatInt(f.Bytes, 10),
		strconv.FormatInt(f.AvailBytes, 10),
		strconv.FormatInt(f.RecoveryBytes, 10),
		strconv.Itoa(int(f.State)),
		strconv.Itoa(eos),
	}
	return strings.Join(fields, fieldSep)
}

// ParseFTag decodes a string produced by FTag.String. A stored FTag with
// a newer major version than this package supports is refused outright,
// since the field layout for a future major version is not known to be
// compatible.
func ParseFTag(s string) (FTag, error) {
	fields := strings.Split(s, fieldSep)
	if len(fields) != 14 {
		return FTag{}, fmt.Errorf("%w: expected 14 fields, got %d", ErrMalformed, len(fields))
	}

	verParts := strings.SplitN(fields[0], ".", 2)
	if len(verParts) != 2 {
		return FTag{}, fmt.Errorf("%w: malformed version field %q", ErrMalformed, fields[0])
	}
	major, err := strconv.ParseUint(verParts[0], 10, 32)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad major version: %v", ErrMalformed, err)
	}
	if uint(major) > CurrentMajorVersion {
		return FTag{}, fmt.Errorf("%w: FTAG major version %d is newer than supported version %d",
			ErrMalformed, major, CurrentMajorVersion)
	}
	minor, err := strconv.ParseUint(verParts[1], 10, 32)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad minor version: %v", ErrMalformed, err)
	}

	fileno, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad fileno: %v", ErrMalformed, err)
	}
	objno, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad objno: %v", ErrMalformed, err)
	}
	offset, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad offset: %v", ErrMalformed, err)
	}

	prot, err := parseProtection(fields[6])
	if err != nil {
		return FTag{}, err
	}

	objfiles, err := strconv.Atoi(fields[7])
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad objfiles: %v", ErrMalformed, err)
	}
	objsize, err := strconv.ParseInt(fields[8], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad objsize: %v", ErrMalformed, err)
	}
	bytes, err := strconv.ParseInt(fields[9], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad bytes: %v", ErrMalformed, err)
	}
	avail, err := strconv.ParseInt(fields[10], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad availbytes: %v", ErrMalformed, err)
	}
	recov, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad recoverybytes: %v", ErrMalformed, err)
	}
	stateVal, err := strconv.Atoi(fields[12])
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad state: %v", ErrMalformed, err)
	}
	eosVal, err := strconv.Atoi(fields[13])
	if err != nil {
		return FTag{}, fmt.Errorf("%w: bad end-of-stream flag: %v", ErrMalformed, err)
	}
	if eosVal != 0 && eosVal != 1 {
		return FTag{}, fmt.Errorf("%w: end-of-stream flag must be 0 or 1, got %d", ErrMalformed, eosVal)
	}

	return FTag{
		MajorVersion:  uint(major),
		MinorVersion:  uint(minor),
		StreamID:      fields[1],
		Ctag:          fields[2],
		FileNo:        fileno,
		ObjNo:         objno,
		Offset:        offset,
		Protection:    prot,
		ObjFiles:      objfiles,
		ObjSize:       objsize,
		Bytes:         bytes,
		AvailBytes:    avail,
		RecoveryBytes: recov,
		State:         State(stateVal),
		EndOfStream:   eosVal == 1,
	}, nil
}

func parseProtection(s string) (Protection, error) {
	plus := strings.IndexByte(s, '+')
	slash := strings.IndexByte(s, '/')
	if plus < 0 || slash < 0 || slash < plus {
		return Protection{}, fmt.Errorf("%w: malformed protection field %q", ErrMalformed, s)
	}
	n, err := strconv.Atoi(s[:plus])
	if err != nil {
		return Protection{}, fmt.Errorf("%w: bad protection N: %v", ErrMalformed, err)
	}
	e, err := strconv.Atoi(s[plus+1 : slash])
	if err != nil {
		return Protection{}, fmt.Errorf("%w: bad protection E: %v", ErrMalformed, err)
	}
	partsz, err := strconv.Atoi(s[slash+1:])
	if err != nil {
		return Protection{}, fmt.Errorf("%w: bad protection part size: %v", ErrMalformed, err)
	}
	return Protection{N: n, E: e, PartSz: partsz}, nil
}

// New builds the initial FTag for file fileno of a freshly created
// stream, with zeroed size/location fields.
func New(streamid, ctag string, fileno int64, prot config.Protection, cfg config.Stream) FTag {
	return FTag{
		MajorVersion: CurrentMajorVersion,
		MinorVersion: CurrentMinorVersion,
		StreamID:     streamid,
		Ctag:         ctag,
		FileNo:       fileno,
		Protection:   fromConfigProtection(prot),
		ObjFiles:     cfg.ObjFiles,
		ObjSize:      cfg.ObjSize,
		State:        State(Init),
	}
}
