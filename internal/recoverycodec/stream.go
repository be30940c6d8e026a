package recoverycodec

import (
	"errors"
	"fmt"
)

// FileRef describes one file's recovery info together with the slice of
// the object buffer holding that file's data, as produced by walking a
// recovery Stream with NextFile.
type FileRef struct {
	Info FInfo
	Data []byte // the file's data content within the object buffer passed to Init/Continue
}

// Stream iterates the FINFO trailers and associated data content of a
// single object's buffer, shifting across a sequence of object buffers
// that all belong to the same (ctag, streamid) stream. This mirrors the
// original's opaque RECOVERY handle and its recovery_init/recovery_cont/
// recovery_nextfile/recovery_close operations; Go exposes it as a struct
// with methods rather than an opaque pointer, but the state machine is
// unchanged: an object's whole file list is resolved once, up front, and
// NextFile just hands records out from that resolved list in write order.
type Stream struct {
	header  Header
	pending []FileRef
	closed  bool
}

// Init creates a Stream over the content of the first object in a
// stream, parsing and validating the leading recovery header, then
// resolving every packed file's data boundary in the buffer.
func Init(objbuffer []byte) (*Stream, Header, error) {
	hdr, pos, err := HeaderFromBytes(objbuffer)
	if err != nil {
		return nil, Header{}, fmt.Errorf("recoverycodec: init: %w", err)
	}
	entries, err := parseObjectFiles(objbuffer, pos)
	if err != nil {
		return nil, Header{}, fmt.Errorf("recoverycodec: init: %w", err)
	}
	return &Stream{header: hdr, pending: entries}, hdr, nil
}

// Continue shifts the Stream onto the content of a new object buffer,
// belonging to the same stream. It is an error for the new buffer's
// header to disagree with the header established by Init.
func (s *Stream) Continue(objbuffer []byte) error {
	if s.closed {
		return errors.New("recoverycodec: stream is closed")
	}
	hdr, pos, err := HeaderFromBytes(objbuffer)
	if err != nil {
		return fmt.Errorf("recoverycodec: continue: %w", err)
	}
	if hdr.Ctag != s.header.Ctag || hdr.StreamID != s.header.StreamID {
		return fmt.Errorf("recoverycodec: continue: object header (ctag=%s streamid=%s) does not match stream (ctag=%s streamid=%s)",
			hdr.Ctag, hdr.StreamID, s.header.Ctag, s.header.StreamID)
	}
	entries, err := parseObjectFiles(objbuffer, pos)
	if err != nil {
		return fmt.Errorf("recoverycodec: continue: %w", err)
	}
	s.pending = entries
	return nil
}

// NextFile returns the next file's info and data slice in the order the
// files were originally packed into the object, or ok=false (with a nil
// error) once every resolved file has been handed out.
func (s *Stream) NextFile() (FileRef, bool, error) {
	if s.closed {
		return FileRef{}, false, errors.New("recoverycodec: stream is closed")
	}
	if len(s.pending) == 0 {
		return FileRef{}, false, nil
	}
	ref := s.pending[0]
	s.pending = s.pending[1:]
	return ref, true, nil
}

// Close releases the Stream. No resources are held beyond the buffer
// reference, so Close only guards against further use.
func (s *Stream) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}

// parseObjectFiles resolves every packed file's data boundary within
// buf[headerEnd:], in the same order and by the same technique as the
// original's populate_recovery: starting from the true end of the
// buffer (always the close of the last packed file's trailer) and
// working backward, never forward. File data is opaque binary content
// and cannot be bounded by scanning forward for the next FINFO marker,
// since the marker's bytes can occur inside the data itself -- a
// forward scan would stop at the first false hit instead of the real
// trailer. Working in reverse avoids this: each FINFO record's own
// bounded, fixed-structure text is found by the nearest (rightmost)
// occurrence of its lead marker before the current boundary, and once
// parsed, its own recorded Size field -- not another marker search --
// determines where that file's data begins. Any occurrence of the
// marker bytes sitting deeper inside an earlier file's data is, by
// construction, farther from the boundary than the genuine trailer, so
// the rightmost-match search never has to tell the two apart.
func parseObjectFiles(buf []byte, headerEnd int) ([]FileRef, error) {
	anchor := []byte(MsgHead + finfoType)

	var reversed []FileRef
	end := len(buf)
	for end > headerEnd {
		rel := lastIndexOf(buf[headerEnd:end], anchor)
		if rel < 0 {
			return nil, fmt.Errorf("%w: failed to locate FINFO head/type markers", ErrMalformed)
		}
		finfoStart := headerEnd + rel

		finfo, err := FInfoFromString(string(buf[finfoStart:end]))
		if err != nil {
			return nil, err
		}

		remaining := int64(finfoStart - headerEnd)
		dataLen := int64(finfo.Size)
		if dataLen > remaining {
			dataLen = remaining
		}
		dataStart := finfoStart - int(dataLen)

		reversed = append(reversed, FileRef{Info: finfo, Data: buf[dataStart:finfoStart]})
		end = dataStart
	}

	// reversed holds files in last-packed-first order; flip it so
	// NextFile yields files in the order they were originally written.
	ordered := make([]FileRef, len(reversed))
	for i, ref := range reversed {
		ordered[len(reversed)-1-i] = ref
	}
	return ordered, nil
}

func lastIndexOf(haystack, needle []byte) int {
	n := len(needle)
	if n == 0 || n > len(haystack) {
		return -1
	}
	for i := len(haystack) - n; i >= 0; i-- {
		if string(haystack[i:i+n]) == string(needle) {
			return i
		}
	}
	return -1
}
