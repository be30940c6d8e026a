package recoverycodec

import (
	"strings"
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	hdr := Header{MajorVersion: 0, MinorVersion: 1, Ctag: "client-0001", StreamID: "repo1#ns1#12345.0"}
	s := HeaderToString(hdr)
	got, pos, err := HeaderFromBytes([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Fatalf("got %+v, want %+v", got, hdr)
	}
	if pos != len(s) {
		t.Fatalf("pos = %d, want %d", pos, len(s))
	}
}

func TestHeaderRejectsNewerMajorVersion(t *testing.T) {
	hdr := Header{MajorVersion: CurrentMajorVersion + 1, MinorVersion: 0, Ctag: "c", StreamID: "s"}
	s := HeaderToString(hdr)
	if _, _, err := HeaderFromBytes([]byte(s)); err == nil {
		t.Fatal("expected error parsing a header with a newer major version")
	}
}

func TestFInfoRoundTrip(t *testing.T) {
	finfo := FInfo{
		Inode: 9182,
		Mode:  0o100644,
		Owner: 1000,
		Group: 1000,
		Size:  4096,
		MTime: time.Unix(1700000000, 123456).UTC(),
		EOF:   true,
		Path:  "/ns1/dir/file.dat",
	}
	s, err := FInfoToString(finfo)
	if err != nil {
		t.Fatal(err)
	}
	got, err := FInfoFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != finfo {
		t.Fatalf("got %+v, want %+v", got, finfo)
	}
}

func TestFInfoTrailerLengthStableAcrossSizeMagnitude(t *testing.T) {
	base := FInfo{Inode: 1, Mode: 0o644, Owner: 0, Group: 0, MTime: time.Unix(0, 0).UTC(), Path: "/a/b"}
	small := base
	small.Size = 1
	big := base
	big.Size = 18446744073709551615

	ss, err := FInfoToString(small)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := FInfoToString(big)
	if err != nil {
		t.Fatal(err)
	}
	if len(ss) != len(sb) {
		t.Fatalf("trailer length depends on size magnitude: %d vs %d", len(ss), len(sb))
	}
}

func TestFInfoRejectsNonASCIIPath(t *testing.T) {
	finfo := FInfo{Path: "/ns1/café"}
	if _, err := FInfoToString(finfo); err == nil {
		t.Fatal("expected error encoding a non-ASCII path")
	}
}

func TestStreamWalksMultipleFiles(t *testing.T) {
	hdr := Header{MajorVersion: 0, MinorVersion: 1, Ctag: "c1", StreamID: "repo1#ns1#1.0"}

	var b strings.Builder
	b.WriteString(HeaderToString(hdr))

	files := []struct {
		data  string
		finfo FInfo
	}{
		{"hello world", FInfo{Inode: 1, Mode: 0o644, Size: 11, Path: "/a", MTime: time.Unix(1, 0).UTC()}},
		{"second file content, longer than the first", FInfo{Inode: 2, Mode: 0o644, Size: 42, Path: "/b", MTime: time.Unix(2, 0).UTC(), EOF: true}},
	}
	for _, f := range files {
		b.WriteString(f.data)
		trailer, err := FInfoToString(f.finfo)
		if err != nil {
			t.Fatal(err)
		}
		b.WriteString(trailer)
	}

	buf := []byte(b.String())
	stream, gotHdr, err := Init(buf)
	if err != nil {
		t.Fatal(err)
	}
	if gotHdr != hdr {
		t.Fatalf("header = %+v, want %+v", gotHdr, hdr)
	}

	for i, want := range files {
		ref, ok, err := stream.NextFile()
		if err != nil {
			t.Fatalf("file %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("file %d: expected another file", i)
		}
		if string(ref.Data) != want.data {
			t.Errorf("file %d data = %q, want %q", i, ref.Data, want.data)
		}
		if ref.Info.Path != want.finfo.Path {
			t.Errorf("file %d path = %q, want %q", i, ref.Info.Path, want.finfo.Path)
		}
	}

	_, ok, err := stream.NextFile()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no more files")
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamContinueRejectsMismatchedHeader(t *testing.T) {
	hdr1 := Header{MajorVersion: 0, MinorVersion: 1, Ctag: "c1", StreamID: "s1"}
	hdr2 := Header{MajorVersion: 0, MinorVersion: 1, Ctag: "c2", StreamID: "s2"}

	buf1 := []byte(HeaderToString(hdr1))
	buf2 := []byte(HeaderToString(hdr2))

	stream, _, err := Init(buf1)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Continue(buf2); err == nil {
		t.Fatal("expected error continuing onto an object with a different stream header")
	}
}
