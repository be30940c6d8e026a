package ftag

import (
	"strings"
	"testing"

	"github.com/marfs-io/datastream/internal/config"
)

func sampleFTag() FTag {
	cfg := config.Default("/tmp/x")
	f := New("repo1#ns1#12345.0", "client-0001", 7, cfg.Protection, cfg.Stream)
	f.ObjNo = 3
	f.Offset = 4096
	f.Bytes = 8192
	f.AvailBytes = 8192
	f.RecoveryBytes = 96
	f.State = f.State.WithDataState(Sized) | Writeable
	f.EndOfStream = false
	return f
}

func TestFTagRoundTrip(t *testing.T) {
	f := sampleFTag()
	s := f.String()
	got, err := ParseFTag(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != f {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestFTagRejectsNewerMajorVersion(t *testing.T) {
	f := sampleFTag()
	f.MajorVersion = CurrentMajorVersion + 1
	if _, err := ParseFTag(f.String()); err == nil {
		t.Fatal("expected error parsing an FTAG with a newer major version")
	}
}

func TestFTagRejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseFTag("0.1|only|a|few|fields"); err == nil {
		t.Fatal("expected error parsing a truncated FTAG string")
	}
}

func TestStateDataStatePreservesFlags(t *testing.T) {
	s := State(Init) | Writeable | Readable
	s = s.WithDataState(Comp)
	if s.DataState() != Comp {
		t.Fatalf("DataState() = %v, want Comp", s.DataState())
	}
	if s&Writeable == 0 || s&Readable == 0 {
		t.Fatalf("WithDataState cleared flag bits: %v", s)
	}
}

func TestMetanameDeterministic(t *testing.T) {
	a := Metaname("c1", "repo1#ns1#1.0", 42, 100, 2, 3)
	b := Metaname("c1", "repo1#ns1#1.0", 42, 100, 2, 3)
	if a != b {
		t.Fatalf("Metaname not deterministic: %q vs %q", a, b)
	}
	c := Metaname("c1", "repo1#ns1#1.0", 43, 100, 2, 3)
	if a == c {
		t.Fatalf("Metaname collided across distinct filenos: %q", a)
	}
}

func TestMarkerNamesUseReservedSuffixes(t *testing.T) {
	f := sampleFTag()
	rebuild := f.RebuildMarkerName(100, 2, 3)
	if !strings.HasSuffix(rebuild, "|3rebuild") {
		t.Fatalf("rebuild marker name %q missing |<objno>rebuild suffix", rebuild)
	}
	repack := "some/refpath" + RepackMarkerSuffix
	if !strings.HasSuffix(repack, "|repack") {
		t.Fatalf("repack marker name %q missing |repack suffix", repack)
	}
}

func TestObjectNameStableAcrossFilesInSameObject(t *testing.T) {
	f1 := sampleFTag()
	f2 := sampleFTag()
	f2.FileNo = f1.FileNo + 1
	n1, _ := f1.DataTarget()
	n2, _ := f2.DataTarget()
	if n1 != n2 {
		t.Fatalf("two files in the same object produced different object names: %q vs %q", n1, n2)
	}
}
