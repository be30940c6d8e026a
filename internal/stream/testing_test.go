package stream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marfs-io/datastream/internal/config"
	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/hashring"
	"github.com/marfs-io/datastream/internal/logging"
	"github.com/marfs-io/datastream/internal/mdal"
)

// skipIfNoXattrs probes whether the test filesystem supports user
// extended attributes (not guaranteed under every container overlay or
// tmpfs configuration) and skips the calling test if not, matching
// mdal_test.go's own defensive skip.
func skipIfNoXattrs(t *testing.T, m *mdal.MDAL) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "probe")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := m.Open(context.Background(), path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)
	if err := m.FSetXattr(h, "user.probe", "x", mdal.XattrDefault); err != nil {
		t.Skipf("xattrs unsupported on this filesystem: %v", err)
	}
}

// testDeps builds a fully wired Deps over a temp directory, small enough
// packing limits to exercise multi-object behavior within a few files.
func testDeps(t *testing.T, objFiles int, objSize int64) Deps {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Stream.ObjFiles = objFiles
	cfg.Stream.ObjSize = objSize
	cfg.Protection = config.Protection{N: 2, E: 1, PartSz: 1 << 16}

	pods, err := hashring.New(cfg.Placement.Pods, nil)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := hashring.New(cfg.Placement.Caps, nil)
	if err != nil {
		t.Fatal(err)
	}
	scatters, err := hashring.New(cfg.Placement.Scatters, nil)
	if err != nil {
		t.Fatal(err)
	}

	idx, err := mdal.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	return Deps{
		Config:  cfg,
		MDAL:    mdal.New(nil),
		Ctxt:    mdal.NewCtxt(filepath.Join(dir, "refs")),
		Erasure: erasure.New(filepath.Join(dir, "data"), nil),
		Tables:  hashring.Tables{Pods: pods, Caps: caps, Scatters: scatters},
		Index:   idx,
		Log:     logging.Discard(),
	}
}

func fixedTime() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}
