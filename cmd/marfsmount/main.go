// Command marfsmount mounts a namespace root's completed datastream
// files read-only over FUSE, serving their real content through the
// stream engine rather than the stub files' own (empty) bytes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/marfs-io/datastream/internal/config"
	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/hashring"
	"github.com/marfs-io/datastream/internal/logging"
	"github.com/marfs-io/datastream/internal/marfsfs"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/stream"
)

func main() {
	var cfgPath, nsRoot, mountPoint string
	flag.StringVar(&cfgPath, "config", "./streamutil-config.json", "path to repo config file (json)")
	flag.StringVar(&nsRoot, "ns-root", "", "namespace root directory containing stub files created by 'streamutil create'")
	flag.StringVar(&mountPoint, "mountpoint", "", "directory to mount the read-only view at")
	flag.Parse()

	if nsRoot == "" || mountPoint == "" {
		log.Fatal("both -ns-root and -mountpoint are required")
	}

	if err := config.EnsureConfigFile(cfgPath, "./streamutil-data"); err != nil {
		log.Fatalf("config bootstrap: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validate: %v", err)
	}

	deps, err := wireDeps(cfg)
	if err != nil {
		log.Fatalf("wire deps: %v", err)
	}
	defer deps.Index.Close()

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		log.Fatalf("mkdir mountpoint: %v", err)
	}
	conn, err := fuse.Mount(mountPoint,
		fuse.ReadOnly(),
		fuse.FSName("marfs"),
		fuse.Subtype("marfs"),
	)
	if err != nil {
		log.Fatalf("mount: %v", err)
	}
	defer conn.Close()

	filesystem := &marfsfs.FS{Deps: deps, Root: nsRoot}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		_ = fuse.Unmount(mountPoint)
	}()

	log.Printf("marfsmount: serving %s at %s", nsRoot, mountPoint)
	if err := fs.Serve(conn, filesystem); err != nil {
		log.Fatalf("serve: %v", err)
	}
	<-ctx.Done()
}

func wireDeps(cfg config.Config) (stream.Deps, error) {
	pods, err := hashring.New(cfg.Placement.Pods, nil)
	if err != nil {
		return stream.Deps{}, err
	}
	caps, err := hashring.New(cfg.Placement.Caps, nil)
	if err != nil {
		return stream.Deps{}, err
	}
	scatters, err := hashring.New(cfg.Placement.Scatters, nil)
	if err != nil {
		return stream.Deps{}, err
	}
	idx, err := mdal.OpenIndex(cfg.Paths.IndexPath)
	if err != nil {
		return stream.Deps{}, err
	}
	l := logging.New(os.Stderr, "marfsmount")

	return stream.Deps{
		Config:  cfg,
		MDAL:    mdal.New(l),
		Ctxt:    mdal.NewCtxt(cfg.Paths.MetaRoot),
		Erasure: erasure.New(cfg.Paths.DataRoot, l),
		Tables:  hashring.Tables{Pods: pods, Caps: caps, Scatters: scatters},
		Index:   idx,
		Log:     l,
	}, nil
}
