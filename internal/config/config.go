// Package config loads the JSON-backed configuration for a MarFS repo:
// stream packing/size limits, the erasure protection descriptor, and the
// pod/cap/scatter node lists consumed by the hash ring.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Protection describes the N+E erasure-coding shape and the stripe unit
// size, carried on every FTAG so a stream created under one protection
// scheme remains decodable after the scheme changes.
type Protection struct {
	N      int `json:"n"`       // number of data blocks per stripe
	E      int `json:"e"`       // number of erasure blocks per stripe
	PartSz int `json:"part_sz"` // size in bytes of each block's data partition
}

// Validate checks that the protection descriptor describes a usable
// stripe shape.
func (p Protection) Validate() error {
	if p.N <= 0 {
		return errors.New("config: protection.n must be positive")
	}
	if p.E < 0 {
		return errors.New("config: protection.e must be non-negative")
	}
	if p.PartSz <= 0 {
		return errors.New("config: protection.part_sz must be positive")
	}
	return nil
}

// Placement lists the pod/cap/scatter node names used to seed the
// consistent hash rings that place objects across the physical substrate.
type Placement struct {
	Pods     []string `json:"pods"`
	Caps     []string `json:"caps"`
	Scatters []string `json:"scatters"`
}

func (p Placement) Validate() error {
	if len(p.Pods) == 0 || len(p.Caps) == 0 || len(p.Scatters) == 0 {
		return errors.New("config: placement requires at least one pod, cap, and scatter node")
	}
	return nil
}

// Stream carries the per-namespace packing/sizing limits new streams in
// this repo are created with.
type Stream struct {
	Repo       string `json:"repo"`
	Namespace  string `json:"namespace"`
	ObjFiles   int    `json:"obj_files"`   // max files packed into one object
	ObjSize    int64  `json:"obj_size"`    // max bytes per object, including header+trailers
	RefBreadth int    `json:"ref_breadth"` // reference-dir hash table breadth
	RefDepth   int    `json:"ref_depth"`   // reference-dir hash table depth
	RefDigits  int    `json:"ref_digits"`  // digit width of reference-dir path components
}

func (s Stream) Validate() error {
	if s.Repo == "" || s.Namespace == "" {
		return errors.New("config: stream.repo and stream.namespace are required")
	}
	if s.ObjFiles <= 0 {
		return errors.New("config: stream.obj_files must be positive")
	}
	if s.ObjSize <= 0 {
		return errors.New("config: stream.obj_size must be positive")
	}
	if s.RefBreadth <= 0 || s.RefDepth <= 0 || s.RefDigits <= 0 {
		return errors.New("config: stream.ref_breadth/ref_depth/ref_digits must be positive")
	}
	return nil
}

// Paths carries the on-disk roots the posix+xattr MDAL implementation and
// the local erasure engine use to back metadata inodes and data objects.
type Paths struct {
	MetaRoot  string `json:"meta_root"`
	DataRoot  string `json:"data_root"`
	IndexPath string `json:"index_path"` // sqlite resource-log db (rebuild/repack markers)
}

func (p Paths) Validate() error {
	if p.MetaRoot == "" || p.DataRoot == "" || p.IndexPath == "" {
		return errors.New("config: paths.meta_root, data_root, and index_path are required")
	}
	return nil
}

// Config is the top-level repo configuration.
type Config struct {
	Stream     Stream     `json:"stream"`
	Protection Protection `json:"protection"`
	Placement  Placement  `json:"placement"`
	Paths      Paths      `json:"paths"`
}

// Validate checks every sub-section of the configuration.
func (c Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if err := c.Protection.Validate(); err != nil {
		return err
	}
	if err := c.Placement.Validate(); err != nil {
		return err
	}
	if err := c.Paths.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a minimal usable configuration rooted at dir, for
// first-run bootstrap and for tests.
func Default(dir string) Config {
	return Config{
		Stream: Stream{
			Repo:       "repo1",
			Namespace:  "ns1",
			ObjFiles:   10000,
			ObjSize:    1 << 30,
			RefBreadth: 100,
			RefDepth:   2,
			RefDigits:  3,
		},
		Protection: Protection{N: 10, E: 2, PartSz: 1 << 20},
		Placement: Placement{
			Pods:     []string{"pod1"},
			Caps:     []string{"cap1", "cap2", "cap3", "cap4"},
			Scatters: []string{"scatter1", "scatter2"},
		},
		Paths: Paths{
			MetaRoot:  dir + "/meta",
			DataRoot:  dir + "/data",
			IndexPath: dir + "/marfs-index.db",
		},
	}
}

// EnsureConfigFile writes a Default configuration to path if no file
// exists there yet, mirroring the teacher's first-run bootstrap UX.
func EnsureConfigFile(path, rootDir string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	cfg := Default(rootDir)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
