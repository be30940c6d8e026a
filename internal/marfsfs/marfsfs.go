// Package marfsfs exposes a read-only FUSE view of a namespace root
// populated by streamutil's "create" command: every regular file under
// the root is a stub carrying a user.ftag xattr, and this filesystem
// serves its real content by opening the stream engine instead of
// reading the stub's own (empty) bytes. Directories are served directly
// off the underlying tree via os.Stat/os.ReadDir, the same
// pattern the teacher's RawFS uses for its import tree (one node type
// per directory level, Attr/ReadDirAll/Lookup, plus a leaf node whose
// Read fans out to the real data source instead of a local file).
package marfsfs

import (
	"context"
	"os"
	"path/filepath"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/marfs-io/datastream/internal/stream"
)

// FS is the root of the read-only mount: Deps wired the same way a
// streamutil session wires them, plus the local namespace root directory
// stub files were created under.
type FS struct {
	Deps Deps
	Root string
}

// Deps is the same collaborator bundle every Stream needs; aliased here
// so FS's field type reads without the stream package qualifier.
type Deps = stream.Deps

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) { return f.dirNode(f.Root) }

func (f *FS) dirNode(path string) (fs.Node, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fuse.ENOENT
	}
	if !fi.IsDir() {
		return nil, fuse.Errno(fuse.ENOTDIR)
	}
	return &dirNode{fs: f, path: path}, nil
}

type dirNode struct {
	fs   *FS
	path string
}

func (n *dirNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (n *dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := os.ReadDir(n.path)
	if err != nil {
		return nil, fuse.EIO
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		typ := fuse.DT_File
		if e.IsDir() {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name(), Type: typ})
	}
	return out, nil
}

func (n *dirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	full := filepath.Join(n.path, name)
	fi, err := os.Stat(full)
	if err != nil {
		return nil, fuse.ENOENT
	}
	if fi.IsDir() {
		return &dirNode{fs: n.fs, path: full}, nil
	}
	return &fileNode{fs: n.fs, path: full}, nil
}

// fileNode is a leaf entry backed by a completed datastream file: its
// Attr comes from opening a READ stream just long enough to read the
// FTAG, and every Read opens a fresh READ stream and seeks to the
// requested offset. This trades one stream open per FUSE read for
// simplicity, the same tradeoff RawFS makes by re-fetching on every
// cache miss rather than holding a persistent handle per open file.
type fileNode struct {
	fs   *FS
	path string
}

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	s, err := stream.Open(ctx, n.fs.Deps, n.path, stream.ReadStream)
	if err != nil {
		return fuse.EIO
	}
	defer s.Release()
	tag, err := s.CurFile()
	if err != nil {
		return fuse.EIO
	}
	a.Mode = 0o444
	a.Size = uint64(tag.Bytes)
	return nil
}

func (n *fileNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	s, err := stream.Open(ctx, n.fs.Deps, n.path, stream.ReadStream)
	if err != nil {
		return fuse.EIO
	}
	defer s.Release()

	if req.Offset > 0 {
		if _, err := s.Seek(req.Offset, stream.SeekSet); err != nil {
			return fuse.EIO
		}
	}

	buf := make([]byte, req.Size)
	got := 0
	for got < len(buf) {
		n, err := s.Read(ctx, buf[got:])
		got += n
		if err != nil {
			return fuse.EIO
		}
		if n == 0 {
			break
		}
	}
	resp.Data = buf[:got]
	return nil
}

var _ fs.FS = (*FS)(nil)
var _ fs.Node = (*dirNode)(nil)
var _ fs.HandleReadDirAller = (*dirNode)(nil)
var _ fs.NodeStringLookuper = (*dirNode)(nil)
var _ fs.Node = (*fileNode)(nil)
var _ fs.HandleReader = (*fileNode)(nil)
