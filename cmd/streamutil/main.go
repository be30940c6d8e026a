// Command streamutil is an interactive shell for exercising the
// datastream core directly, the Go counterpart to
// original_source/src/datastream/streamutil.c's line-oriented command
// loop. It reads one command per line from stdin, dispatches it against
// whichever Stream is currently open, and prints results to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marfs-io/datastream/internal/config"
	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/hashring"
	"github.com/marfs-io/datastream/internal/logging"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/stream"
)

const prompt = "streamutil> "

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./streamutil-config.json", "path to repo config file (json)")
	flag.Parse()

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

	sh := &shell{deps: deps, out: os.Stdout}
	sh.run(os.Stdin)
}

// wireDeps builds a stream.Deps over cfg the same way a long-running
// mount would, reusing the Default/testDeps construction order the
// package's own test helper follows.
func wireDeps(cfg config.Config) (stream.Deps, error) {
	pods, err := hashring.New(cfg.Placement.Pods, nil)
	if err != nil {
		return stream.Deps{}, fmt.Errorf("pod ring: %w", err)
	}
	caps, err := hashring.New(cfg.Placement.Caps, nil)
	if err != nil {
		return stream.Deps{}, fmt.Errorf("cap ring: %w", err)
	}
	scatters, err := hashring.New(cfg.Placement.Scatters, nil)
	if err != nil {
		return stream.Deps{}, fmt.Errorf("scatter ring: %w", err)
	}
	idx, err := mdal.OpenIndex(cfg.Paths.IndexPath)
	if err != nil {
		return stream.Deps{}, fmt.Errorf("open index: %w", err)
	}
	log := logging.New(os.Stderr, "streamutil")

	return stream.Deps{
		Config:  cfg,
		MDAL:    mdal.New(log),
		Ctxt:    mdal.NewCtxt(cfg.Paths.MetaRoot),
		Erasure: erasure.New(cfg.Paths.DataRoot, log),
		Tables:  hashring.Tables{Pods: pods, Caps: caps, Scatters: scatters},
		Index:   idx,
		Log:     log,
	}, nil
}

// shell holds the single open Stream (if any) that subsequent commands
// act against, mirroring streamutil.c's single global DATASTREAM.
type shell struct {
	deps Deps
	out  io.Writer
	cur  *stream.Stream
	path string
}

// Deps is an alias kept local so the shell's field type reads the same
// as every other collaborator in this command; it is exactly
// stream.Deps.
type Deps = stream.Deps

func (sh *shell) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	fmt.Fprint(sh.out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			sh.dispatch(line)
		}
		fmt.Fprint(sh.out, prompt)
	}
	fmt.Fprintln(sh.out)
}

func (sh *shell) dispatch(line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "create":
		err = sh.cmdCreate(args)
	case "open":
		err = sh.cmdOpen(args)
	case "repack":
		err = sh.cmdRepack(args)
	case "read":
		err = sh.cmdRead(args)
	case "write":
		err = sh.cmdWrite(args)
	case "seek":
		err = sh.cmdSeek(args)
	case "extend":
		err = sh.cmdExtend(args)
	case "truncate":
		err = sh.cmdTruncate(args)
	case "utime":
		err = sh.cmdUtime(args)
	case "close":
		err = sh.cmdClose()
	case "release":
		err = sh.cmdRelease()
	case "ns":
		err = sh.cmdNS()
	case "ls":
		err = sh.cmdLs(args)
	case "mkdir":
		err = sh.cmdMkdir(args)
	case "help":
		sh.printUsage()
	case "exit", "quit":
		os.Exit(0)
	default:
		err = fmt.Errorf("unrecognized command %q (try 'help')", cmd)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
}

func (sh *shell) printUsage() {
	fmt.Fprintln(sh.out, `commands:
  create <path>             start a CREATE stream and its first file
  open <path> <read|edit>   open an existing file for READ or EDIT
  repack <path>             start rewriting an existing file's packing
  read <n>                  read up to n bytes from the open stream
  write <bytes>             write the literal argument's bytes
  seek <set|cur|end> <n>    reposition the open stream
  extend <n>                declare the created file's final size
  truncate <n>               truncate the open file to n bytes
  utime <atime_unix> <mtime_unix>   set the open file's times
  close                     finalize and close the open stream
  release                   close the open stream without finalizing
  ns                        print the configured repo/namespace
  ls <dir>                  list a metadata directory
  mkdir <dir>               create a metadata directory
  exit | quit               leave the shell`)
}

func (sh *shell) requireOpen() error {
	if sh.cur == nil {
		return fmt.Errorf("no stream is open")
	}
	return nil
}

func (sh *shell) cmdCreate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: create <path>")
	}
	s := stream.Create(sh.deps, sh.deps.Config.Stream.Namespace, time.Now())
	if err := s.CreateFile(args[0], 0o644, time.Now()); err != nil {
		return err
	}
	sh.cur, sh.path = s, args[0]
	fmt.Fprintf(sh.out, "created %s\n", args[0])
	return nil
}

func (sh *shell) cmdOpen(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: open <path> <read|edit>")
	}
	var typ stream.Type
	switch args[1] {
	case "read":
		typ = stream.ReadStream
	case "edit":
		typ = stream.EditStream
	default:
		return fmt.Errorf("mode must be 'read' or 'edit', got %q", args[1])
	}
	s, err := stream.Open(context.Background(), sh.deps, args[0], typ)
	if err != nil {
		return err
	}
	sh.cur, sh.path = s, args[0]
	fmt.Fprintf(sh.out, "opened %s (%s)\n", args[0], typ)
	return nil
}

func (sh *shell) cmdRepack(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: repack <path>")
	}
	refpath, ok, err := sh.refpathFor(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: no recorded reference path; open it for read first", args[0])
	}
	s := stream.NewRepack(sh.deps, sh.deps.Config.Stream.Namespace, time.Now())
	if err := s.Repack(context.Background(), refpath); err != nil {
		return err
	}
	sh.cur, sh.path = s, args[0]
	fmt.Fprintf(sh.out, "repacking %s\n", args[0])
	return nil
}

// refpathFor resolves a user path to its reference-directory path by
// briefly opening it for read, the same lookup streamutil.c's repack
// command performs before handing the path to datastream_repack.
func (sh *shell) refpathFor(path string) (string, bool, error) {
	s, err := stream.Open(context.Background(), sh.deps, path, stream.ReadStream)
	if err != nil {
		return "", false, err
	}
	defer s.Release()
	ref, err := s.CurRefPath()
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

func (sh *shell) cmdRead(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: read <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid byte count %q", args[0])
	}
	buf := make([]byte, n)
	read, err := sh.cur.Read(context.Background(), buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "read %d bytes: %q\n", read, buf[:read])
	return nil
}

func (sh *shell) cmdWrite(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: write <text>")
	}
	data := []byte(strings.Join(args, " "))
	n, err := sh.cur.Write(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "wrote %d bytes\n", n)
	return nil
}

func (sh *shell) cmdSeek(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: seek <set|cur|end> <n>")
	}
	var whence stream.Whence
	switch args[0] {
	case "set":
		whence = stream.SeekSet
	case "cur":
		whence = stream.SeekCur
	case "end":
		whence = stream.SeekEnd
	default:
		return fmt.Errorf("whence must be set/cur/end, got %q", args[0])
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q", args[1])
	}
	pos, err := sh.cur.Seek(delta, whence)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "now at object %d offset %d (total %d)\n", pos.ObjNo, pos.Offset, pos.TotalOffset)
	return nil
}

func (sh *shell) cmdExtend(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: extend <n>")
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q", args[0])
	}
	return sh.cur.Extend(n)
}

func (sh *shell) cmdTruncate(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: truncate <n>")
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q", args[0])
	}
	return sh.cur.Truncate(n)
}

func (sh *shell) cmdUtime(args []string) error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: utime <atime_unix> <mtime_unix>")
	}
	a, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid atime %q", args[0])
	}
	m, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid mtime %q", args[1])
	}
	return sh.cur.Utime(time.Unix(a, 0), time.Unix(m, 0))
}

func (sh *shell) cmdClose() error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	var err error
	if sh.cur.Type() == stream.RepackStream {
		err = sh.cur.CompleteRepack()
	} else {
		err = sh.cur.Close()
	}
	sh.cur, sh.path = nil, ""
	return err
}

func (sh *shell) cmdRelease() error {
	if err := sh.requireOpen(); err != nil {
		return err
	}
	err := sh.cur.Release()
	sh.cur, sh.path = nil, ""
	return err
}

func (sh *shell) cmdNS() error {
	cfg := sh.deps.Config.Stream
	fmt.Fprintf(sh.out, "%s#%s  objfiles=%d objsize=%d\n", cfg.Repo, cfg.Namespace, cfg.ObjFiles, cfg.ObjSize)
	return nil
}

func (sh *shell) cmdLs(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ls <dir>")
	}
	d, err := sh.deps.MDAL.OpenDir(args[0])
	if err != nil {
		return err
	}
	defer sh.deps.MDAL.CloseDir(d)
	for {
		names, err := sh.deps.MDAL.ReadDir(d, 64)
		for _, n := range names {
			fmt.Fprintln(sh.out, n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(names) == 0 {
			break
		}
	}
	return nil
}

func (sh *shell) cmdMkdir(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mkdir <dir>")
	}
	return sh.deps.MDAL.Mkdir(args[0], 0o755)
}
