// Command streamwalker is a read-only FTAG inspector, the Go
// counterpart to original_source/src/datastream/streamwalker.c. It
// opens a datastream at a given user path or reference path and lets an
// operator shift across its packed files by offset or absolute file
// number, printing each file's FTAG, reference path, and current object
// target along the way.
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

	"github.com/marfs-io/datastream/internal/config"
	"github.com/marfs-io/datastream/internal/erasure"
	"github.com/marfs-io/datastream/internal/ftag"
	"github.com/marfs-io/datastream/internal/hashring"
	"github.com/marfs-io/datastream/internal/logging"
	"github.com/marfs-io/datastream/internal/mdal"
	"github.com/marfs-io/datastream/internal/stream"
)

const prompt = "streamwalker> "

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

	w := &walker{deps: deps, out: os.Stdout}
	w.run(os.Stdin)
}

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
	l := logging.New(os.Stderr, "streamwalker")

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

// walker holds the FTAG of the file currently being inspected, and the
// identity (ctag/streamid) needed to compute the reference path of any
// other fileno belonging to the same stream.
type walker struct {
	deps stream.Deps
	out  io.Writer

	have bool
	tag  ftag.FTag
	ref  string
}

func (w *walker) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	fmt.Fprint(w.out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			w.dispatch(line)
		}
		fmt.Fprint(w.out, prompt)
	}
	fmt.Fprintln(w.out)
}

func (w *walker) dispatch(line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "open":
		err = w.cmdOpen(args)
	case "shift":
		err = w.cmdShift(args)
	case "ftag":
		err = w.cmdFTag()
	case "ref":
		err = w.cmdRef()
	case "obj":
		err = w.cmdObj(args)
	case "help":
		w.printUsage()
	case "exit", "quit":
		os.Exit(0)
	default:
		err = fmt.Errorf("unrecognized command %q (try 'help')", cmd)
	}
	if err != nil {
		fmt.Fprintf(w.out, "error: %v\n", err)
	}
}

func (w *walker) printUsage() {
	fmt.Fprintln(w.out, `commands:
  open -p <userpath>      begin traversing the stream containing userpath
  open -r <refpath>       begin traversing the stream at a known reference path
  shift -@ <offset>       move forward/backward by offset files
  shift -n <filenum>      move to a specific absolute file number
  ftag                    print the current file's FTAG
  ref                     print the current file's reference path
  obj [-n <chunknum>]     print the object target of the current file, or chunk n
  exit | quit             leave the shell`)
}

func (w *walker) cmdOpen(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: open (-p userpath | -r refpath)")
	}
	switch args[0] {
	case "-p":
		s, err := stream.Open(context.Background(), w.deps, args[1], stream.ReadStream)
		if err != nil {
			return err
		}
		defer s.Release()
		tag, err := s.CurFile()
		if err != nil {
			return err
		}
		ref, err := s.CurRefPath()
		if err != nil {
			return err
		}
		w.tag, w.ref, w.have = tag, ref, true
	case "-r":
		tag, err := w.loadTagAt(args[1])
		if err != nil {
			return err
		}
		w.tag, w.ref, w.have = tag, args[1], true
	default:
		return fmt.Errorf("unrecognized flag %q", args[0])
	}
	fmt.Fprintf(w.out, "opened %s, fileno %d\n", w.ref, w.tag.FileNo)
	return nil
}

func (w *walker) loadTagAt(refpath string) (ftag.FTag, error) {
	h, err := w.deps.MDAL.OpenRef(context.Background(), w.deps.Ctxt, refpath, os.O_RDONLY, 0)
	if err != nil {
		return ftag.FTag{}, err
	}
	defer w.deps.MDAL.Close(h)
	raw, err := w.deps.MDAL.FGetXattr(h, ftag.XattrFTag)
	if err != nil {
		return ftag.FTag{}, err
	}
	return ftag.ParseFTag(raw)
}

func (w *walker) cmdShift(args []string) error {
	if !w.have {
		return fmt.Errorf("no stream is open")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: shift (-@ offset | -n filenum)")
	}
	var target int64
	switch args[0] {
	case "-@":
		off, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q", args[1])
		}
		target = w.tag.FileNo + off
	case "-n":
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid filenum %q", args[1])
		}
		target = n
	default:
		return fmt.Errorf("unrecognized flag %q", args[0])
	}
	if target < 0 {
		return fmt.Errorf("file number %d is out of range", target)
	}

	cfg := w.deps.Config.Stream
	refpath := ftag.Metaname(w.tag.Ctag, w.tag.StreamID, target, cfg.RefBreadth, cfg.RefDepth, cfg.RefDigits)
	tag, err := w.loadTagAt(refpath)
	if err != nil {
		return fmt.Errorf("shift to fileno %d: %w", target, err)
	}
	w.tag, w.ref = tag, refpath
	fmt.Fprintf(w.out, "now at %s, fileno %d\n", w.ref, w.tag.FileNo)
	return nil
}

func (w *walker) cmdFTag() error {
	if !w.have {
		return fmt.Errorf("no stream is open")
	}
	fmt.Fprintln(w.out, w.tag.String())
	return nil
}

func (w *walker) cmdRef() error {
	if !w.have {
		return fmt.Errorf("no stream is open")
	}
	fmt.Fprintln(w.out, w.ref)
	return nil
}

func (w *walker) cmdObj(args []string) error {
	if !w.have {
		return fmt.Errorf("no stream is open")
	}
	tag := w.tag
	if len(args) >= 2 && args[0] == "-n" {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chunknum %q", args[1])
		}
		tag.ObjNo = n
		tag.Offset = 0
	}
	objname, offset := tag.DataTarget()
	fmt.Fprintf(w.out, "object %s, offset %d\n", objname, offset)
	return nil
}
