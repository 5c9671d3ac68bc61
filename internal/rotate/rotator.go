// Package rotate implements size-based rotation of an append-only log file.
// Rotated segments are named <path>.<N>, optionally gzip-compressed to
// <path>.<N>.gz, with the highest N being the oldest.
package rotate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// Rotator tracks bytes appended to path and rotates it once the size
// threshold is reached. Only one writer should own a given path.
type Rotator struct {
	path     string
	enabled  bool
	maxSize  int64
	maxFiles int
	compress bool
	logger   *slog.Logger

	size     atomic.Int64
	rotating atomic.Bool
}

// New creates a rotator for path. A nil logger discards output.
func New(path string, cfg Config, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Rotator{
		path:     path,
		enabled:  cfg.Enabled,
		maxSize:  cfg.MaxSizeBytes,
		maxFiles: cfg.MaxFiles,
		compress: *cfg.Compress,
		logger:   logger,
	}
}

// Path returns the active file path.
func (r *Rotator) Path() string { return r.path }

// Init seeds the tracked size from the file on disk so rotation decisions
// survive restarts. A missing file counts as empty.
func (r *Rotator) Init() error {
	if !r.enabled {
		return nil
	}
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.size.Store(0)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rotate: stat %s: %w", r.path, err)
	}
	r.size.Store(info.Size())
	return nil
}

// ShouldRotate reports whether the tracked size reached the threshold.
func (r *Rotator) ShouldRotate() bool {
	return r.enabled && r.size.Load() >= r.maxSize
}

// TrackWrite adds n appended bytes to the tracked size.
func (r *Rotator) TrackWrite(n int) {
	if r.enabled {
		r.size.Add(int64(n))
	}
}

// Size returns the tracked size of the active file.
func (r *Rotator) Size() int64 { return r.size.Load() }

// Rotate shifts existing segments up by one, moves the active file to
// segment 1 (compressing it if configured) and prunes segments beyond
// maxFiles. A call made while another rotation is running returns nil
// without doing anything.
func (r *Rotator) Rotate() error {
	if !r.enabled {
		return nil
	}
	if !r.rotating.CompareAndSwap(false, true) {
		return nil
	}
	defer r.rotating.Store(false)

	for i := r.maxFiles - 1; i >= 1; i-- {
		r.shift(i)
	}

	first := r.segment(1)
	if err := os.Rename(r.path, first); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.size.Store(0)
			return nil
		}
		return fmt.Errorf("rotate: rename active: %w", err)
	}

	if r.compress {
		if err := gzipFile(first, first+".gz"); err != nil {
			// The uncompressed segment is kept and shifted like any other.
			r.logger.Warn("rotate: compress segment", "path", first, "error", err)
		}
	}

	r.prune()
	r.size.Store(0)
	r.logger.Debug("rotate: rotated", "path", r.path)
	return nil
}

func (r *Rotator) segment(n int) string {
	return r.path + "." + strconv.Itoa(n)
}

// shift renames segment i to i+1 in both its plain and compressed form.
// Missing segments are expected.
func (r *Rotator) shift(i int) {
	from, to := r.segment(i), r.segment(i+1)
	for _, ext := range []string{"", ".gz"} {
		if err := os.Rename(from+ext, to+ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("rotate: shift segment", "from", from+ext, "error", err)
		}
	}
}

// prune deletes segments numbered beyond maxFiles. Failures are ignored.
func (r *Rotator) prune() {
	segs, err := listSegments(r.path)
	if err != nil {
		return
	}
	for _, s := range segs {
		if s.n > r.maxFiles {
			if err := os.Remove(s.path); err != nil {
				r.logger.Debug("rotate: prune segment", "path", s.path, "error", err)
			}
		}
	}
}

// gzipFile compresses src into dst and removes src.
func gzipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	zw := gzip.NewWriter(out)
	if _, err = io.Copy(zw, in); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}

type segmentFile struct {
	path string
	n    int
}

func listSegments(path string) ([]segmentFile, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.(\d+)(\.gz)?$`)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rotate: list %s: %w", dir, err)
	}
	var segs []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		segs = append(segs, segmentFile{path: filepath.Join(dir, e.Name()), n: n})
	}
	return segs, nil
}

// Segments returns the rotated segments of path, oldest first.
func Segments(path string) ([]string, error) {
	segs, err := listSegments(path)
	if err != nil {
		return nil, err
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].n != segs[j].n {
			return segs[i].n > segs[j].n
		}
		return segs[i].path < segs[j].path
	})
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// Files returns the rotated segments of path oldest first, followed by
// path itself when it exists. Together they are the whole log in write
// order.
func Files(path string) ([]string, error) {
	paths, err := Segments(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		paths = append(paths, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("rotate: stat %s: %w", path, err)
	}
	return paths, nil
}

// Open opens path for reading, transparently decompressing .gz segments.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("rotate: gzip %s: %w", path, err)
	}
	return &gzipReader{Reader: zr, f: f}, nil
}

type gzipReader struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipReader) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}
