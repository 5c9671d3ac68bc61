package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow reads path from offset and calls fn for every complete line,
// then keeps calling it for lines appended later. When the file is
// rotated away, the remainder of the old file is delivered and reading
// resumes at the start of the new one. Blocks until ctx is cancelled.
func Follow(ctx context.Context, path string, offset int64, fn func(line []byte)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the file itself is replaced on rotation.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", filepath.Dir(path), err)
	}

	fl := &follower{path: path, fn: fn}
	defer fl.close()
	if err := fl.open(offset); err != nil {
		return err
	}
	if err := fl.drain(); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				if err := fl.drain(); err != nil {
					return err
				}
				if !fl.current() {
					fl.close()
					if err := fl.open(0); err != nil {
						return err
					}
				}
			case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
				if err := fl.drain(); err != nil {
					return err
				}
				fl.close()
				continue
			case !ev.Has(fsnotify.Write):
				continue
			}
			if fl.f == nil {
				if err := fl.open(0); err != nil {
					return err
				}
			}
			if err := fl.drain(); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

type follower struct {
	path string
	fn   func(line []byte)
	f    *os.File
	// partial holds bytes after the last newline seen.
	partial []byte
}

// open positions the follower at offset. A missing file is not an error;
// it is picked up when created.
func (fl *follower) open(offset int64) error {
	f, err := os.Open(fl.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open telemetry log: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("seek telemetry log: %w", err)
		}
	}
	fl.f = f
	fl.partial = fl.partial[:0]
	return nil
}

func (fl *follower) drain() error {
	if fl.f == nil {
		return nil
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := fl.f.Read(chunk)
		if n > 0 {
			fl.partial = append(fl.partial, chunk[:n]...)
			fl.emit()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read telemetry log: %w", err)
		}
	}
}

func (fl *follower) emit() {
	for {
		i := bytes.IndexByte(fl.partial, '\n')
		if i < 0 {
			return
		}
		if line := bytes.TrimSpace(fl.partial[:i]); len(line) > 0 {
			fl.fn(append([]byte(nil), line...))
		}
		fl.partial = fl.partial[i+1:]
	}
}

// current reports whether the open file is still the one at path.
func (fl *follower) current() bool {
	if fl.f == nil {
		return false
	}
	open, err := fl.f.Stat()
	if err != nil {
		return false
	}
	named, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	return os.SameFile(open, named)
}

func (fl *follower) close() {
	if fl.f != nil {
		fl.f.Close()
		fl.f = nil
	}
}
