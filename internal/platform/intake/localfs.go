package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirReady    = "ready"
	dirInflight = "inflight"
	dirDone     = "done"
	dirError    = "error"
)

// Dirs names the four stage directories of a LocalFS. Owner names the
// process's own subdirectory of Inflight and defaults to the host name.
// Processes sharing the directories need distinct owners.
type Dirs struct {
	Ready    string
	Inflight string
	Done     string
	Error    string
	Owner    string
}

// DirsUnder returns the conventional stage layout below root.
func DirsUnder(root string) Dirs {
	return Dirs{
		Ready:    filepath.Join(root, dirReady),
		Inflight: filepath.Join(root, dirInflight),
		Done:     filepath.Join(root, dirDone),
		Error:    filepath.Join(root, dirError),
	}
}

// LocalFS is a Source backed by four directories. Stage changes are
// os.Rename calls, so they are atomic only while the directories share a
// filesystem. Claimed files sit in Inflight/Owner.
type LocalFS struct {
	dirs Dirs
	now  func() time.Time
}

// NewLocalFS creates the stage directories and the owner's inflight
// subdirectory if needed.
func NewLocalFS(d Dirs) (*LocalFS, error) {
	for stage, p := range map[string]string{dirReady: d.Ready, dirInflight: d.Inflight, dirDone: d.Done, dirError: d.Error} {
		if p == "" {
			return nil, fmt.Errorf("%s directory is not configured", stage)
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", stage, err)
		}
	}
	if d.Owner == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("default inflight owner: %w", err)
		}
		d.Owner = host
	}
	if d.Owner == "." || d.Owner == ".." || strings.ContainsAny(d.Owner, `/\`) {
		return nil, fmt.Errorf("inflight owner %q must be a plain directory name", d.Owner)
	}
	if err := os.MkdirAll(filepath.Join(d.Inflight, d.Owner), 0o755); err != nil {
		return nil, fmt.Errorf("create inflight directory for %s: %w", d.Owner, err)
	}
	return &LocalFS{dirs: d, now: time.Now}, nil
}

// Owner returns the name of this process's inflight subdirectory.
func (s *LocalFS) Owner() string { return s.dirs.Owner }

func (s *LocalFS) dir(stage string) string {
	switch stage {
	case dirReady:
		return s.dirs.Ready
	case dirInflight:
		return filepath.Join(s.dirs.Inflight, s.dirs.Owner)
	case dirDone:
		return s.dirs.Done
	default:
		return s.dirs.Error
	}
}

func (s *LocalFS) List(ctx context.Context) ([]File, error) {
	entries, err := os.ReadDir(s.dir(dirReady))
	if err != nil {
		return nil, fmt.Errorf("read ready directory: %w", err)
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !Accept(e.Name()) {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortOldestFirst(files)
	return files, nil
}

func (s *LocalFS) Claim(_ context.Context, f File) (File, error) {
	dst := filepath.Join(s.dir(dirInflight), f.Name)
	if err := os.Rename(filepath.Join(s.dir(dirReady), f.Name), dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, ErrClaimed
		}
		return File{}, fmt.Errorf("claim %s: %w", f.Name, err)
	}
	f.tag = dst
	return f, nil
}

func (s *LocalFS) Open(_ context.Context, f File) (io.ReadCloser, error) {
	p := f.tag
	if p == "" {
		p = filepath.Join(s.dir(dirInflight), f.Name)
	}
	fh, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	return fh, nil
}

func (s *LocalFS) Archive(_ context.Context, f File, outcome Outcome, detail string) error {
	stage := dirDone
	if outcome == OutcomeError {
		stage = dirError
	}
	dir := s.dir(stage)
	name := archiveName(f.Name, s.now(), func(n string) bool {
		_, err := os.Stat(filepath.Join(dir, n))
		return err == nil
	})
	if err := os.Rename(filepath.Join(s.dir(dirInflight), f.Name), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive %s to %s: %w", f.Name, stage, err)
	}
	if outcome == OutcomeError && detail != "" {
		if err := os.WriteFile(filepath.Join(dir, name+ErrorSuffix), []byte(detail+"\n"), 0o644); err != nil {
			return fmt.Errorf("write error detail for %s: %w", f.Name, err)
		}
	}
	return nil
}

// Recover returns this owner's inflight files to ready, along with loose
// files at the top of Inflight. Other owners' subdirectories are left to
// their processes.
func (s *LocalFS) Recover(_ context.Context) (int, error) {
	n := 0
	for _, dir := range []string{s.dir(dirInflight), s.dirs.Inflight} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return n, fmt.Errorf("read inflight directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			err := os.Rename(filepath.Join(dir, e.Name()), filepath.Join(s.dir(dirReady), e.Name()))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return n, fmt.Errorf("recover %s: %w", e.Name(), err)
			}
			n++
		}
	}
	return n, nil
}
