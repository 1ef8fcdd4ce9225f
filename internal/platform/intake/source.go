// Package intake moves claim files through the ready, inflight, done and
// error stages of an inbound location. A file leaves ready the moment a
// worker claims it and only reaches done or error through Archive.
package intake

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrClaimed is returned by Claim when the file is no longer in ready.
var ErrClaimed = errors.New("file already claimed")

// Outcome selects the archive a processed file is moved to.
type Outcome string

const (
	OutcomeDone  Outcome = "done"
	OutcomeError Outcome = "error"
)

// ErrorSuffix names the sidecar written next to a file archived as failed.
const ErrorSuffix = ".error.txt"

// File is one inbound file. Name is the base name and doubles as the
// file's identity across retries and redeliveries.
type File struct {
	Name    string
	Size    int64
	ModTime time.Time

	// tag is backend specific: a path for localfs, an ETag for blobs.
	tag string
}

// Source is an inbound location.
type Source interface {
	// List returns the files waiting in ready, oldest first.
	List(ctx context.Context) ([]File, error)
	// Claim moves f from ready to inflight.
	Claim(ctx context.Context, f File) (File, error)
	Open(ctx context.Context, f File) (io.ReadCloser, error)
	// Archive moves a claimed file to done or error. For OutcomeError a
	// non-empty detail is stored alongside as a sidecar.
	Archive(ctx context.Context, f File, outcome Outcome, detail string) error
	// Recover returns files left inflight by an interrupted run to ready.
	Recover(ctx context.Context) (int, error)
}

// Accept reports whether name looks like a claim file.
func Accept(name string) bool {
	return strings.EqualFold(path.Ext(name), ".xml")
}

func sortOldestFirst(files []File) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Name < files[j].Name
	})
}

// archiveName returns name, or name with a timestamp inserted before the
// extension when taken reports it is already used.
func archiveName(name string, now time.Time, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	stamp := now.UTC().Format("20060102T150405.000000000")
	candidate := base + "." + stamp + ext
	for i := 1; taken(candidate); i++ {
		candidate = base + "." + stamp + "-" + strconv.Itoa(i) + ext
	}
	return candidate
}
