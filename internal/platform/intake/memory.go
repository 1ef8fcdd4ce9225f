package intake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type memFile struct {
	content []byte
	modTime time.Time
}

// Memory is a thread-safe in-memory Source for tests and dry runs.
type Memory struct {
	mu     sync.RWMutex
	stages map[string]map[string]*memFile
	now    func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{stages: make(map[string]map[string]*memFile), now: time.Now}
	for _, s := range []string{dirReady, dirInflight, dirDone, dirError} {
		m.stages[s] = make(map[string]*memFile)
	}
	return m
}

// Put drops a file into ready, replacing any file of the same name.
func (m *Memory) Put(name string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[dirReady][name] = &memFile{content: append([]byte(nil), content...), modTime: m.now()}
}

// Names lists the files in stage ("ready", "inflight", "done" or "error"),
// sorted by name.
func (m *Memory) Names(stage string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for n := range m.stages[stage] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Read returns the content of a file in stage.
func (m *Memory) Read(stage, name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.stages[stage][name]
	if !ok {
		return nil, false
	}
	return f.content, true
}

func (m *Memory) List(_ context.Context) ([]File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := make([]File, 0, len(m.stages[dirReady]))
	for n, f := range m.stages[dirReady] {
		if Accept(n) {
			files = append(files, File{Name: n, Size: int64(len(f.content)), ModTime: f.modTime})
		}
	}
	sortOldestFirst(files)
	return files, nil
}

func (m *Memory) move(from, to, name, dstName string) bool {
	f, ok := m.stages[from][name]
	if !ok {
		return false
	}
	delete(m.stages[from], name)
	m.stages[to][dstName] = f
	return true
}

func (m *Memory) Claim(_ context.Context, f File) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.move(dirReady, dirInflight, f.Name, f.Name) {
		return File{}, ErrClaimed
	}
	return f, nil
}

func (m *Memory) Open(_ context.Context, f File) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mf, ok := m.stages[dirInflight][f.Name]
	if !ok {
		return nil, fmt.Errorf("open %s: not inflight", f.Name)
	}
	return io.NopCloser(bytes.NewReader(mf.content)), nil
}

func (m *Memory) Archive(_ context.Context, f File, outcome Outcome, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage := dirDone
	if outcome == OutcomeError {
		stage = dirError
	}
	name := archiveName(f.Name, m.now(), func(n string) bool {
		_, ok := m.stages[stage][n]
		return ok
	})
	if !m.move(dirInflight, stage, f.Name, name) {
		return fmt.Errorf("archive %s: not inflight", f.Name)
	}
	if outcome == OutcomeError && detail != "" {
		m.stages[stage][name+ErrorSuffix] = &memFile{content: []byte(detail + "\n"), modTime: m.now()}
	}
	return nil
}

func (m *Memory) Recover(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name := range m.stages[dirInflight] {
		m.move(dirInflight, dirReady, name, name)
		n++
	}
	return n, nil
}
