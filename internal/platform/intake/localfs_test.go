package intake

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLocalFS(t *testing.T) (*LocalFS, Dirs) {
	t.Helper()
	d := DirsUnder(t.TempDir())
	d.Owner = "worker-a"
	s, err := NewLocalFS(d)
	if err != nil {
		t.Fatalf("new localfs: %v", err)
	}
	return s, d
}

func writeFile(t *testing.T, dir, name, content string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func TestNewLocalFS_MissingDir(t *testing.T) {
	d := DirsUnder(t.TempDir())
	d.Done = ""
	if _, err := NewLocalFS(d); err == nil {
		t.Fatal("expected error for unconfigured directory")
	}
}

func TestLocalFS_ListOldestFirstXMLOnly(t *testing.T) {
	s, d := newTestLocalFS(t)
	base := time.Now().Add(-time.Hour)
	writeFile(t, d.Ready, "b.xml", "<b/>", base.Add(2*time.Minute))
	writeFile(t, d.Ready, "a.XML", "<a/>", base.Add(time.Minute))
	writeFile(t, d.Ready, "notes.txt", "x", base)
	if err := os.Mkdir(filepath.Join(d.Ready, "sub.xml"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != "a.XML" || files[1].Name != "b.xml" {
		t.Errorf("expected oldest first, got %s, %s", files[0].Name, files[1].Name)
	}
	if files[1].Size != 4 {
		t.Errorf("expected size 4, got %d", files[1].Size)
	}
}

func TestLocalFS_ClaimOpenArchiveDone(t *testing.T) {
	s, d := newTestLocalFS(t)
	ctx := context.Background()
	writeFile(t, d.Ready, "f1.xml", "<Claim.Submission/>", time.Now())

	files, _ := s.List(ctx)
	f, err := s.Claim(ctx, files[0])
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Ready, "f1.xml")); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected file to leave ready on claim")
	}

	rc, err := s.Open(ctx, f)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "<Claim.Submission/>" {
		t.Errorf("unexpected content %q", b)
	}

	if err := s.Archive(ctx, f, OutcomeDone, ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Done, "f1.xml")); err != nil {
		t.Errorf("expected file in done: %v", err)
	}
}

func TestLocalFS_ClaimTwice(t *testing.T) {
	s, d := newTestLocalFS(t)
	ctx := context.Background()
	writeFile(t, d.Ready, "f1.xml", "x", time.Now())
	files, _ := s.List(ctx)

	if _, err := s.Claim(ctx, files[0]); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.Claim(ctx, files[0]); !errors.Is(err, ErrClaimed) {
		t.Errorf("expected ErrClaimed, got %v", err)
	}
}

func TestLocalFS_ArchiveErrorWritesSidecarAndAvoidsCollision(t *testing.T) {
	s, d := newTestLocalFS(t)
	ctx := context.Background()
	writeFile(t, d.Error, "f1.xml", "old", time.Now())
	writeFile(t, d.Ready, "f1.xml", "new", time.Now())

	files, _ := s.List(ctx)
	f, _ := s.Claim(ctx, files[0])
	if err := s.Archive(ctx, f, OutcomeError, "PARSE_ERROR: unexpected EOF"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	old, _ := os.ReadFile(filepath.Join(d.Error, "f1.xml"))
	if string(old) != "old" {
		t.Error("expected existing archived file to be kept")
	}
	entries, _ := os.ReadDir(d.Error)
	var sidecar string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ErrorSuffix) {
			sidecar = e.Name()
		}
	}
	if len(entries) != 3 || sidecar == "" {
		t.Fatalf("expected old file, renamed file and sidecar, got %d entries", len(entries))
	}
	detail, _ := os.ReadFile(filepath.Join(d.Error, sidecar))
	if !strings.Contains(string(detail), "PARSE_ERROR") {
		t.Errorf("unexpected sidecar content %q", detail)
	}
}

func TestLocalFS_Recover(t *testing.T) {
	s, d := newTestLocalFS(t)
	own := filepath.Join(d.Inflight, s.Owner())
	writeFile(t, own, "f1.xml", "x", time.Now())
	writeFile(t, d.Inflight, "f2.xml", "y", time.Now())

	n, err := s.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered, got %d", n)
	}
	files, _ := s.List(context.Background())
	if len(files) != 2 {
		t.Errorf("expected 2 files back in ready, got %d", len(files))
	}
}

func TestLocalFS_RecoverLeavesOtherOwnersInflight(t *testing.T) {
	a, d := newTestLocalFS(t)
	d.Owner = "worker-b"
	b, err := NewLocalFS(d)
	if err != nil {
		t.Fatalf("new localfs for worker-b: %v", err)
	}
	writeFile(t, d.Ready, "f1.xml", "x", time.Now())

	files, _ := b.List(context.Background())
	claimed, err := b.Claim(context.Background(), files[0])
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// worker-a restarts while worker-b is mid-file.
	n, err := a.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing recovered from another owner, got %d", n)
	}
	if files, _ := a.List(context.Background()); len(files) != 0 {
		t.Fatalf("expected ready to stay empty, got %v", files)
	}
	if err := b.Archive(context.Background(), claimed, OutcomeDone, ""); err != nil {
		t.Fatalf("expected worker-b to archive its file, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Done, "f1.xml")); err != nil {
		t.Errorf("expected f1.xml in done: %v", err)
	}
}

func TestNewLocalFS_RejectsOwnerWithSeparator(t *testing.T) {
	d := DirsUnder(t.TempDir())
	d.Owner = "../ready"
	if _, err := NewLocalFS(d); err == nil {
		t.Fatal("expected error for an owner that escapes inflight")
	}
}
