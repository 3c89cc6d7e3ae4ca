package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	v, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return v
}

func TestWriteReadNested(t *testing.T) {
	s := tempVault(t)
	content := []byte("# Plan\n\nsee [[Other]]\n")
	if err := s.Write("projects/q3/plan.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("projects/q3/plan.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q", got)
	}
}

func TestWriteReplacesWithoutTempLeftovers(t *testing.T) {
	s := tempVault(t)
	for _, body := range []string{"first", "second", "third"} {
		if err := s.Write("page.md", []byte(body)); err != nil {
			t.Fatalf("Write %s: %v", body, err)
		}
	}
	got, _ := s.Read("page.md")
	if string(got) != "third" {
		t.Errorf("content = %q, want third", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestWriteToRootRejected(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("", []byte("x")); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestListSkipsHiddenAndNonPages(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not a page"))
	_ = s.Write(".trash/old.md", []byte("hidden dir"))
	_ = s.Write("sub/.draft.md", []byte("hidden file"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var paths []string
	for _, it := range items {
		paths = append(paths, it.Path)
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "a.md" || paths[1] != "sub/b.md" {
		t.Errorf("paths = %v, want [a.md sub/b.md]", paths)
	}

	sub, err := s.List("sub")
	if err != nil {
		t.Fatalf("List sub: %v", err)
	}
	if len(sub) != 1 || sub[0].Path != "sub/b.md" {
		t.Errorf("sub = %+v", sub)
	}
}

func TestStat(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("notes/page.md", []byte("hello"))

	m, err := s.Stat("notes/page.md")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if m.Path != "notes/page.md" || m.Size != 5 || m.Checksum != checksum.Sum([]byte("hello")) {
		t.Errorf("meta = %+v", m)
	}
	if m.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}

	if _, err := s.Stat("notes/missing.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Stat("notes"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("directory: err = %v, want ErrInvalidInput", err)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)
	for _, p := range []string{"../../etc/passwd", "../outside.md", "/etc/shadow", "a/../../b.md"} {
		if _, err := s.Read(p); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("Read(%q) err = %v, want ErrInvalidInput", p, err)
		}
		if err := s.Write(p, []byte("x")); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("Write(%q) err = %v, want ErrInvalidInput", p, err)
		}
		if _, err := s.Stat(p); err == nil {
			t.Errorf("Stat(%q) should fail", p)
		}
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFS(path); err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := tempVault(t)
	if _, err := s.Read("nope.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
