package stash

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// fixedNowFunc is the clock of test repos and the mtime of test files.
func fixedNowFunc() time.Time {
	return time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
}

func setupTestRepo(t *testing.T, options ...Option) (*Repo, afero.Fs) {
	t.Helper()
	memFs := afero.NewMemMapFs()
	if err := memFs.MkdirAll("/data", 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err := Open("/data", append([]Option{WithFs(memFs), WithNowFunc(fixedNowFunc)}, options...)...)
	if err != nil {
		t.Fatalf("Failed to open repo: %v", err)
	}
	return repo, memFs
}

func createTestFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if err := fs.Chtimes(path, fixedNowFunc(), fixedNowFunc()); err != nil {
		t.Fatalf("Failed to set file times: %v", err)
	}
}
