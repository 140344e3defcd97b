package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func TestListAndScan(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "night1", "m42_001.fits"), 10)
	touch(t, filepath.Join(root, "night1", "m42_002.FIT"), 20)
	touch(t, filepath.Join(root, "night2", "ngc7000.fts"), 5)
	touch(t, filepath.Join(root, "night2", "preview.png"), 1)
	touch(t, filepath.Join(root, "night2", "notes.txt"), 1)
	touch(t, filepath.Join(root, ".cache", "old.fits"), 1)

	files, err := ListFITS(root)
	if err != nil {
		t.Fatalf("ListFITS: %v", err)
	}
	want := []string{
		filepath.Join(root, "night1", "m42_001.fits"),
		filepath.Join(root, "night1", "m42_002.FIT"),
		filepath.Join(root, "night2", "ngc7000.fts"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatalf("ListFITS mismatch (-want +got):\n%s", diff)
	}

	images, err := ListImages(root)
	if err != nil || len(images) != 4 {
		t.Fatalf("ListImages = %v %v", images, err)
	}

	res, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Bytes != 35 || len(res.Files) != 3 {
		t.Fatalf("unexpected scan %+v", res)
	}
	wantDirs := []Dir{
		{Path: filepath.Join(root, "night1"), Count: 2, Bytes: 30},
		{Path: filepath.Join(root, "night2"), Count: 1, Bytes: 5},
	}
	if diff := cmp.Diff(wantDirs, res.Dirs); diff != "" {
		t.Fatalf("dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestListSingleFileAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.fits")
	touch(t, path, 1)
	files, err := ListFITS(path)
	if err != nil || len(files) != 1 {
		t.Fatalf("ListFITS(file) = %v %v", files, err)
	}
	if _, err := ListFITS(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}
