package pathmeta_test

import (
	"os"
	"path/filepath"
	"testing"

	"go.followtheprocess.codes/rbt/internal/pathmeta"
)

func TestFromIsDeterministicForUnchangedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := pathmeta.From(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pathmeta.From(path)
	if err != nil {
		t.Fatal(err)
	}

	if first.Digest() != second.Digest() {
		t.Errorf("digest of unchanged file should be stable, got %s and %s", first.Digest(), second.Digest())
	}
}

func TestDigestChangesWithLength(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, err := pathmeta.From(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := pathmeta.From(path)
	if err != nil {
		t.Fatal(err)
	}

	if before.Digest() == after.Digest() {
		t.Error("digest should change when length changes")
	}
}

func TestFromMissingFile(t *testing.T) {
	t.Parallel()
	_, err := pathmeta.From(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}
