package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestRequireLocalFilesystemAcceptsLocalDisk(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := requireLocalFilesystem(dbPath, func(string) (string, error) { return "ext4", nil })
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestRequireLocalFilesystemRejectsNetworkMount(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := requireLocalFilesystem(dbPath, func(string) (string, error) { return "nfs", nil })
	if err == nil {
		t.Fatal("expected network filesystem error")
	}
	for _, want := range []string{"nfs", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q, got %q", want, err.Error())
		}
	}
}

func TestRequireLocalFilesystemInspectsClosestExistingDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := requireLocalFilesystem(filepath.Join(root, "a", "b", "state.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestRequireLocalFilesystemToleratesUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	err := requireLocalFilesystem(filepath.Join(t.TempDir(), "state.db"), func(string) (string, error) {
		return "", errUnsupportedPlatform
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = requireLocalFilesystem(filepath.Join(t.TempDir(), "state.db"), func(string) (string, error) {
		return "", errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected detector failure to surface")
	}
}

func TestIsRemoteFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
	}
	for fs, want := range cases {
		if got := isRemoteFilesystem(fs); got != want {
			t.Errorf("isRemoteFilesystem(%q)=%v, want %v", fs, got, want)
		}
	}
}
