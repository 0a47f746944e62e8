package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite locking is unreliable on these.
var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// RequireLocalFilesystem rejects database paths that live on a network mount.
func RequireLocalFilesystem(path string) error {
	return requireLocalFilesystem(path, filesystemType)
}

func requireLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		// Unknown platforms are not a reason to refuse to start.
		if errors.Is(err, errUnsupportedPlatform) {
			return nil
		}
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isRemoteFilesystem(fsType) {
		return fmt.Errorf(
			"state path %q is on network filesystem %q; the journal needs a local disk, set state.path to a local file",
			path, fsType,
		)
	}
	return nil
}

// closestExisting walks up from path until it finds something that exists.
func closestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isRemoteFilesystem(fsType string) bool {
	return remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}

var errUnsupportedPlatform = errors.New("filesystem detection unsupported on this platform")
