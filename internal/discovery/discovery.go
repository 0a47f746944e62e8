// Package discovery finds extension manifests on disk, validates them and
// registers the survivors with an extension registry.
package discovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// ManifestNames are checked in order; the first present in a directory wins.
var ManifestNames = []string{"extension.yaml", "extension.yml", "extension.json"}

// ErrUntrusted marks an extension rejected by the filesystem trust checks.
var ErrUntrusted = errors.New("untrusted extension")

// Found is a manifest that parsed, validated and passed trust checks.
type Found struct {
	Manifest     *manifest.Manifest
	InstallPath  string
	ManifestPath string
	Digest       string
}

// Skipped is a manifest that was not registered, with the reason.
type Skipped struct {
	Path string
	Err  error
}

type Report struct {
	Registered []string
	Skipped    []Skipped
}

type Scanner struct {
	policy manifest.Options
	logger *slog.Logger
}

func NewScanner(policy manifest.Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = log.Discard()
	}
	return &Scanner{policy: policy, logger: logger}
}

// Scan walks roots in order and returns every extension it could accept
// plus every manifest it had to skip. Only unusable roots are errors.
func (s *Scanner) Scan(roots []string) ([]Found, []Skipped, error) {
	absRoots, err := cleanRoots(roots)
	if err != nil {
		return nil, nil, err
	}

	var (
		found   []Found
		skipped []Skipped
	)
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}

			manifestPath, ok := manifestIn(path)
			if !ok {
				return nil
			}
			f, err := s.load(manifestPath, absRoots)
			if err != nil {
				s.logger.Warn("skipping extension", "path", manifestPath, "error", err)
				skipped = append(skipped, Skipped{Path: manifestPath, Err: err})
			} else {
				found = append(found, f)
			}
			// Nested manifests belong to the extension's own files.
			return fs.SkipDir
		})
		if err != nil {
			return nil, nil, fmt.Errorf("scan extension root %s: %w", root, err)
		}
	}
	return found, skipped, nil
}

// Register scans roots and registers what it finds with reg. Duplicate ids
// keep the first discovered extension.
func (s *Scanner) Register(reg *extension.Registry, roots []string) (Report, error) {
	found, skipped, err := s.Scan(roots)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Skipped: skipped}
	for _, f := range found {
		if _, err := reg.RegisterWithDigest(f.Manifest, f.InstallPath, f.Digest); err != nil {
			s.logger.Warn("extension not registered", "extension", f.Manifest.ID, "path", f.ManifestPath, "error", err)
			rep.Skipped = append(rep.Skipped, Skipped{Path: f.ManifestPath, Err: err})
			continue
		}
		s.logger.Info("registered extension", "extension", f.Manifest.ID, "version", f.Manifest.Version, "path", f.InstallPath)
		rep.Registered = append(rep.Registered, f.Manifest.ID)
	}
	return rep, nil
}

func (s *Scanner) load(manifestPath string, roots []string) (Found, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Found{}, fmt.Errorf("read manifest: %w", err)
	}
	raw, err := manifest.Parse(data)
	if err != nil {
		return Found{}, err
	}

	installPath := filepath.Dir(manifestPath)
	opts := s.policy
	opts.InstallPath = installPath
	m, err := manifest.Validate(raw, opts)
	if err != nil {
		return Found{}, err
	}

	if err := checkTrust(installPath, filepath.Join(installPath, m.Main), roots); err != nil {
		return Found{}, fmt.Errorf("%w: %w", ErrUntrusted, err)
	}

	sum := blake3.Sum256(data)
	return Found{
		Manifest:     m,
		InstallPath:  installPath,
		ManifestPath: manifestPath,
		Digest:       hex.EncodeToString(sum[:]),
	}, nil
}

func manifestIn(dir string) (string, bool) {
	for _, name := range ManifestNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

func cleanRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve extension root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("extension root does not exist: %s", abs)
			}
			return nil, fmt.Errorf("stat extension root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("extension root is not a directory: %s", abs)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one extension root is required")
	}
	return out, nil
}

// checkTrust rejects world-writable install directories and entry points
// that escape the install directory or every root through symlinks. A main
// that does not exist yet is left for the loader to report.
func checkTrust(installPath, mainPath string, roots []string) error {
	resolvedInstall, err := filepath.EvalSymlinks(installPath)
	if err != nil {
		return fmt.Errorf("resolve install path: %w", err)
	}
	info, err := os.Stat(resolvedInstall)
	if err != nil {
		return fmt.Errorf("install path not found: %w", err)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("install directory is world-writable: %s", resolvedInstall)
	}

	resolvedMain, err := filepath.EvalSymlinks(mainPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}
	if !within(resolvedMain, resolvedInstall) {
		return fmt.Errorf("main %s is not under install directory %s", resolvedMain, resolvedInstall)
	}

	for _, root := range roots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("resolve extension root %s: %w", root, err)
		}
		if within(resolvedMain, resolvedRoot) {
			return nil
		}
	}
	return fmt.Errorf("main %s is not under any configured extension root", resolvedMain)
}

func within(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(os.PathSeparator))
}
