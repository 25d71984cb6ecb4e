// Package project resolves a file path to the LSP workspace root that owns
// it, by walking up the directory tree looking for language-specific marker
// files, the same ancestor-search idiom the teacher's gopls integration uses
// to find a Go module root (go.mod) generalized to the marker sets Pyright,
// tsserver and Volar each expect.
package project

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/quillsys/lspgate/errors"
)

// markersByLanguage lists, for each language tag, the marker files searched
// for in ancestor-walk order of preference. The first marker found at any
// level wins; ".git" is the fallback every language shares.
var markersByLanguage = map[string][]string{
	"python":     {"pyrightconfig.json", "pyproject.toml", ".git"},
	"typescript": {"tsconfig.json", "package.json", ".git"},
	"vue":        {"vite.config.ts", "vite.config.js", "tsconfig.json", "package.json", ".git"},
}

// globMarkers additionally tries a glob pattern per language when none of
// the exact marker names match a directory entry (vite.config.* may carry
// other extensions, e.g. .mts).
var globMarkers = map[string][]string{
	"vue": {"vite.config.*"},
}

// Resolve walks up from the directory containing path looking for a
// project root per language's marker set. If no marker is found anywhere up
// to the filesystem root, it falls back to path's own parent directory.
func Resolve(path, language string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve absolute path for %s", path)
	}

	info, err := os.Stat(abs)
	dir := abs
	if err == nil && !info.IsDir() {
		dir = filepath.Dir(abs)
	} else if err != nil {
		dir = filepath.Dir(abs)
	}

	markers := markersByLanguage[language]
	globs := globMarkers[language]

	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		for _, pattern := range globs {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) > 0 {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return filepath.Dir(abs), nil
}

// NormalizeWorkspacePath validates and cleans a user-supplied workspace
// path for switch_workspace: it must exist and be a directory, and is
// returned as an absolute, cleaned path so every downstream comparison
// (active-workspace containment checks, pool keys) uses one canonical form.
func NormalizeWorkspacePath(path string) (string, error) {
	if path == "" {
		return "", errors.NewInvalidInput("workspace path must not be empty", "pass an absolute or relative path to an existing directory")
	}

	// go-getter's detector normalizes local source addresses (tilde
	// expansion, accidental file:// prefixes, ./ relative forms) into a
	// plain path or a file:// URL before anything treats it as a source;
	// switch_workspace only ever deals in local directories, so reuse that
	// normalization rather than reimplementing it.
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}
	cleaned := path
	if detected, err := getter.Detect(path, pwd, getter.Detectors); err == nil {
		if parsed, err := url.Parse(detected); err == nil && (parsed.Scheme == "file" || parsed.Scheme == "") {
			if parsed.Scheme == "file" {
				cleaned = parsed.Path
			} else {
				cleaned = detected
			}
		}
	}
	if strings.HasPrefix(cleaned, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cleaned = filepath.Join(home, cleaned[2:])
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve absolute path for %s", path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.NewInvalidInput("workspace path does not exist: "+abs, "pass a path to an existing directory")
	}
	if !info.IsDir() {
		return "", errors.NewInvalidInput("workspace path is not a directory: "+abs, "pass a path to a directory, not a file")
	}

	return filepath.Clean(abs), nil
}

// Contains reports whether candidate is workspace itself or a descendant of
// it, the check the dispatcher uses to reject files outside the active
// workspace.
func Contains(workspace, candidate string) bool {
	workspace = filepath.Clean(workspace)
	candidate = filepath.Clean(candidate)

	if workspace == candidate {
		return true
	}
	rel, err := filepath.Rel(workspace, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	if rel == ".." {
		return true
	}
	sep := string(filepath.Separator)
	return len(rel) >= 3 && rel[:3] == ".."+sep
}
