// Package validation holds the pure, stateless checks run at router entry
// before any handler executes: path shape and existence, project nesting,
// prompt bounds, execution option whitelisting, and identifier syntax.
// Every failure is a *protocol.WireError carrying the stable error code the
// client branches on; validation never touches server state.
package validation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/codedock-io/codedock/internal/protocol"
)

// NormalizePath resolves a client-supplied project path to canonical form.
// The path must be absolute, exist, and be a directory. Symlinks are resolved
// so two spellings of the same directory cannot create two projects.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path is required")
	}
	if !filepath.IsAbs(path) {
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path must be absolute")
	}
	if strings.ContainsRune(path, 0) {
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path contains a null byte")
	}

	canon, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", protocol.Errorf(protocol.ErrInvalidPath, "path does not exist")
		}
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path cannot be resolved")
	}

	info, err := os.Stat(canon)
	if err != nil {
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path cannot be accessed")
	}
	if !info.IsDir() {
		return "", protocol.Errorf(protocol.ErrInvalidPath, "path is not a directory")
	}

	return canon, nil
}

// CheckRoots enforces the optional allow-list of root prefixes. An empty
// list allows any path. The path must already be canonical.
func CheckRoots(path string, roots []string) error {
	if len(roots) == 0 {
		return nil
	}
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, withSep(root)) {
			return nil
		}
	}
	return protocol.Errorf(protocol.ErrInvalidPath, "path is outside the allowed roots")
}

// CheckNesting rejects a candidate path that is an ancestor or descendant of
// any existing project path. Comparison is string-wise with a trailing
// separator boundary, so /tmp/p1 and /tmp/p10 do not conflict.
func CheckNesting(candidate string, existing []string) error {
	for _, p := range existing {
		if strings.HasPrefix(candidate, withSep(p)) || strings.HasPrefix(p, withSep(candidate)) {
			return protocol.Errorf(protocol.ErrProjectNesting,
				"path nests with an existing project")
		}
	}
	return nil
}

func withSep(p string) string {
	if strings.HasSuffix(p, string(filepath.Separator)) {
		return p
	}
	return p + string(filepath.Separator)
}

// ValidatePrompt enforces the prompt bounds: non-empty, within maxLen bytes,
// and free of null bytes.
func ValidatePrompt(prompt string, maxLen int) error {
	if prompt == "" {
		return protocol.Errorf(protocol.ErrInvalidMessage, "prompt is required")
	}
	if len(prompt) > maxLen {
		return protocol.Errorf(protocol.ErrInvalidMessage,
			"prompt exceeds maximum length of %d bytes", maxLen)
	}
	if strings.ContainsRune(prompt, 0) {
		return protocol.Errorf(protocol.ErrInvalidMessage, "prompt contains a null byte")
	}
	return nil
}

// ValidateProjectID checks the identifier syntax (UUID string form) without
// consulting the project index. Lookup failures are a separate error.
func ValidateProjectID(id string) error {
	if id == "" {
		return protocol.Errorf(protocol.ErrInvalidMessage, "project_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return protocol.Errorf(protocol.ErrInvalidMessage, "project_id is not a valid identifier")
	}
	return nil
}

// SanitizePath rewrites an absolute path for inclusion in a client-facing
// error message. Paths under the data root are reported relative to it;
// anything else is reduced to its final element so filesystem layout outside
// the data root is not disclosed.
func SanitizePath(path, dataRoot string) string {
	if dataRoot != "" {
		if rel, err := filepath.Rel(dataRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return "…/" + filepath.Base(path)
}
