package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedock-io/codedock/internal/protocol"
)

func wireCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	require.Error(t, err)
	we, ok := err.(*protocol.WireError)
	require.True(t, ok, "expected a WireError, got %T", err)
	return we.Code
}

func TestNormalizePath(t *testing.T) {
	dir := t.TempDir()

	canon, err := NormalizePath(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(canon))

	t.Run("relative", func(t *testing.T) {
		_, err := NormalizePath("relative/path")
		assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NormalizePath("")
		assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := NormalizePath(filepath.Join(dir, "does-not-exist"))
		assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
	})

	t.Run("null byte", func(t *testing.T) {
		_, err := NormalizePath(dir + "\x00x")
		assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
	})

	t.Run("file not directory", func(t *testing.T) {
		file := filepath.Join(dir, "file.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		_, err := NormalizePath(file)
		assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
	})

	t.Run("trailing slash and dots collapse", func(t *testing.T) {
		got, err := NormalizePath(dir + string(filepath.Separator) + "." + string(filepath.Separator))
		require.NoError(t, err)
		assert.Equal(t, canon, got)
	})

	t.Run("symlink resolves to target", func(t *testing.T) {
		link := filepath.Join(t.TempDir(), "link")
		require.NoError(t, os.Symlink(dir, link))
		got, err := NormalizePath(link)
		require.NoError(t, err)
		assert.Equal(t, canon, got)
	})
}

func TestCheckRoots(t *testing.T) {
	roots := []string{"/srv/projects", "/home/dev"}

	assert.NoError(t, CheckRoots("/srv/projects/app", roots))
	assert.NoError(t, CheckRoots("/srv/projects", roots))
	assert.NoError(t, CheckRoots("/anywhere", nil), "empty allow-list allows any path")

	err := CheckRoots("/etc/app", roots)
	assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))

	// Prefix matching respects path boundaries.
	err = CheckRoots("/srv/projects-other/app", roots)
	assert.Equal(t, protocol.ErrInvalidPath, wireCode(t, err))
}

func TestCheckNesting(t *testing.T) {
	existing := []string{"/work/alpha", "/work/beta/sub"}

	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"sibling", "/work/gamma", false},
		{"descendant", "/work/alpha/nested", true},
		{"ancestor", "/work/beta", true},
		{"shared name prefix", "/work/alpha2", false},
		{"deep descendant", "/work/beta/sub/deeper/more", true},
		{"unrelated", "/other", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckNesting(tc.candidate, existing)
			if tc.wantErr {
				assert.Equal(t, protocol.ErrProjectNesting, wireCode(t, err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePrompt(t *testing.T) {
	assert.NoError(t, ValidatePrompt("do the thing", 1024))

	err := ValidatePrompt("", 1024)
	assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

	err = ValidatePrompt(strings.Repeat("a", 1025), 1024)
	assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

	err = ValidatePrompt("bad\x00prompt", 1024)
	assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))
}

func TestValidateProjectID(t *testing.T) {
	assert.NoError(t, ValidateProjectID(uuid.NewString()))

	err := ValidateProjectID("")
	assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

	err = ValidateProjectID("not-a-uuid")
	assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "projects/x", SanitizePath("/data/projects/x", "/data"))
	assert.Equal(t, "…/secret", SanitizePath("/home/user/secret", "/data"))
	assert.Equal(t, "…/secret", SanitizePath("/home/user/secret", ""))
}

func TestValidateOptions(t *testing.T) {
	t.Run("nil map", func(t *testing.T) {
		opts, err := ValidateOptions(nil)
		require.NoError(t, err)
		assert.Empty(t, opts.Model)
		assert.False(t, opts.DangerouslySkipPermissions)
	})

	t.Run("full set", func(t *testing.T) {
		opts, err := ValidateOptions(map[string]any{
			"model":                        "sonnet",
			"fallback_model":               "haiku",
			"permission_mode":              "plan",
			"append_system_prompt":         "be brief",
			"allowed_tools":                []any{"Bash", "Read"},
			"disallowed_tools":             []any{"WebSearch"},
			"add_dirs":                     []any{"/extra"},
			"dangerously_skip_permissions": true,
		})
		require.NoError(t, err)
		assert.Equal(t, "sonnet", opts.Model)
		assert.Equal(t, "haiku", opts.FallbackModel)
		assert.Equal(t, "plan", opts.PermissionMode)
		assert.Equal(t, "be brief", opts.AppendSystemPrompt)
		assert.Equal(t, []string{"Bash", "Read"}, opts.AllowedTools)
		assert.Equal(t, []string{"WebSearch"}, opts.DisallowedTools)
		assert.Equal(t, []string{"/extra"}, opts.AddDirs)
		assert.True(t, opts.DangerouslySkipPermissions)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ValidateOptions(map[string]any{"cwd": "/tmp"})
		assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))
	})

	t.Run("wrong types", func(t *testing.T) {
		_, err := ValidateOptions(map[string]any{"model": 7})
		assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

		_, err = ValidateOptions(map[string]any{"allowed_tools": "Bash"})
		assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

		_, err = ValidateOptions(map[string]any{"allowed_tools": []any{1, 2}})
		assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))

		_, err = ValidateOptions(map[string]any{"dangerously_skip_permissions": "yes"})
		assert.Equal(t, protocol.ErrInvalidMessage, wireCode(t, err))
	})
}
