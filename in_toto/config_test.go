package in_toto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvOverridesDefaults(t *testing.T) {
	env := map[string]string{
		"ARTIFACT_EXCLUDE_PATTERNS": "*.pyc:.git",
		"ARTIFACT_BASE_PATH":        "/srv/build",
		"LINK_CMD_EXEC_TIMEOUT":     "30",
		"FOLLOW_SYMLINK_DIRS":       "true",
		"NORMALIZE_LINE_ENDINGS":    "true",
		"LSTRIP_PATHS":              "build/:dist/",
	}
	cfg := ConfigFromEnv(func(key string) string { return env[key] })

	assert.Equal(t, []string{"*.pyc", ".git"}, cfg.ArtifactExcludePatterns)
	assert.Equal(t, "/srv/build", cfg.ArtifactBasePath)
	assert.Equal(t, 30*time.Second, cfg.LinkCmdExecTimeout)
	assert.True(t, cfg.FollowSymlinkDirs)
	assert.True(t, cfg.NormalizeLineEndings)
	assert.Equal(t, []string{"build/", "dist/"}, cfg.LstripPaths)
}

func TestConfigFromEnvLeavesDefaultsUnsetWhenEmpty(t *testing.T) {
	cfg := ConfigFromEnv(func(string) string { return "" })
	assert.Equal(t, DefaultConfig, cfg)
}

func TestConfigFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "artifact_base_path: /srv/build\nmax_sublayout_depth: 3\nfollow_symlink_dirs: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := ConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/build", cfg.ArtifactBasePath)
	assert.Equal(t, 3, cfg.MaxSublayoutDepth)
	assert.True(t, cfg.FollowSymlinkDirs)
	// Unset keys keep the default.
	assert.Equal(t, DefaultConfig.LinkCmdExecTimeout, cfg.LinkCmdExecTimeout)
}

func TestConfigFromFileRejectsMissingFile(t *testing.T) {
	_, err := ConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMergeConfigOverrideWins(t *testing.T) {
	base := DefaultConfig
	override := Config{ArtifactBasePath: "/override", MaxSublayoutDepth: 2}

	merged := MergeConfig(base, override)
	assert.Equal(t, "/override", merged.ArtifactBasePath)
	assert.Equal(t, 2, merged.MaxSublayoutDepth)
	// Fields left zero in override keep base's value.
	assert.Equal(t, base.LinkCmdExecTimeout, merged.LinkCmdExecTimeout)
}

func TestConfigEffectiveNilSafety(t *testing.T) {
	var cfg *Config
	assert.Equal(t, DefaultConfig, cfg.effective())

	explicit := &Config{MaxSublayoutDepth: 5}
	assert.Equal(t, 5, explicit.effective().MaxSublayoutDepth)
}
