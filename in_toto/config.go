package in_toto

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

/*
Config gathers every runtime-tunable knob in this package into a single
value, replacing the global mutable module in_toto/settings.py and
in_toto/user_settings.py relied on. Nothing in this package reads process
environment or config files directly; callers build a Config once (via
ConfigFromEnv/ConfigFromFile/MergeConfig) and pass it through explicitly.
*/
type Config struct {
	// ArtifactExcludePatterns lists doublestar glob patterns; artifacts whose
	// resolved path matches any of them are skipped during recording. A
	// pattern without "/" is also matched against the base name of each file
	// or directory, so "*.pyc" excludes such files at any depth.
	ArtifactExcludePatterns []string
	// ArtifactBasePath, if set, is prepended to every artifact path scanned
	// during recording, and stripped back off when building the recorded key.
	ArtifactBasePath string
	// LinkCmdExecTimeout bounds how long a step or inspection's command may
	// run before it is killed and a TimeoutError is returned.
	LinkCmdExecTimeout time.Duration
	// FollowSymlinkDirs controls whether the directory walks of the `file`
	// and `dir` resolver schemes follow symlinked subdirectories (files are
	// always read through, regardless).
	FollowSymlinkDirs bool
	// NormalizeLineEndings rewrites CRLF/CR to LF before hashing file
	// artifacts, for cross-platform reproducible hashes.
	NormalizeLineEndings bool
	// LstripPaths is a list of path prefixes stripped from the front of
	// recorded artifact keys, in order, first match wins.
	LstripPaths []string
	// MaxSublayoutDepth bounds the recursion depth of nested sublayouts. The
	// default is 8; verification aborts rather than descending further.
	MaxSublayoutDepth int
	// KeyIDHashAlgorithms is loaded and merged like the other fields and
	// defaults to ["sha256"]. Link recording does not consult it: artifact
	// hashes are always computed with sha256.
	KeyIDHashAlgorithms []string
}

// DefaultConfig is used wherever a caller passes a nil *Config.
var DefaultConfig = Config{
	LinkCmdExecTimeout:   10 * time.Minute,
	FollowSymlinkDirs:    false,
	NormalizeLineEndings: false,
	MaxSublayoutDepth:    8,
	KeyIDHashAlgorithms:  []string{"sha256"},
}

// effective returns cfg if non-nil, else a copy of DefaultConfig.
func (cfg *Config) effective() Config {
	if cfg == nil {
		return DefaultConfig
	}
	return *cfg
}

/*
ConfigFromEnv builds a Config by reading the same variable names in_toto's
Python implementation recognized as environment overrides, using getenv so
callers can inject a fake environment in tests.
*/
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig

	if v := getenv("ARTIFACT_EXCLUDE_PATTERNS"); v != "" {
		cfg.ArtifactExcludePatterns = strings.Split(v, ":")
	}
	if v := getenv("ARTIFACT_BASE_PATH"); v != "" {
		cfg.ArtifactBasePath = v
	}
	if v := getenv("LINK_CMD_EXEC_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.LinkCmdExecTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := getenv("FOLLOW_SYMLINK_DIRS"); v != "" {
		cfg.FollowSymlinkDirs = parseBool(v)
	}
	if v := getenv("NORMALIZE_LINE_ENDINGS"); v != "" {
		cfg.NormalizeLineEndings = parseBool(v)
	}
	if v := getenv("LSTRIP_PATHS"); v != "" {
		cfg.LstripPaths = strings.Split(v, ":")
	}
	return cfg
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

/*
ConfigFromFile reads a config file at path (format auto-detected by
extension: YAML, JSON, TOML, or INI, via viper) into a Config. Recognized
keys match the environment variable names ConfigFromEnv reads, lowercased.
*/
func ConfigFromFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig
	if v.IsSet("artifact_exclude_patterns") {
		cfg.ArtifactExcludePatterns = v.GetStringSlice("artifact_exclude_patterns")
	}
	if v.IsSet("artifact_base_path") {
		cfg.ArtifactBasePath = v.GetString("artifact_base_path")
	}
	if v.IsSet("link_cmd_exec_timeout") {
		cfg.LinkCmdExecTimeout = v.GetDuration("link_cmd_exec_timeout")
	}
	if v.IsSet("follow_symlink_dirs") {
		cfg.FollowSymlinkDirs = v.GetBool("follow_symlink_dirs")
	}
	if v.IsSet("normalize_line_endings") {
		cfg.NormalizeLineEndings = v.GetBool("normalize_line_endings")
	}
	if v.IsSet("lstrip_paths") {
		cfg.LstripPaths = v.GetStringSlice("lstrip_paths")
	}
	if v.IsSet("max_sublayout_depth") {
		cfg.MaxSublayoutDepth = v.GetInt("max_sublayout_depth")
	}
	if v.IsSet("keyid_hash_algorithms") {
		cfg.KeyIDHashAlgorithms = v.GetStringSlice("keyid_hash_algorithms")
	}
	return cfg, nil
}

/*
MergeConfig layers override on top of base: any field override sets to its
non-zero value replaces the corresponding field in base; zero-valued fields
in override leave base's value untouched.
*/
func MergeConfig(base, override Config) Config {
	merged := base
	if override.ArtifactExcludePatterns != nil {
		merged.ArtifactExcludePatterns = override.ArtifactExcludePatterns
	}
	if override.ArtifactBasePath != "" {
		merged.ArtifactBasePath = override.ArtifactBasePath
	}
	if override.LinkCmdExecTimeout != 0 {
		merged.LinkCmdExecTimeout = override.LinkCmdExecTimeout
	}
	if override.FollowSymlinkDirs {
		merged.FollowSymlinkDirs = true
	}
	if override.NormalizeLineEndings {
		merged.NormalizeLineEndings = true
	}
	if override.LstripPaths != nil {
		merged.LstripPaths = override.LstripPaths
	}
	if override.MaxSublayoutDepth != 0 {
		merged.MaxSublayoutDepth = override.MaxSublayoutDepth
	}
	if override.KeyIDHashAlgorithms != nil {
		merged.KeyIDHashAlgorithms = override.KeyIDHashAlgorithms
	}
	return merged
}
