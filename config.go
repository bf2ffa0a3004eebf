package privload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"privload/internal/loaderr"
	"privload/internal/statictls"
)

// Config is the loader configuration, usually read from a YAML file.
type Config struct {
	// SearchPaths are searched before the system directories.
	SearchPaths []string `yaml:"search_paths"`
	// SystemRoot overrides the Windows directory reported by the host.
	SystemRoot string `yaml:"system_root"`
	EngineName string `yaml:"engine_name"`
	// EnginePath locates the engine image; the extension directory is
	// derived from it.
	EnginePath string `yaml:"engine_path"`
	// Clients are loaded at Init and marked as clients.
	Clients      []string `yaml:"clients"`
	PrivatePEB   bool     `yaml:"private_peb"`
	MaxStaticTLS int      `yaml:"max_static_tls"`
	MapReachable bool     `yaml:"map_reachable"`
	LogLevel     string   `yaml:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		PrivatePEB:   true,
		MaxStaticTLS: statictls.DefaultMaxSlots,
		LogLevel:     "info",
	}
}

// LoadConfig reads and validates the YAML file at path. Keys the file
// leaves out keep their defaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, loaderr.Config("config", "", err, "read %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, loaderr.Config("config", "", err, "parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.MaxStaticTLS <= 0 {
		return loaderr.Config("config", "", nil, "max_static_tls must be positive, got %d", c.MaxStaticTLS)
	}
	if _, err := c.Level(); err != nil {
		return loaderr.Config("config", "", err, "log_level")
	}
	for i, p := range c.SearchPaths {
		if strings.TrimSpace(p) == "" {
			return loaderr.Config("config", "", nil, "search_paths[%d] is empty", i)
		}
	}
	return nil
}

// Level parses LogLevel; empty means info.
func (c *Config) Level() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(c.LogLevel)
}

// ExtensionDir derives the extension library directory from the engine
// path: the last lib64 or lib32 component becomes ext/lib64 or
// ext/lib32. It returns "" when the path has neither.
func ExtensionDir(enginePath string) string {
	dir := enginePath
	if i := strings.LastIndexAny(dir, `\/`); i >= 0 {
		dir = dir[:i]
	} else {
		return ""
	}
	best, seg := -1, ""
	for _, s := range []string{"lib64", "lib32"} {
		for i := strings.LastIndex(dir, s); i >= 0; i = strings.LastIndex(dir[:i], s) {
			end := i + len(s)
			if (i == 0 || isSep(dir[i-1])) && (end == len(dir) || isSep(dir[end])) {
				if i > best {
					best, seg = i, s
				}
				break
			}
		}
	}
	if best < 0 {
		return ""
	}
	sep := "/"
	if best > 0 {
		sep = string(dir[best-1])
	}
	return dir[:best] + "ext" + sep + seg + dir[best+len(seg):]
}

func isSep(c byte) bool { return c == '/' || c == '\\' }

func (c *Config) String() string {
	return fmt.Sprintf("engine=%s search=%v clients=%d private_peb=%t max_static_tls=%d",
		c.EngineName, c.SearchPaths, len(c.Clients), c.PrivatePEB, c.MaxStaticTLS)
}
