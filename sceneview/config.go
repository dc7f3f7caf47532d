package sceneview

import (
	"encoding"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ShoshinNikita/sceneview/pkg/rlog"
)

const envPrefix = "SCENEVIEW_"

type Config struct {
	BuildInfo BuildInfo

	ConfigFile string

	ServerPort int
	Dir        string

	AssetsOrigin string
	DefaultModel string

	Cache CacheConfig

	WriteWorkersCount int
	FetchTimeout      time.Duration
	MaxAssetSize      MiB

	ValidateAssets bool

	// Debug options

	LogLevel                rlog.Level
	ReadStaticFilesFromDisk bool
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type CacheConfig struct {
	Mode            CacheMode
	MaxSize         MiB
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

type CacheMode string

const (
	CacheModeSQLite CacheMode = "sqlite"
	CacheModeMemory CacheMode = "memory"
	CacheModeNone   CacheMode = "none"
)

func (m CacheMode) MarshalText() (text []byte, err error) {
	return []byte(m), nil
}

func (m *CacheMode) UnmarshalText(text []byte) error {
	*m = CacheMode(text)

	return checkEnum(*m, CacheModeSQLite, CacheModeMemory, CacheModeNone)
}

func checkEnum[T comparable](v T, validValues ...T) error {
	if !slices.Contains(validValues, v) {
		return fmt.Errorf("valid values: %v", validValues)
	}
	return nil
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"config": {
			p: &cfg.ConfigFile, defaultValue: "", desc: "" +
				"Path to an optional YAML config file. Keys are flag names. Environment\n" +
				"variables (" + envPrefix + "ASSETS_ORIGIN and etc.) override the file, flags override both",
		},
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (asset cache and etc.)",
		},
		//
		"assets-origin": {
			p: &cfg.AssetsOrigin, defaultValue: "", desc: "" +
				"Origin assets are fetched from on a cache miss, required. Asset paths are\n" +
				"joined to it, e.g., http://assets:80 + /scene.glb",
		},
		"default-model": {
			p: &cfg.DefaultModel, defaultValue: "", desc: "Asset path loaded by a page without a 'model' option",
		},
		//
		"cache-mode": {
			p: &cfg.Cache.Mode, defaultValue: CacheModeSQLite, desc: "" +
				"Available cache modes:\n" +
				"  - sqlite: persistent cache in <dir>/models.db\n" +
				"  - memory: cache is lost on restart\n" +
				"  - none: every load fetches the asset\n",
		},
		"cache-max-size": {
			p: &cfg.Cache.MaxSize, defaultValue: MiB(500), desc: "Max total size of cached assets",
		},
		"cache-max-age": {
			p: &cfg.Cache.MaxAge, defaultValue: 30 * 24 * time.Hour, desc: "Max age of cached assets",
		},
		"cache-cleanup-interval": {
			p: &cfg.Cache.CleanupInterval, defaultValue: 5 * time.Minute, desc: "Interval between cache cleanups",
		},
		//
		"write-workers": {
			p: &cfg.WriteWorkersCount, defaultValue: runtime.NumCPU(), desc: "Number of workers that write fetched assets to the cache",
		},
		"fetch-timeout": {
			p: &cfg.FetchTimeout, defaultValue: 2 * time.Minute, desc: "Timeout of an asset fetch",
		},
		"max-asset-size": {
			p: &cfg.MaxAssetSize, defaultValue: MiB(200), desc: "Max size of a fetched asset",
		},
		"validate": {
			p: &cfg.ValidateAssets, defaultValue: false, desc: "Validate loaded assets (ignored in kiosk mode)",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
		"read-static-files-from-disk": {
			p: &cfg.ReadStaticFilesFromDisk, defaultValue: false, desc: "Read static files directly from disk",
		},
	}
}

func NewConfig() Config {
	return Config{
		BuildInfo: readBuildInfo(),
	}
}

// RegisterFlags registers all config options on the passed flag set and sets default values.
func (cfg *Config) RegisterFlags(fs *pflag.FlagSet) error {
	for name, params := range cfg.getFlagParams() {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			fs.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			reflect.ValueOf(p).Elem().Set(reflect.ValueOf(params.defaultValue))
			fs.Var(textValue{p}, name, params.desc)
		default:
			return fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}
	return nil
}

// LoadOverrides applies values from the config file and environment variables to options
// that weren't set with flags.
func (cfg *Config) LoadOverrides(fs *pflag.FlagSet) error {
	k := koanf.New(".")

	if cfg.ConfigFile != "" {
		if err := k.Load(file.Provider(cfg.ConfigFile), yaml.Parser()); err != nil {
			return fmt.Errorf("couldn't read config file %q: %w", cfg.ConfigFile, err)
		}
	}

	// SCENEVIEW_ASSETS_ORIGIN -> assets-origin
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", "-")
	}), nil)
	if err != nil {
		return fmt.Errorf("couldn't load env overrides: %w", err)
	}

	flags := cfg.getFlagParams()
	for _, key := range k.Keys() {
		if key == "config" {
			continue
		}
		if _, ok := flags[key]; !ok {
			rlog.Warnf("unknown config option %q", key)
			continue
		}

		f := fs.Lookup(key)
		if f == nil || f.Changed {
			continue
		}
		if err := f.Value.Set(fmt.Sprint(k.Get(key))); err != nil {
			return fmt.Errorf("invalid value of %q: %w", key, err)
		}
	}
	return nil
}

func (cfg Config) Validate() error {
	if cfg.ServerPort <= 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.AssetsOrigin == "" {
		return errors.New("assets origin can't be empty")
	}
	u, err := url.Parse(cfg.AssetsOrigin)
	if err != nil {
		return fmt.Errorf("invalid assets origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("assets origin must have http or https scheme, got %q", u.Scheme)
	}
	if cfg.Cache.Mode == CacheModeSQLite && cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.Cache.Mode != CacheModeNone {
		if cfg.Cache.MaxAge <= 0 {
			return errors.New("cache max age must be > 0")
		}
		if cfg.Cache.CleanupInterval <= 0 {
			return errors.New("cache cleanup interval must be > 0")
		}
	}
	if cfg.WriteWorkersCount <= 0 {
		return errors.New("number of write workers must be > 0")
	}
	if cfg.MaxAssetSize <= 0 {
		return errors.New("max asset size must be > 0")
	}
	return nil
}

type textValue struct {
	p encoding.TextUnmarshaler
}

func (v textValue) String() string {
	if m, ok := v.p.(encoding.TextMarshaler); ok {
		text, err := m.MarshalText()
		if err == nil {
			return string(text)
		}
	}
	return ""
}

func (v textValue) Set(s string) error {
	return v.p.UnmarshalText([]byte(s))
}

func (textValue) Type() string {
	return "string"
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
                                      _
     ___  ___ ___ _ __   ___  __   __(_) _____      __
    / __|/ __/ _ \ '_ \ / _ \ \ \ / /| |/ _ \ \ /\ / /
    \__ \ (_|  __/ | | |  __/  \ V / | |  __/\ V  V /
    |___/\___\___|_| |_|\___|   \_/  |_|\___| \_/\_/

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
