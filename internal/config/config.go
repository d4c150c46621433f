// Package config handles the ebpfvm.toml configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runlog"
	"github.com/fortiblox/ebpfvm/pkg/server"
)

// DefaultFile is the configuration file name looked up by the CLI.
const DefaultFile = "ebpfvm.toml"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the whole configuration file.
type Config struct {
	VM      VM      `toml:"vm"`
	Store   Store   `toml:"store"`
	Journal Journal `toml:"journal"`
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// VM holds interpreter defaults.
type VM struct {
	MemorySize   int           `toml:"memory_size"`
	StackSize    int           `toml:"stack_size"`
	ComputeLimit uint64        `toml:"compute_limit"`
	Timeout      time.Duration `toml:"timeout"`
	HelperSeed   int64         `toml:"helper_seed"`
}

// Store configures the program store.
type Store struct {
	Path   string `toml:"path"`
	NoSync bool   `toml:"no_sync"`
}

// Journal configures the execution journal.
type Journal struct {
	Path       string `toml:"path"`
	InMemory   bool   `toml:"in_memory"`
	SyncWrites bool   `toml:"sync_writes"`
}

// Server configures the gRPC service.
type Server struct {
	Listen           string        `toml:"listen"`
	MaxMessageSize   int           `toml:"max_message_size"`
	KeepaliveTime    time.Duration `toml:"keepalive_time"`
	KeepaliveTimeout time.Duration `toml:"keepalive_timeout"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// levels maps level names to commonlog verbosity.
var levels = map[string]int{
	"none":    -4,
	"error":   -2,
	"warn":    -1,
	"warning": -1,
	"notice":  0,
	"info":    1,
	"debug":   2,
}

// Default returns the built-in configuration.
func Default() *Config {
	xc := executor.DefaultConfig()
	sc := server.DefaultConfig()
	return &Config{
		VM: VM{
			MemorySize:   xc.MemorySize,
			StackSize:    xc.StackSize,
			ComputeLimit: xc.ComputeLimit,
			Timeout:      xc.Timeout,
		},
		Store:   Store{Path: "data/programs.db"},
		Journal: Journal{Path: "data/journal"},
		Server: Server{
			Listen:           sc.Listen,
			MaxMessageSize:   sc.MaxMessageSize,
			KeepaliveTime:    sc.KeepaliveTime,
			KeepaliveTimeout: sc.KeepaliveTimeout,
		},
		Log: Log{Level: "warn"},
	}
}

// Load reads a configuration file on top of the defaults. Unknown keys are
// an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// LoadOptional is Load, returning the defaults when path does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes TOML text on top of the defaults and validates the result.
func Parse(text string) (*Config, error) {
	c := Default()
	meta, err := toml.Decode(text, c)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.VM.MemorySize < 0 || c.VM.MemorySize > executor.MaxMemorySize {
		problems = append(problems, fmt.Sprintf("vm.memory_size %d out of range", c.VM.MemorySize))
	}
	if c.VM.StackSize < 0 || c.VM.StackSize > executor.MaxStackSize {
		problems = append(problems, fmt.Sprintf("vm.stack_size %d out of range", c.VM.StackSize))
	}
	if c.VM.StackSize%8 != 0 {
		problems = append(problems, fmt.Sprintf("vm.stack_size %d is not a multiple of 8", c.VM.StackSize))
	}
	if c.VM.Timeout < 0 {
		problems = append(problems, "vm.timeout is negative")
	}
	if c.Server.MaxMessageSize < 0 {
		problems = append(problems, "server.max_message_size is negative")
	}
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		problems = append(problems, fmt.Sprintf("log.level %q is not one of none, error, warn, notice, info, debug", c.Log.Level))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Verbosity returns the commonlog verbosity of the configured level.
func (c *Config) Verbosity() int {
	if v, ok := levels[strings.ToLower(c.Log.Level)]; ok {
		return v
	}
	return -1
}

// Executor returns the executor configuration.
func (c *Config) Executor() executor.Config {
	return executor.Config{
		MemorySize:   c.VM.MemorySize,
		StackSize:    c.VM.StackSize,
		ComputeLimit: c.VM.ComputeLimit,
		Timeout:      c.VM.Timeout,
		HelperSeed:   c.VM.HelperSeed,
	}
}

// ProgramStore returns the program store configuration.
func (c *Config) ProgramStore() progstore.Config {
	pc := progstore.DefaultConfig(c.Store.Path)
	pc.NoSync = c.Store.NoSync
	return pc
}

// RunLog returns the journal configuration.
func (c *Config) RunLog() runlog.Config {
	return runlog.Config{
		Path:       c.Journal.Path,
		InMemory:   c.Journal.InMemory,
		SyncWrites: c.Journal.SyncWrites,
	}
}

// GRPC returns the server configuration.
func (c *Config) GRPC() server.Config {
	return server.Config{
		Listen:           c.Server.Listen,
		MaxMessageSize:   c.Server.MaxMessageSize,
		KeepaliveTime:    c.Server.KeepaliveTime,
		KeepaliveTimeout: c.Server.KeepaliveTimeout,
	}
}
