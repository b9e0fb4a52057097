package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/prism/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default configuration values.
const (
	DefaultLogLevel    = "info"
	DefaultBindAddr    = "0.0.0.0:4000"
	DefaultServiceAddr = ""
	DefaultCapacity    = 3
	DefaultTCPTimeout  = 1000 * time.Millisecond
	DefaultDialTimeout = 3000 * time.Millisecond
)

// Config contains all the configuration properties of a Prism node.
type Config struct {
	// DataDir is the top-level directory containing Prism configuration.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log entry through a file
	// hook, leaving the console to chat messages.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node accepts children.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the address reported to operators. Other nodes learn
	// our address from their end of the connection.
	AdvertiseAddr string `mapstructure:"advertise"`

	// AnnouncePort overrides the port announced to the parent in Port
	// envelopes. Zero means the port the listener is bound to.
	AnnouncePort uint16 `mapstructure:"announce-port"`

	// ConnectAddr is the host:port of the parent to join at startup. Empty
	// means the node starts as the root of its own tree.
	ConnectAddr string `mapstructure:"connect"`

	// Capacity is the maximum number of confirmed children. Further joiners
	// are redirected to existing children.
	Capacity int `mapstructure:"capacity"`

	// TCPTimeout bounds the time spent writing one envelope to a connection.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// DialTimeout bounds the time spent connecting to a parent, including
	// failover and rebalance targets.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// ServiceAddr is the address:port of the optional HTTP status service.
	// Empty disables the service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Moniker is the display name to use from startup. It can then no longer
	// be changed with /name.
	Moniker string `mapstructure:"name"`

	// Output receives chat messages and notices meant for the user. Defaults
	// to os.Stdout.
	Output io.Writer `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		ServiceAddr: DefaultServiceAddr,
		Capacity:    DefaultCapacity,
		TCPTimeout:  DefaultTCPTimeout,
		DialTimeout: DefaultDialTimeout,
	}

	return config
}

// NewTestConfig returns a config object with default values, a loopback bind
// address on a random port, and a special logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.BindAddr = "127.0.0.1:0"
	config.logger = common.NewTestLogger(t, level)
	config.Output = io.Discard
	return config
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.BindAddr == "" {
		return fmt.Errorf("no listen address")
	}
	return nil
}

// Out returns the writer for user-facing output.
func (c *Config) Out() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

// Logger returns a formatted logrus Entry, with prefix set to "prism".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.logger.Hooks.Add(newFileHook(c.LogFile))
			c.logger.Out = io.Discard
		}
	}
	return c.logger.WithField("prefix", "prism")
}

func newFileHook(path string) logrus.Hook {
	pathMap := lfshook.PathMap{}
	for _, level := range logrus.AllLevels {
		pathMap[level] = path
	}
	return lfshook.NewHook(pathMap, &logrus.TextFormatter{})
}

// DefaultDataDir return the default directory name for top-level Prism config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Prism")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Prism")
		} else {
			return filepath.Join(home, ".prism")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
