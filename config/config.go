// Package config holds the process-wide configuration for the BDT/NDN
// core: every timeout and capacity named in spec §6 is a field here,
// read once at construction time by the component that owns it. There
// is no mid-run mutation; Reload replaces the whole value atomically.
package config

import (
	"os"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogConfig mirrors the teacher's `log` section of setting.json.
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// UDPConfig is §6's `udp.*` table.
type UDPConfig struct {
	HolepunchInterval time.Duration `json:"holepunch_interval"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	PingInterval      time.Duration `json:"ping_interval"`
	PingTimeout       time.Duration `json:"ping_timeout"`
}

// TCPConfig is §6's `tcp.*` table.
type TCPConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ConfirmTimeout time.Duration `json:"confirm_timeout"`
}

// SNConfig is §6's `sn.*` table.
type SNConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	PingTimeout     time.Duration `json:"ping_timeout"`
	RetrySnTimeout  time.Duration `json:"retry_sn_timeout"`
}

// HistorySpeedConfig sizes the speed-average ring.
type HistorySpeedConfig struct {
	Count uint32 `json:"count"`
}

// ChannelConfig is §6's `channel.*` table.
type ChannelConfig struct {
	ResendInterval time.Duration      `json:"resend_interval"`
	ResendTimeout  time.Duration      `json:"resend_timeout"`
	BlockInterval  time.Duration      `json:"block_interval"`
	MSL            time.Duration      `json:"msl"`
	HistorySpeed   HistorySpeedConfig `json:"history_speed"`
	// ReserveTimeout is carried into channel.Config (spec §4.1's
	// reserve_timeout); the channel does not read it, and purges
	// canceled sessions after 2*MSL instead.
	ReserveTimeout time.Duration `json:"reserve_timeout"`
	// UploadRateLimit caps bytes/second handed to one upload session's
	// token bucket; zero means unlimited.
	UploadRateLimit int `json:"upload_rate_limit"`
}

// PoolConfig is §6's `pool.*` table.
type PoolConfig struct {
	Capacity       int           `json:"capacity"`
	Backlog        int           `json:"backlog"`
	AtomicInterval time.Duration `json:"atomic_interval"`
	Timeout        time.Duration `json:"timeout"`
}

// DirConfig is §6's `dir.*` table.
type DirConfig struct {
	TaskCountMax int `json:"task_count_max"`
}

// Config is the top-level, process-wide configuration object.
type Config struct {
	Log     LogConfig     `json:"log"`
	UDP     UDPConfig     `json:"udp"`
	TCP     TCPConfig     `json:"tcp"`
	SN      SNConfig      `json:"sn"`
	Channel ChannelConfig `json:"channel"`
	Pool    PoolConfig    `json:"pool"`
	Dir     DirConfig     `json:"dir"`

	// SNList is the ordered list (nearest-first after sorting by XOR
	// distance at runtime) of super-node addresses this device knows
	// about at startup.
	SNList []string `json:"sn_list"`

	// StorePath is where the tracked-store (buntdb) index file lives.
	StorePath string `json:"store_path"`
}

func defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Path: ""},
		UDP: UDPConfig{
			HolepunchInterval: 200 * time.Millisecond,
			ConnectTimeout:    5 * time.Second,
			PingInterval:      5 * time.Second,
			PingTimeout:       20 * time.Second,
		},
		TCP: TCPConfig{
			ConnectTimeout: 5 * time.Second,
			ConfirmTimeout: 5 * time.Second,
		},
		SN: SNConfig{
			PingInterval:   25 * time.Second,
			PingTimeout:    60 * time.Second,
			RetrySnTimeout: 2 * time.Second,
		},
		Channel: ChannelConfig{
			ResendInterval: 500 * time.Millisecond,
			ResendTimeout:  4 * time.Second,
			BlockInterval:  500 * time.Millisecond,
			MSL:            2 * time.Minute,
			HistorySpeed:   HistorySpeedConfig{Count: 10},
			ReserveTimeout: 1 * time.Minute,
			UploadRateLimit: 0,
		},
		Pool: PoolConfig{
			Capacity:       16,
			Backlog:        32,
			AtomicInterval: 30 * time.Second,
			Timeout:        2 * time.Minute,
		},
		Dir: DirConfig{TaskCountMax: 5},

		StorePath: "store/bdt.db",
	}
}

var current atomic.Pointer[Config]

func init() {
	current.Store(defaults())
	if path := os.Getenv("BDT_CONFIG"); path != "" {
		_ = Reload(path)
	}
}

// Global returns the currently active config. Callers must treat the
// returned value as immutable.
func Global() *Config {
	return current.Load()
}

// Reload loads a JSON config file, fills unset fields from defaults,
// validates it, and swaps it in atomically. An error leaves the
// previous config active.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if err := cfg.verify(); err != nil {
		return err
	}
	current.Store(cfg)
	return nil
}

func (c *Config) verify() error {
	if c.Pool.Capacity <= 0 {
		c.Pool.Capacity = 16
	}
	if c.Dir.TaskCountMax <= 0 {
		c.Dir.TaskCountMax = 5
	}
	if c.Channel.HistorySpeed.Count == 0 {
		c.Channel.HistorySpeed.Count = 10
	}
	return nil
}
