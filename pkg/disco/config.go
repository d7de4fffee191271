package disco

import (
	"fmt"
	"time"
)

// Config is this node's tunable configuration, loadable from YAML or
// overridden by CLI flags.
type Config struct {
	// Port is the TCP listen port; 0 lets the OS pick a free port.
	// Default 18888.
	Port int `yaml:"port"`
	// Seeds are bootstrap peer addresses dialed when the mesh is empty.
	Seeds []HostPortConfig `yaml:"seeds"`
	// TTL is advertised for local publications and for this node itself.
	// Default 8h.
	TTL time.Duration `yaml:"ttl"`
	// Period is the base mesh-maintenance timer interval, jittered
	// +/-25% per tick. Default 60s.
	Period time.Duration `yaml:"period"`
	// ConnExpThresh is the handshake timeout: an uninitialized connection
	// older than this is torn down. Default 10s.
	ConnExpThresh time.Duration `yaml:"conn_exp_thresh"`
	// NetworkTimeout bounds TCP connect and per-frame write deadlines.
	// Reads carry no deadline.
	NetworkTimeout time.Duration `yaml:"network_timeout"`
}

// HostPortConfig is the YAML-friendly form of a HostPort.
type HostPortConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (hp HostPortConfig) toHostPort() HostPort {
	return HostPort{Host: hp.Host, Port: hp.Port}
}

// DefaultConfig returns sane defaults for a standalone node.
func DefaultConfig() Config {
	return Config{
		Port:           18888,
		Seeds:          nil,
		TTL:            8 * time.Hour,
		Period:         60 * time.Second,
		ConnExpThresh:  10 * time.Second,
		NetworkTimeout: 10 * time.Second,
	}
}

// Validate catches bad configuration before New starts listening, so
// callers get a clean error instead of a node that silently misbehaves.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	if c.ConnExpThresh <= 0 {
		return fmt.Errorf("conn_exp_thresh must be positive")
	}
	for _, s := range c.Seeds {
		if s.Host == "" || s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("invalid seed address: %+v", s)
		}
	}
	return nil
}

func (c Config) seedAddrs() []HostPort {
	out := make([]HostPort, len(c.Seeds))
	for i, s := range c.Seeds {
		out[i] = s.toHostPort()
	}
	return out
}
