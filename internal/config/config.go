// Package config holds the tunable constants that govern flux sizing,
// timeouts, cache behaviour and pacing across the transport. Values mirror
// the defaults catalogued in the protocol specification and can be
// overridden by loading a YAML document with LoadFile.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable constant used by the engine, flux, cache,
// reorderer and command subsystems. Zero-value Config is invalid; use
// Default to obtain a struct with the specification's defaults, then
// override individual fields or load a YAML file over it.
type Config struct {
	// MaxFluxPackets bounds the number of received packets buffered in a
	// single flux; a push onto a full flux fails with flux.ErrFull.
	MaxFluxPackets int `yaml:"max_flux_packets"`

	// ReceptionSelectTimeout bounds how long the reception thread blocks in
	// its socket read before re-checking the running flag.
	ReceptionSelectTimeout time.Duration `yaml:"reception_select_timeout"`

	// CommandUpdateTick is the cadence at which pending commands (handshake,
	// MTU probe, disconnect) are advanced.
	CommandUpdateTick time.Duration `yaml:"command_update_tick"`

	// ConnectedTimeout is the idle deadline once a peer reaches Connected.
	ConnectedTimeout time.Duration `yaml:"connected_timeout"`

	// DefaultStatusTimeout is the idle deadline for any state before Connected.
	DefaultStatusTimeout time.Duration `yaml:"default_status_timeout"`

	// PacketReturnRate is the piggy-back cadence for the client's return packet.
	PacketReturnRate time.Duration `yaml:"packet_return_rate"`

	// ReordererCapacity bounds the reorderer's heap before it forces release.
	ReordererCapacity int `yaml:"reorderer_capacity"`

	// CacheMax bounds the ack-and-retransmit cache before it raises its alarm.
	CacheMax int `yaml:"cache_max"`

	// CacheDelayFactor multiplies PacketReturnRate to derive the per-client
	// retransmit delay, summed with measured RTT.
	CacheDelayFactor float64 `yaml:"cache_delay_factor"`

	// CacheMinLatency floors the computed retransmit delay.
	CacheMinLatency time.Duration `yaml:"cache_min_latency"`

	// CacheRetryLimit is the try-count at which an entry is dropped (the
	// comparison is try-count == CacheRetryLimit, yielding
	// CacheRetryLimit+1 total transmissions).
	CacheRetryLimit int `yaml:"cache_retry_limit"`

	// MaxUncompressedDatagram bounds a logical packet's size prior to
	// fragmentation.
	MaxUncompressedDatagram int `yaml:"max_uncompressed_datagram"`

	// FullDatagramSize is the UDP payload ceiling used when no smaller MTU
	// has been discovered.
	FullDatagramSize int `yaml:"full_datagram_size"`

	// HandshakeMagic is the fixed string a handshake body must start with.
	HandshakeMagic string `yaml:"handshake_magic"`

	// ClientGCDelay is the cadence of the server's weak-client sweep.
	ClientGCDelay time.Duration `yaml:"client_gc_delay"`

	// DefragmenterMaxGroups bounds concurrent fragment-reassembly groups
	// per peer before the oldest is evicted (spec.md §9 Open Question).
	DefragmenterMaxGroups int `yaml:"defragmenter_max_groups"`

	// LatencyOffsetWindow is the number of clock-offset samples averaged by
	// the latency planner.
	LatencyOffsetWindow int `yaml:"latency_offset_window"`

	// DefaultLatency seeds CTOS/STOC before any measurement exists.
	DefaultLatency time.Duration `yaml:"default_latency"`

	// TransmissionTick is the period of the transmission thread's ticker,
	// used both as a wake cadence and a pacing granularity.
	TransmissionTick time.Duration `yaml:"transmission_tick"`

	// MTUFloorV4 / MTUFloorV6 are the minimum MTU an implementation may
	// converge on for each address family.
	MTUFloorV4 int `yaml:"mtu_floor_v4"`
	MTUFloorV6 int `yaml:"mtu_floor_v6"`
	// MTUCeiling is the platform-independent upper bound on any negotiated
	// MTU (the UDP payload ceiling).
	MTUCeiling int `yaml:"mtu_ceiling"`
}

// Default returns a Config populated with the specification's §6.6 defaults.
func Default() Config {
	return Config{
		MaxFluxPackets:          200,
		ReceptionSelectTimeout:  100 * time.Millisecond,
		CommandUpdateTick:       50 * time.Millisecond,
		ConnectedTimeout:        30 * time.Second,
		DefaultStatusTimeout:    5 * time.Second,
		PacketReturnRate:        100 * time.Millisecond,
		ReordererCapacity:       8,
		CacheMax:                512,
		CacheDelayFactor:        2.0,
		CacheMinLatency:         40 * time.Millisecond,
		CacheRetryLimit:         3,
		MaxUncompressedDatagram: 64 * 1024,
		FullDatagramSize:        65507,
		HandshakeMagic:          "RDGRAM-HELLO",
		ClientGCDelay:           5 * time.Second,
		DefragmenterMaxGroups:   16,
		LatencyOffsetWindow:     8,
		DefaultLatency:          20 * time.Millisecond,
		TransmissionTick:        10 * time.Millisecond,
		MTUFloorV4:              576,
		MTUFloorV6:              1280,
		MTUCeiling:              65507,
	}
}

// LoadFile reads a YAML document at path and overlays it onto Default(),
// returning the merged, validated configuration.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency of the tunables.
func (c Config) Validate() error {
	switch {
	case c.MaxFluxPackets <= 0:
		return fmt.Errorf("max_flux_packets must be positive")
	case c.ReordererCapacity <= 0:
		return fmt.Errorf("reorderer_capacity must be positive")
	case c.CacheMax <= 0:
		return fmt.Errorf("cache_max must be positive")
	case c.CacheRetryLimit < 0:
		return fmt.Errorf("cache_retry_limit must not be negative")
	case c.HandshakeMagic == "":
		return fmt.Errorf("handshake_magic must not be empty")
	case c.MaxUncompressedDatagram <= 0:
		return fmt.Errorf("max_uncompressed_datagram must be positive")
	case c.MTUFloorV4 <= 0 || c.MTUFloorV6 <= 0 || c.MTUCeiling <= 0:
		return fmt.Errorf("mtu bounds must be positive")
	case c.DefragmenterMaxGroups <= 0:
		return fmt.Errorf("defragmenter_max_groups must be positive")
	}
	return nil
}
