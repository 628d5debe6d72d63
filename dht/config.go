package dht

import (
	"errors"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
	"github.com/opd-ai/kaddht/transport"
)

// Config holds the construction parameters of a DHT endpoint.
type Config struct {
	// Network namespaces the overlay; envelopes from other networks are ignored.
	Network string
	// ID is the local identifier. The zero key selects a random identifier.
	ID keyspace.Key
	// ListenAddr is the UDP bind address, e.g. "127.0.0.1:9000".
	ListenAddr string

	// BucketSize is the maximum number of entries per bucket.
	BucketSize int
	// ReplicationFactor (K) is the lookup result size and replica count.
	ReplicationFactor int
	// Alpha is the number of concurrent queries per lookup round.
	Alpha int

	// RequestTimeout bounds each outbound request.
	RequestTimeout time.Duration
	// LookupTimeout bounds a whole iterative lookup.
	LookupTimeout time.Duration
	// MaxLookupRounds guards against degenerate lookups that never converge.
	MaxLookupRounds int

	// ValueTTL is how long a stored value lives without refresh.
	ValueTTL time.Duration
	// SweepInterval is how often expired values are purged. Zero disables it.
	SweepInterval time.Duration
	// RefreshInterval is how long a bucket may sit unchanged before a
	// refresh lookup. Zero disables it.
	RefreshInterval time.Duration

	// Workers bounds concurrently handled datagrams.
	Workers int
	// Codec selects the wire encoding ("json" or "msgpack").
	Codec string
	// Observer, if set, sees every inbound and outbound envelope.
	Observer transport.Observer
}

// DefaultConfig returns the reference sizing: 20-entry buckets, K=20, alpha=3.
func DefaultConfig() *Config {
	return &Config{
		Network:           "kaddht",
		ListenAddr:        "127.0.0.1:0",
		BucketSize:        DefaultBucketSize,
		ReplicationFactor: 20,
		Alpha:             3,
		RequestTimeout:    transport.DefaultRequestTimeout,
		LookupTimeout:     30 * time.Second,
		MaxLookupRounds:   32,
		ValueTTL:          DefaultValueTTL,
		SweepInterval:     time.Minute,
		RefreshInterval:   15 * time.Minute,
		Workers:           transport.DefaultWorkers,
		Codec:             "json",
	}
}

// Validate checks the configuration for values the endpoint cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := limits.ValidateNetworkID(c.Network); err != nil {
		return err
	}
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}
	if c.ReplicationFactor <= 0 {
		return errors.New("replication factor must be positive")
	}
	if c.Alpha <= 0 {
		return errors.New("alpha must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.LookupTimeout <= 0 {
		return errors.New("lookup timeout must be positive")
	}
	if c.MaxLookupRounds <= 0 {
		return errors.New("max lookup rounds must be positive")
	}
	if c.ValueTTL <= 0 {
		return errors.New("value TTL must be positive")
	}
	if c.SweepInterval < 0 || c.RefreshInterval < 0 {
		return errors.New("maintenance intervals cannot be negative")
	}
	if _, err := transport.CodecByName(c.Codec); err != nil {
		return err
	}
	return nil
}
