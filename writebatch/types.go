package writebatch

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Mode selects how statements are grouped into batches
type Mode int

const (
	// ModeNone disables batching: every statement is its own unit
	ModeNone Mode = iota
	// ModePartitionKey groups statements sharing a routing token or key
	ModePartitionKey
	// ModeReplicaSet groups statements owned by the same set of replicas
	ModeReplicaSet
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePartitionKey:
		return "partition_key"
	case ModeReplicaSet:
		return "replica_set"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration value to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "disabled":
		return ModeNone, nil
	case "partition_key":
		return ModePartitionKey, nil
	case "replica_set":
		return ModeReplicaSet, nil
	}
	return ModeNone, errors.Wrapf(ErrUnknownMode, "%q", s)
}

// Config holds configuration for the statement batcher
type Config struct {
	Mode          Mode
	MaxStatements int   // Maximum statements per batch (<= 0 unlimited)
	MaxSizeBytes  int64 // Maximum estimated bytes per batch (<= 0 unlimited)
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Mode:          ModePartitionKey,
		MaxStatements: 32,
		MaxSizeBytes:  0,
	}
}
