// Package config parses the watchdog's peer-list and timer configuration
// file, the same YAML-via-gopkg.in/yaml.v2 approach the teacher's
// config.Config uses for the alerting configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// PeerConfig is one configured remote node.
type PeerConfig struct {
	ID       int    `yaml:"id"`
	Host     string `yaml:"host"`
	WDPort   int    `yaml:"wd_port"`
	AppPort  int    `yaml:"app_port"`
	Priority int16  `yaml:"priority"`
}

// Timers holds the durations named throughout spec §4-§5. Zero values fall
// back to the spec's fixed defaults at load time. cluster.Build applies
// PeerReplyTimeoutSec (as the deadline of the FSM's election commands) and
// BeaconIntervalSec; ProposalTTLSec, EscalationExitWaitSec and
// ReconnectMinIntervalSec are parsed and defaulted but not consulted, since
// those intervals are fixed constants in their packages, as is
// peertable.ReplyTimeout.
type Timers struct {
	PeerReplyTimeoutSec    int `yaml:"peer_reply_timeout_sec"`
	BeaconIntervalSec      int `yaml:"beacon_interval_sec"`
	ProposalTTLSec         int `yaml:"proposal_ttl_sec"`
	EscalationExitWaitSec  int `yaml:"escalation_exit_wait_sec"`
	ReconnectMinIntervalSec int `yaml:"reconnect_min_interval_sec"`
}

// Config is the full watchdog configuration.
type Config struct {
	NodeID   int    `yaml:"node_id"`
	Host     string `yaml:"host"`
	WDPort   int    `yaml:"wd_port"`
	AppPort  int    `yaml:"app_port"`
	Priority int16  `yaml:"priority"`

	Peers []PeerConfig `yaml:"peers"`

	AuthKey string `yaml:"auth_key"`

	IPCSocketDir  string `yaml:"ipc_socket_dir"`
	IPCSharedKey  uint32 `yaml:"ipc_shared_key"`

	VirtualIP string `yaml:"virtual_ip"`
	Scripts   struct {
		Acquire string `yaml:"acquire"`
		Release string `yaml:"release"`
	} `yaml:"escalation_scripts"`

	RequireQuorum                         bool `yaml:"require_quorum"`
	RequireConsensus                      bool `yaml:"require_consensus"`
	EnableConsensusWithHalfVotes          bool `yaml:"enable_consensus_with_half_votes"`
	AllowMultipleFailoverRequestsFromNode bool `yaml:"allow_multiple_failover_requests_from_node"`

	Timers Timers `yaml:"timers"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Timers.PeerReplyTimeoutSec == 0 {
		c.Timers.PeerReplyTimeoutSec = 5
	}
	if c.Timers.BeaconIntervalSec == 0 {
		c.Timers.BeaconIntervalSec = 10
	}
	if c.Timers.ProposalTTLSec == 0 {
		c.Timers.ProposalTTLSec = 15
	}
	if c.Timers.EscalationExitWaitSec == 0 {
		c.Timers.EscalationExitWaitSec = 5
	}
	if c.Timers.ReconnectMinIntervalSec == 0 {
		c.Timers.ReconnectMinIntervalSec = 10
	}
	if c.IPCSocketDir == "" {
		c.IPCSocketDir = "/tmp"
	}
}

func (t Timers) PeerReplyTimeout() time.Duration {
	return time.Duration(t.PeerReplyTimeoutSec) * time.Second
}

func (t Timers) BeaconInterval() time.Duration {
	return time.Duration(t.BeaconIntervalSec) * time.Second
}

func (t Timers) ProposalTTL() time.Duration {
	return time.Duration(t.ProposalTTLSec) * time.Second
}
