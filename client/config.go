// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package client

import (
	"time"

	"github.com/arimatsu/torrentcore/lib/peer"
	"github.com/arimatsu/torrentcore/lib/peermgr"
	"github.com/arimatsu/torrentcore/lib/scheduler"
)

// Config composes every component's tunables behind the single configuration
// a front end supplies to New, per spec §4.9.
type Config struct {
	// ListenPort is the TCP port this client accepts inbound peer
	// connections on. Zero picks an ephemeral port.
	ListenPort int `yaml:"listen_port"`

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PeerPollInterval is how often the client asks its PeerSource for new
	// candidates and dials up to the peer manager's capacity.
	PeerPollInterval time.Duration `yaml:"peer_poll_interval"`

	// SweepInterval is how often the scheduler checks for expired block
	// requests and peer failure thresholds.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CheckpointInterval is how often the resume log is rewritten while a
	// download is in progress, per spec §4.6.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// ResumeLogPath is where the resume log is written and read from. Empty
	// disables resume entirely.
	ResumeLogPath string `yaml:"resume_log_path"`

	Session   peer.Config      `yaml:"session"`
	PeerMgr   peermgr.Config   `yaml:"peer_manager"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PeerPollInterval == 0 {
		c.PeerPollInterval = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 10 * time.Second
	}
}
