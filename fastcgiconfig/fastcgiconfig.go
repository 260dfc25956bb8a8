// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package fastcgiconfig loads the engine's configuration surface from a
// YAML or TOML file, chosen by extension.
package fastcgiconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the file-loadable shape of the engine's settings. BufferSize
// is a humanized string ("512k", "4m") rather than a plain int so the
// on-disk representation accepts k/m/g suffixes.
type Config struct {
	Listen string `yaml:"listen" toml:"listen"`

	MaxConn        *int   `yaml:"max_conn,omitempty" toml:"max_conn,omitempty"`
	MaxSess        *int   `yaml:"max_sess,omitempty" toml:"max_sess,omitempty"`
	MaxSessPerConn *int   `yaml:"max_sess_per_conn,omitempty" toml:"max_sess_per_conn,omitempty"`
	BufferSize     string `yaml:"buffer_size,omitempty" toml:"buffer_size,omitempty"`

	WorkerModel string `yaml:"worker_model,omitempty" toml:"worker_model,omitempty"`
	PoolSize    int    `yaml:"pool_size,omitempty" toml:"pool_size,omitempty"`

	LogFile       string `yaml:"log_file,omitempty" toml:"log_file,omitempty"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb,omitempty" toml:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `yaml:"log_max_backups,omitempty" toml:"log_max_backups,omitempty"`

	PermittedPeers []string `yaml:"permitted_peers,omitempty" toml:"permitted_peers,omitempty"`

	AuditDSN string `yaml:"audit_dsn,omitempty" toml:"audit_dsn,omitempty"`

	// AdminListen, if set, starts the optional /healthz, /debug/sessions,
	// /metrics mux on this address (e.g. "127.0.0.1:2019").
	AdminListen string `yaml:"admin_listen,omitempty" toml:"admin_listen,omitempty"`
}

// Load reads a Config from path, dispatching on its extension: .yaml/
// .yml decode via gopkg.in/yaml.v3, .toml via BurntSushi/toml.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fastcgiconfig: read %s: %w", path, err)
	}
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("fastcgiconfig: decode yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("fastcgiconfig: decode toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("fastcgiconfig: unrecognized config extension %q", ext)
	}
	return &cfg, nil
}

// BufferSizeBytes parses BufferSize's k/m/g-suffixed string into a byte
// count, where a bare k, m or g is a power of 1024 ("512k" is 524288).
// It returns 0 if BufferSize is unset. The engine has no buffer-size
// setting, so cmd/fastcgid does not pass this value on.
func (c *Config) BufferSizeBytes() (uint64, error) {
	if c.BufferSize == "" {
		return 0, nil
	}
	s := c.BufferSize
	switch l := strings.ToLower(s); {
	case strings.HasSuffix(l, "k"), strings.HasSuffix(l, "m"), strings.HasSuffix(l, "g"):
		s += "i" // humanize reads "ki"/"mi"/"gi" as binary units
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("fastcgiconfig: invalid buffer_size %q: %w", c.BufferSize, err)
	}
	return n, nil
}
