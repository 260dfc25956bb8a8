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

package fastcgiconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDoc = `
listen: "tcp://127.0.0.1:9000"
max_conn: 10
max_sess_per_conn: 1
buffer_size: "512k"
worker_model: "fixed_pool"
pool_size: 4
permitted_peers:
  - "10.0.0.0/8"
`

const tomlDoc = `
listen = "unix:///var/run/fastcgid.sock"
buffer_size = "4m"
pool_size = 8
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "cfg.yaml", yamlDoc)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:9000", cfg.Listen)
	require.NotNil(t, cfg.MaxConn)
	assert.Equal(t, 10, *cfg.MaxConn)
	require.NotNil(t, cfg.MaxSessPerConn)
	assert.Equal(t, 1, *cfg.MaxSessPerConn)
	assert.Equal(t, "fixed_pool", cfg.WorkerModel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.PermittedPeers)

	n, err := cfg.BufferSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(512*1024), n)
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "cfg.toml", tomlDoc)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "unix:///var/run/fastcgid.sock", cfg.Listen)
	assert.Equal(t, 8, cfg.PoolSize)

	n, err := cfg.BufferSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(4*1024*1024), n)
}

func TestLoadUnrecognizedExtension(t *testing.T) {
	path := writeTemp(t, "cfg.ini", "listen=foo")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBufferSizeBytesDefaultsToZero(t *testing.T) {
	cfg := &Config{}
	n, err := cfg.BufferSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestBufferSizeBytesRejectsGarbage(t *testing.T) {
	cfg := &Config{BufferSize: "not-a-size"}
	_, err := cfg.BufferSizeBytes()
	assert.Error(t, err)
}
