package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive/buildhive/pkg/storage"
)

func TestParseFullDocument(t *testing.T) {
	dir := t.TempDir()
	doc := fmt.Sprintf(`
server:
  - !channel
    port: 50051
    insecure_mode: true

description: |
  A single default instance

instances:
  - name: main
    description: The main instance
    storages:
      - !disk-storage &main-storage
        path: %s
    services:
      - !action-cache &main-action
        storage: *main-storage
        max_cached_refs: 256
        allow_updates: true
      - !execution
        storage: *main-storage
        action_cache: *main-action
      - !cas
        storage: *main-storage
      - !bytestream
        storage: *main-storage
      - !reference-cache
        storage: *main-storage
        max_cached_refs: 256
`, dir)

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "[::]:50051", cfg.Channels[0].Address)
	assert.True(t, cfg.Channels[0].Insecure)

	require.Len(t, cfg.Instances, 1)
	inst := cfg.Instances[0]
	assert.Equal(t, "main", inst.Name)
	require.Len(t, inst.Storages, 1)
	require.Len(t, inst.Services, 5)

	ac, ok := inst.Services[0].(*ActionCacheService)
	require.True(t, ok)
	assert.True(t, ac.AllowUpdates)

	exec, ok := inst.Services[1].(*ExecutionService)
	require.True(t, ok)
	assert.NotNil(t, exec.Execution)
	assert.NotNil(t, exec.Bots)

	casSvc, ok := inst.Services[2].(*CASService)
	require.True(t, ok)
	bsSvc, ok := inst.Services[3].(*ByteStreamService)
	require.True(t, ok)

	// The anchor makes every service share one backend.
	assert.Same(t, inst.Storages[0], casSvc.Storage)
	assert.Same(t, casSvc.Storage, bsSvc.Storage)
}

func TestParseWithCacheStorage(t *testing.T) {
	dir := t.TempDir()
	doc := fmt.Sprintf(`
server:
  - !channel
    port: 50051
    insecure_mode: true

instances:
  - name: main
    storages:
      - !lru-storage &cache
        size: 1M
      - !disk-storage &fallback
        path: %s
    services:
      - !cas
        storage: !with-cache-storage
          cache: *cache
          fallback: *fallback
`, dir)

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	casSvc, ok := cfg.Instances[0].Services[0].(*CASService)
	require.True(t, ok)
	_, ok = casSvc.Storage.(*storage.WithCacheStorage)
	assert.True(t, ok)
}

func TestParseExecutionWithSQLDataStore(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: true

instances:
  - name: main
    storages:
      - !lru-storage &s
        size: 64M
    services:
      - !execution
        storage: *s
        data_store: !sql-data-store
          connection_string: ":memory:"
`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	exec, ok := cfg.Instances[0].Services[0].(*ExecutionService)
	require.True(t, ok)
	assert.NotNil(t, exec.DataStore)
}

func TestParseBotsAndOperationsReferences(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: true

instances:
  - name: main
    storages:
      - !lru-storage &s
        size: 64M
    services:
      - !execution &exec
        storage: *s
      - !bots
        execution: *exec
      - !operations
        execution: *exec
`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	services := cfg.Instances[0].Services
	require.Len(t, services, 3)
	exec := services[0].(*ExecutionService)
	botsSvc, ok := services[1].(*BotsService)
	require.True(t, ok)
	opsSvc, ok := services[2].(*OperationsService)
	require.True(t, ok)
	assert.Same(t, exec.Bots, botsSvc.Bots)
	assert.Same(t, exec.Execution, opsSvc.Execution)
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: true
    banana: true

instances:
  - name: main
    services: []
`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banana")
}

func TestParseRejectsUnknownTag(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: true

instances:
  - name: main
    services:
      - !teleporter
        storage: nowhere
`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "!teleporter")
}

func TestParseSecureChannelRequiresCredentials(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: false

instances:
  - name: main
    services: []
`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"2kb", 2 << 10},
		{"512MB", 512 << 20},
		{"1G", 1 << 30},
		{"2tb", 2 << 40},
	}
	for _, tc := range tests {
		got, err := parseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseSize("")
	assert.Error(t, err)
	_, err = parseSize("lots")
	assert.Error(t, err)
}

func TestBuildServer(t *testing.T) {
	doc := `
server:
  - !channel
    port: 50051
    insecure_mode: true

instances:
  - name: main
    storages:
      - !lru-storage &s
        size: 64M
    services:
      - !cas
        storage: *s
      - !action-cache &ac
        storage: *s
        max_cached_refs: 64
      - !execution
        storage: *s
        action_cache: *ac
`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	srv, addr, err := BuildServer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, srv)
	assert.Equal(t, "[::]:50051", addr)
}
