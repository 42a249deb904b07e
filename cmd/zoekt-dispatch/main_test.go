package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

func TestMain(m *testing.M) {
	logtest.Init(m)
	os.Exit(m.Run())
}

func TestRootFlagsFromEnv(t *testing.T) {
	t.Setenv("ZOEKT_DISPATCH_LISTEN", ":7000")
	t.Setenv("ZOEKT_DISPATCH_REDIS_PREFIX", "gitlab:")

	cmd := rootCmd()
	require.NoError(t, cmd.Parse([]string{"-timeout", "1m"}))

	assert.Equal(t, ":7000", cmd.FlagSet.Lookup("listen").Value.String())
	assert.Equal(t, "gitlab:", cmd.FlagSet.Lookup("redis_prefix").Value.String())
	assert.Equal(t, "1m0s", cmd.FlagSet.Lookup("timeout").Value.String())
}

func TestNewDeps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: 1
    online: true
    search_base_url: http://zoekt-0:6090
`), 0o600))

	d, err := newDeps(rootConfig{inventory: path}, logtest.Scoped(t))
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, d.store)
	assert.Len(t, d.fleet.Inventory().Nodes, 1)
	assert.NotNil(t, d.search.Builder)

	_, err = newDeps(rootConfig{inventory: filepath.Join(t.TempDir(), "missing.yml")}, logtest.Scoped(t))
	assert.Error(t, err)
}
