package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/dirwatch"
	"github.com/saia-lab/saia/histostats"
)

func freshConfig(t *testing.T, yaml string) {
	t.Helper()
	k = koanf.New(".")
	ConfigFileName = filepath.Join(t.TempDir(), "saia.yml")
	if yaml != "" {
		require.NoError(t, os.WriteFile(ConfigFileName, []byte(yaml), 0644))
	}
}

func TestConfigDefaults(t *testing.T) {
	freshConfig(t, "")
	setupconfig()
	c, err := load()
	require.NoError(t, err)
	assert.Equal(t, defaults(), c)
}

func TestConfigFileAndEnv(t *testing.T) {
	freshConfig(t, "Addr: :9000\nRefresh: 1s\nROI:\n  XC: 10\n  YC: 12\n  Size: 4\nDirs:\n  ImageRead: /camera\n")
	t.Setenv("SAIA_SPECIES", "Rb-87")
	t.Setenv("SAIA_DIRS__RESULTS", "/results")
	setupconfig()
	c, err := load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, time.Second, c.Refresh)
	assert.Equal(t, 4, c.ROI.Size)
	assert.Equal(t, "/camera", c.Dirs.ImageRead)
	assert.Equal(t, "/results", c.Dirs.Results)
	assert.Equal(t, "Rb-87", c.Species)
	assert.Equal(t, "images", c.Dirs.ImageStorage)
}

func TestConfigLegacyDirs(t *testing.T) {
	dir := t.TempDir()
	legacy := dirwatch.Dirs{ImageStorage: "/a", LogFile: "/b", DexterSync: "/c/sync.txt", ImageRead: "/c", Results: "/d"}
	p := filepath.Join(dir, "config.dat")
	require.NoError(t, legacy.Save(p))

	freshConfig(t, "LegacyConfig: "+p+"\n")
	setupconfig()
	c, err := load()
	require.NoError(t, err)
	assert.Equal(t, legacy, c.Dirs)
}

func TestRenderStats(t *testing.T) {
	rows := []histostats.Row{
		{HistID: 0, UserVar: 1.5, ImNum: 100, Loading: 0.52, Fidelity: 0.99, Threshold: 1150},
		{HistID: 1, UserVar: 2.5, ImNum: 100, Loading: 0.48, Fidelity: 0.98, Threshold: 1148},
	}
	out := renderStats(rows)
	assert.Contains(t, out, "Threshold")
	assert.NotContains(t, out, "THRESHOLD")
	assert.Contains(t, out, "1150")
	assert.Contains(t, out, "2 histograms")
	assert.True(t, strings.HasPrefix(out, "╭"))
}
