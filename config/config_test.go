package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate(1))
	assert.NoError(t, Default().Validate(64))
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(p, []byte("groups: 4\ndumps: 3\nread_back: false\nlog_level: debug\n"), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Groups)
	assert.Equal(t, 3, c.Dumps)
	assert.False(t, c.ReadBack)
	assert.Equal(t, logrus.DebugLevel, c.Level())
	assert.Equal(t, Default().PartSize, c.PartSize)
	assert.Equal(t, "macsio", c.Base)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(p, []byte("grops: 4\n"), 0o644))
	_, err := Load(p)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		size   int
		ok     bool
	}{
		{"file per rank", func(c *Config) { c.Groups = 0 }, 8, true},
		{"groups equal size", func(c *Config) { c.Groups = 8 }, 8, true},
		{"too many groups", func(c *Config) { c.Groups = 9 }, 8, false},
		{"negative groups", func(c *Config) { c.Groups = -1 }, 8, false},
		{"bad direction", func(c *Config) { c.Direction = "sideways" }, 8, false},
		{"read direction", func(c *Config) { c.Direction = "read" }, 8, true},
		{"no dumps", func(c *Config) { c.Dumps = 0 }, 8, false},
		{"no parts", func(c *Config) { c.Parts = 0 }, 8, false},
		{"empty base", func(c *Config) { c.Base = "" }, 8, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, 8, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(&c)
			err := c.Validate(tc.size)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGroupCount(t *testing.T) {
	c := Default()
	c.Groups = 0
	assert.Equal(t, 16, c.GroupCount(16))
	c.Groups = 3
	assert.Equal(t, 3, c.GroupCount(16))
}
