package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusline/internal/domain"
)

func TestGeneratedConfig(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	v, ok := cfg.PhaseValue()
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.True(t, cfg.IsLegacyBranch("release/0.9"))
	assert.True(t, cfg.IsLegacyBranch("legacy/hotfix"))
	assert.False(t, cfg.IsLegacyBranch("main"))
	assert.False(t, cfg.IsLegacyBranch(""))
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestPhaseValueShapes(t *testing.T) {
	cases := map[string]struct {
		yaml    string
		want    string
		present bool
	}{
		"absent":   {"status: {}\n", "", false},
		"null":     {"status:\n  phase:\n", "", false},
		"int":      {"status:\n  phase: 2\n", "2", true},
		"string":   {"status:\n  phase: \"two\"\n", "two", true},
		"sequence": {"status:\n  phase: [1]\n", "<sequence>", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := FromYAML([]byte(tc.yaml))
			require.NoError(t, err)
			got, ok := cfg.PhaseValue()
			assert.Equal(t, tc.present, ok)
			assert.Equal(t, tc.want, got)
		})
	}
	var nilCfg *Config
	_, ok := nilCfg.PhaseValue()
	assert.False(t, ok)
}

func TestValidateRejectsBadSections(t *testing.T) {
	_, err := FromYAML([]byte("webhooks:\n  - secret: x\n"))
	assert.ErrorContains(t, err, "webhooks[0].url")

	_, err = FromYAML([]byte("status:\n  legacy_branches: [\"release/[\"]\n"))
	assert.ErrorContains(t, err, "legacy_branches")

	_, err = FromYAML([]byte("status:\n  priority:\n    shipping: 3\n"))
	assert.ErrorContains(t, err, "priority")

	_, err = FromYAML([]byte("status: [\n"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestPriorityTableOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte("status:\n  priority:\n    doing: 10\n"))
	require.NoError(t, err)
	p := cfg.PriorityTable()
	assert.Equal(t, 10, p.Of(domain.LaneInProgress))
	assert.Equal(t, 5, p.Of(domain.LaneDone))

	var nilCfg *Config
	assert.Equal(t, 0, nilCfg.PriorityTable().Of(domain.LaneBlocked))
}

func TestLoadAndLoadOptional(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadOptional(root)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	_, err = Load(root)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.MkdirAll(filepath.Join(root, Dir), 0o755))
	require.NoError(t, os.WriteFile(Path(root), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(root)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := FromYAML(out)
	require.NoError(t, err)
	v, ok := again.PhaseValue()
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
