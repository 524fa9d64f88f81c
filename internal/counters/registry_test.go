package counters

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinitions() DefinitionFile {
	return DefinitionFile{
		Constants: []string{"CU_NUM", "SE_NUM"},
		Architectures: map[string][]Definition{
			"gfx90a": {
				{Name: "GRBM_COUNT", Block: "GRBM", Event: "0"},
				{Name: "SQ_WAVES", Block: "SQ", Event: "4"},
				{Name: "SQ_INSTS_VALU", Block: "SQ", Event: "0x1a"},
				{Name: "TCC_HIT", Block: "TCC", Event: "17"},
				{Name: "TCC_MISS", Block: "TCC", Event: "19"},
				{Name: "TA_BUSY", Block: "TA", Event: "15"},
				{Name: "TA_FLAT", Block: "TA", Event: "16"},
				{Name: "TA_BUFFER", Block: "TA", Event: "17"},
				{Name: "WAVE_RATE", Expression: "SQ_WAVES/GRBM_COUNT"},
				{Name: "BAD_EVENT", Block: "SQ", Event: "waves"},
				{Name: "NO_BLOCK", Event: "3"},
				{Name: "NO_EVENT", Block: "SQ"},
				{Name: "GDS_BUSY", Block: "GDS", Event: "1"},
			},
			"gfx908": {
				{Name: "SQ_WAVES", Block: "SQ", Event: "4"},
			},
		},
	}
}

func TestNewRegistry_AssignsIDs(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)

	// Constants first, then gfx908 before gfx90a.
	cu, ok := reg.ByID(0)
	require.True(t, ok)
	assert.Equal(t, "CU_NUM", cu.Name())
	assert.True(t, cu.Special())
	assert.Equal(t, "constant", cu.Arch())

	waves908, ok := reg.ByName("gfx908", "SQ_WAVES")
	require.True(t, ok)
	assert.Equal(t, uint64(2), waves908.ID())

	grbm, ok := reg.ByName("gfx90a", "GRBM_COUNT")
	require.True(t, ok)
	assert.Equal(t, uint64(3), grbm.ID())

	waves90a, ok := reg.ByName("gfx90a", "SQ_WAVES")
	require.True(t, ok)
	assert.False(t, waves90a.Equal(waves908))

	assert.Equal(t, 2+1+13, reg.Len())
	assert.Equal(t, []string{"gfx908", "gfx90a"}, reg.Architectures())
}

func TestRegistry_ConstantsOnEveryArch(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)

	for _, arch := range reg.Architectures() {
		metrics := reg.MetricsForAgent(arch)
		require.GreaterOrEqual(t, len(metrics), 2)

		tail := metrics[len(metrics)-2:]
		assert.Equal(t, "CU_NUM", tail[0].Name(), arch)
		assert.Equal(t, "SE_NUM", tail[1].Name(), arch)
	}
}

func TestRegistry_IsValid(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)

	waves908, ok := reg.ByName("gfx908", "SQ_WAVES")
	require.True(t, ok)

	assert.True(t, reg.IsValid("gfx908", waves908))
	assert.False(t, reg.IsValid("gfx90a", waves908))
	assert.False(t, reg.IsValid("gfx1100", waves908))
	assert.False(t, reg.IsValid("gfx908", Metric{id: waves908.ID(), name: "forged"}))
}

func TestRegistry_MetricsForAgentIsCopy(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)

	metrics := reg.MetricsForAgent("gfx908")
	metrics[0] = Metric{}

	again := reg.MetricsForAgent("gfx908")
	assert.Equal(t, "SQ_WAVES", again[0].Name())
	assert.Empty(t, reg.MetricsForAgent("unknown"))
}

func TestRegistry_Lookup(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)

	metrics, err := reg.Lookup("gfx90a", []string{"TCC_HIT", "SQ_WAVES"})
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "TCC_HIT", metrics[0].Name())

	_, err = reg.Lookup("gfx90a", []string{"TCC_HIT", "MISSING"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file DefinitionFile
	}{
		{
			name: "empty name",
			file: DefinitionFile{Architectures: map[string][]Definition{"gfx90a": {{Block: "SQ", Event: "1"}}}},
		},
		{
			name: "duplicate name",
			file: DefinitionFile{Architectures: map[string][]Definition{"gfx90a": {
				{Name: "A", Block: "SQ", Event: "1"},
				{Name: "A", Block: "SQ", Event: "2"},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.file)
			require.Error(t, err)
		})
	}
}

func TestNewRegistry_IDOverflow(t *testing.T) {
	constants := make([]string, MaxMetricID+2)
	for i := range constants {
		constants[i] = fmt.Sprintf("C%d", i)
	}

	_, err := NewRegistry(DefinitionFile{Constants: constants})
	require.ErrorIs(t, err, ErrMetricIDOverflow)

	// Exactly 65536 ids (0..0xFFFF) still fit.
	reg, err := NewRegistry(DefinitionFile{Constants: constants[:MaxMetricID+1]})
	require.NoError(t, err)
	assert.Equal(t, MaxMetricID+1, reg.Len())
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.yaml")

	content := `
constants: [CU_NUM]
architectures:
  gfx90a:
    - name: SQ_WAVES
      block: SQ
      event: "4"
      description: Waves dispatched
    - name: WAVE_RATE
      expression: SQ_WAVES/GRBM_COUNT
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	waves, ok := reg.ByName("gfx90a", "SQ_WAVES")
	require.True(t, ok)
	assert.Equal(t, "Waves dispatched", waves.Description())
	assert.Equal(t, "4", waves.Event())

	rate, ok := reg.ByName("gfx90a", "WAVE_RATE")
	require.True(t, ok)
	assert.True(t, rate.Derived())

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
