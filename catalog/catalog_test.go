package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalogIsValid(t *testing.T) {
	c := Builtin()
	require.NoError(t, c.Validate())

	assert.Equal(t, 1, c.Version)
	assert.Equal(t, []string{KindCartRecovery, KindEducationDrip, KindReviewRequest, KindWelcome}, c.Kinds())

	cart, ok := c.Definition(KindCartRecovery)
	require.True(t, ok)
	assert.Equal(t, PolicyReplace, cart.TriggerPolicy)
	assert.Equal(t, 1*time.Hour, cart.Steps[0].Offset)

	edu, ok := c.Definition(KindEducationDrip)
	require.True(t, ok)
	assert.Len(t, edu.Steps, 12)
	assert.Equal(t, "edu_lesson_12", edu.Steps[11].ContentKey)

	_, ok = c.Definition("flash-sale")
	assert.False(t, ok)
}

func TestLoadWithoutFileReturnsBuiltin(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Builtin().Version, c.Version)
}

func TestLoadMergesFileOverBuiltin(t *testing.T) {
	path := writeCatalogFile(t, `{
		"version": 2,
		"campaigns": [{
			"kind": "win-back",
			"trigger_policy": "idempotent",
			"cancel_on_hard_bounce": true,
			"steps": [
				{"step_index": 0, "offset": "720h", "content_key": "welcome_discount"}
			]
		}]
	}`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)

	// New campaign is present, builtins survive untouched.
	wb, ok := c.Definition("win-back")
	require.True(t, ok)
	assert.Equal(t, 720*time.Hour, wb.Steps[0].Offset)

	_, ok = c.Definition(KindWelcome)
	assert.True(t, ok)
}

func TestLoadRefusesStaleVersion(t *testing.T) {
	path := writeCatalogFile(t, `{"version": 1, "campaigns": []}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be greater than builtin version")
}

func TestLoadRefusesInvalidOffset(t *testing.T) {
	path := writeCatalogFile(t, `{
		"version": 2,
		"campaigns": [{
			"kind": "win-back",
			"trigger_policy": "idempotent",
			"steps": [{"step_index": 0, "offset": "soon", "content_key": "welcome_intro"}]
		}]
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  CampaignDefinition
	}{
		{
			"unknown trigger policy",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: "maybe",
				Steps:         []StepDefinition{{StepIndex: 0, Offset: time.Hour, ContentKey: "welcome_intro"}},
			},
		},
		{
			"no steps",
			CampaignDefinition{Kind: "x", TriggerPolicy: PolicyIdempotent},
		},
		{
			"non-contiguous step indexes",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: PolicyIdempotent,
				Steps: []StepDefinition{
					{StepIndex: 0, Offset: time.Hour, ContentKey: "a"},
					{StepIndex: 2, Offset: 2 * time.Hour, ContentKey: "b"},
				},
			},
		},
		{
			"offsets not increasing",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: PolicyIdempotent,
				Steps: []StepDefinition{
					{StepIndex: 0, Offset: 2 * time.Hour, ContentKey: "a"},
					{StepIndex: 1, Offset: time.Hour, ContentKey: "b"},
				},
			},
		},
		{
			"zero offset",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: PolicyIdempotent,
				Steps:         []StepDefinition{{StepIndex: 0, Offset: 0, ContentKey: "a"}},
			},
		},
		{
			"missing content key",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: PolicyIdempotent,
				Steps:         []StepDefinition{{StepIndex: 0, Offset: time.Hour}},
			},
		},
		{
			"unknown cancel predicate",
			CampaignDefinition{
				Kind:          "x",
				TriggerPolicy: PolicyIdempotent,
				Steps:         []StepDefinition{{StepIndex: 0, Offset: time.Hour, ContentKey: "a", CancelIf: "moon_full"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Catalog{Version: 1, campaigns: map[string]CampaignDefinition{"x": tt.def}}
			assert.Error(t, c.Validate())
		})
	}
}

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
