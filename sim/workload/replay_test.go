package workload

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayRequests_SortsAndSharesPrefixes(t *testing.T) {
	// GIVEN records out of arrival order, two of them in one prefix group
	trace := &ReplayTrace{Records: []ReplayRecord{
		{ID: "b", ArrivalTime: 200, InputTokens: 10, OutputTokens: 3, PrefixGroup: "sys", PrefixLength: 16},
		{ID: "a", ArrivalTime: 100, InputTokens: 5, OutputTokens: 1, SLOClass: "realtime"},
		{ArrivalTime: 300, InputTokens: 7, OutputTokens: 2, PrefixGroup: "sys"},
	}}

	// WHEN converted
	reqs, err := ReplayRequests(trace, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// THEN they come back by arrival, with token counts and shared prefixes
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"a", "b", "request_2"}, []string{reqs[0].ID, reqs[1].ID, reqs[2].ID})
	assert.Len(t, reqs[0].InputTokens, 5)
	assert.Equal(t, "realtime", reqs[0].SLOClass)
	assert.Len(t, reqs[1].InputTokens, 26)
	assert.Len(t, reqs[1].OutputTokens, 3)
	assert.Len(t, reqs[2].InputTokens, 23)
	assert.Equal(t, reqs[1].InputTokens[:16], reqs[2].InputTokens[:16])
}

func TestReplayRequests_Errors(t *testing.T) {
	_, err := ReplayRequests(&ReplayTrace{}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	dup := &ReplayTrace{Records: []ReplayRecord{{ID: "x"}, {ID: "x"}}}
	_, err = ReplayRequests(dup, rand.New(rand.NewSource(1)))
	assert.ErrorContains(t, err, "duplicate")

	neg := &ReplayTrace{Records: []ReplayRecord{{ID: "x", ArrivalTime: -1}}}
	_, err = ReplayRequests(neg, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestLoadReplay_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "trace.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"records":[{"id":"r1","arrival_time_us":5,"input_tokens":8,"output_tokens":2,"tenant_id":"t"}]}`), 0o644))
	yamlPath := filepath.Join(dir, "trace.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("records:\n  - id: r1\n    arrival_time_us: 5\n    input_tokens: 8\n    output_tokens: 2\n    tenant_id: t\n"), 0o644))

	fromJSON, err := LoadReplay(jsonPath)
	require.NoError(t, err)
	fromYAML, err := LoadReplay(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, int64(5), fromJSON.Records[0].ArrivalTime)
}

func TestLoadReplay_MissingFile(t *testing.T) {
	_, err := LoadReplay(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
