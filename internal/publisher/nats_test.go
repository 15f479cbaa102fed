package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "reconciler.runs.succeeded", Subject("reconciler.runs", "succeeded"))
	assert.Equal(t, "reconciler.runs.failed", Subject("reconciler.runs.", "failed"))
	assert.Equal(t, "x._", Subject("x", " "))
	assert.Equal(t, "x.a_b_c", Subject("x", "a.b*c"))
}

func TestRunSummaryJSON(t *testing.T) {
	s := RunSummary{
		RunID:       "7d4f",
		ServiceDate: "2024-03-14",
		Status:      "succeeded",
		Visits:      30,
		MeanOffset:  42.5,
		FinishedAt:  time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "2024-03-14", m["serviceDate"])
	assert.Equal(t, 42.5, m["meanOffsetSec"])
	assert.NotContains(t, m, "error")
	assert.NotContains(t, m, "dryRun")
}
