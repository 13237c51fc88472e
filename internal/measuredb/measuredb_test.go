package measuredb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeries() Series {
	tp1 := 2.0
	tp2 := 3.0
	return Series{
		SourceComputer: "testhost",
		Timestamp:      time.Unix(1700000000, 0),
		Measurements: []Measurement{
			{
				InputHex: "4883c02a",
				PredictorRuns: []PredictorRun{
					{Toolname: "count", Version: "1.0", UArch: "any", Result: &tp1, Remark: `{"TP":2}`},
					{Toolname: "penalize", Version: "1.0", UArch: "SKL", Result: &tp2, Remark: `{"TP":3}`},
				},
			},
			{
				InputHex: "90",
				PredictorRuns: []PredictorRun{
					{Toolname: "count", Version: "1.0", UArch: "any", Result: nil, Remark: `{"error":"timeout"}`},
				},
			},
		},
	}
}

func TestAddAndGetSeries(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "measurements.db"))

	ref, err := db.AddSeries(testSeries())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ref, int64(1))

	loaded, err := db.GetSeries(ref)
	require.NoError(t, err)

	assert.Equal(t, "testhost", loaded.SourceComputer)
	assert.Equal(t, time.Unix(1700000000, 0).Unix(), loaded.Timestamp.Unix())
	require.Len(t, loaded.Measurements, 2)

	first := loaded.Measurements[0]
	assert.Equal(t, "4883c02a", first.InputHex)
	require.Len(t, first.PredictorRuns, 2)

	byTool := make(map[string]PredictorRun)
	for _, run := range first.PredictorRuns {
		byTool[run.Toolname] = run
	}
	require.NotNil(t, byTool["count"].Result)
	assert.InDelta(t, 2.0, *byTool["count"].Result, 1e-9)
	assert.Equal(t, "SKL", byTool["penalize"].UArch)

	second := loaded.Measurements[1]
	require.Len(t, second.PredictorRuns, 1)
	assert.Nil(t, second.PredictorRuns[0].Result, "failed runs persist as NULL")
}

func TestPredictorsAreInterned(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "measurements.db"))

	ref1, err := db.AddSeries(testSeries())
	require.NoError(t, err)
	ref2, err := db.AddSeries(testSeries())
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)

	loaded, err := db.GetSeries(ref2)
	require.NoError(t, err)
	assert.Equal(t, "count", loaded.Measurements[0].PredictorRuns[0].Toolname,
		"the interned predictor row resolves for the second series too")
}

func TestGetMissingSeriesFails(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "measurements.db"))
	_, err := db.GetSeries(42)
	assert.Error(t, err)
}
