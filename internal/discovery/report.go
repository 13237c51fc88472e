package discovery

import (
	"os"
	"path/filepath"
	"time"
)

// BatchStats aggregates the timings and counters of one discovery batch.
type BatchStats struct {
	NumSampled             int     `json:"num_sampled"`
	SamplingTime           float64 `json:"sampling_time"`
	NumInteresting         int     `json:"num_interesting"`
	InterestingnessTime    float64 `json:"interestingness_time"`
	NumInterestingSubsumed int     `json:"num_interesting_subsumed"`
	BatchTime              float64 `json:"batch_time"`
}

// Report is the running campaign summary persisted as report.json after
// every batch.
type Report struct {
	HostPC          string        `json:"host_pc"`
	StartDate       string        `json:"start_date"`
	NumBatches      int           `json:"num_batches"`
	NumTotalSampled int           `json:"num_total_sampled"`
	NumDiscoveries  int           `json:"num_discoveries"`
	SecondsPassed   float64       `json:"seconds_passed"`
	PerBatchStats   []*BatchStats `json:"per_batch_stats"`
}

func newReport() *Report {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Report{
		HostPC:        host,
		StartDate:     time.Now().Format(time.RFC3339),
		PerBatchStats: []*BatchStats{},
	}
}

// write persists the report, keeping the previous version as a backup. A
// failed write only costs the report, never the campaign.
func (r *Report) write(outDir string) {
	if outDir == "" {
		return
	}
	path := filepath.Join(outDir, "report.json")
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(filepath.Join(outDir, "report.bak.json"), prev, 0o644); err != nil {
			log.Errorf("backing up the report failed: %s", err)
		}
	}
	if err := writeJSONFile(path, r); err != nil {
		log.Errorf("writing the report failed: %s", err)
	}
}
