package domain

import "time"

// ComputeStats aggregates calls into a fresh snapshot.
func ComputeStats(calls []*Call, at time.Time) CampaignStats {
	stats := CampaignStats{
		ByStatus:     make(map[CallStatus]int),
		ByResult:     make(map[CallResult]int),
		RecomputedAt: at,
	}
	var total time.Duration
	for _, c := range calls {
		stats.Total++
		stats.ByStatus[c.Status]++
		stats.ByResult[c.Result]++
		if c.AnsweredAt != nil {
			stats.Answered++
		}
		if c.BargedIn {
			stats.BargeIns++
		}
		total += c.Duration
	}
	FinalizeStats(&stats, total.Milliseconds())
	return stats
}

// FinalizeStats derives averages from the raw counters. Only calls whose
// attempt ended contribute to the average duration.
func FinalizeStats(stats *CampaignStats, totalDurationMs int64) {
	ended := 0
	for status, n := range stats.ByStatus {
		if status.IsTerminal() || status.IsRetryable() {
			ended += n
		}
	}
	stats.AvgDurationSeconds = 0
	if ended > 0 {
		stats.AvgDurationSeconds = float64(totalDurationMs) / 1000 / float64(ended)
	}
	stats.AnswerRate = 0
	if stats.Total > 0 {
		stats.AnswerRate = float64(stats.Answered) / float64(stats.Total)
	}
}
