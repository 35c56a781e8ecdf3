package ratelimiter

import "time"

// Stats summarizes rate-limiter behaviour for one venue over a lookback
// window (typically 1h or 24h).
type Stats struct {
	Venue              string
	TotalRequests      int
	HitCount           int
	HitRate            float64 // HitCount / TotalRequests, 0 if no requests
	AverageQueueTime   time.Duration
	MaxQueueTime       time.Duration
	PeakUsagePercent   float64 // per-second window usage (secSum/maxPerSecond × 100) at query time; not a maximum over the lookback window
	PerOperationCounts map[string]int
}

// Analytics returns Stats for venue over the last `lookback` duration.
func (l *Limiter) Analytics(venue string, lookback time.Duration) Stats {
	st := l.stateFor(venue)
	st.mu.Lock()
	defer st.mu.Unlock()

	since := time.Now().Add(-lookback)
	stats := Stats{Venue: venue, PerOperationCounts: make(map[string]int)}

	var totalWait time.Duration
	var maxWait time.Duration
	for _, r := range st.requests {
		if r.at.Before(since) {
			continue
		}
		stats.TotalRequests++
		stats.PerOperationCounts[r.operation]++
		totalWait += r.waited
		if r.waited > maxWait {
			maxWait = r.waited
		}
	}
	for _, h := range st.hits {
		if h.at.Before(since) {
			continue
		}
		stats.HitCount++
	}

	if stats.TotalRequests > 0 {
		stats.HitRate = float64(stats.HitCount) / float64(stats.TotalRequests)
		stats.AverageQueueTime = totalWait / time.Duration(stats.TotalRequests)
	}
	stats.MaxQueueTime = maxWait

	if st.limits.MaxPerSecond > 0 {
		secSum := sumWeights(pruneWindow(st.secWindow, time.Now(), secondWindow))
		stats.PeakUsagePercent = float64(secSum) / float64(st.limits.MaxPerSecond) * 100
	}

	return stats
}

// Analytics1h and Analytics24h are convenience wrappers matching the two
// lookback windows the spec calls out.
func (l *Limiter) Analytics1h(venue string) Stats  { return l.Analytics(venue, time.Hour) }
func (l *Limiter) Analytics24h(venue string) Stats { return l.Analytics(venue, 24*time.Hour) }
