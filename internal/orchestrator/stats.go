package orchestrator

import (
	"time"

	"github.com/creativeghq/batchflow/internal/domain"
)

// Stats aggregates live counts, throughput, and an ETA over the jobs
// matching f. Throughput is completed tasks over a sliding window; the
// ETA extrapolates that rate over remaining work and is zero whenever
// the rate is.
func (o *Orchestrator) Stats(f ListFilter) domain.StatsSnapshot {
	s := domain.StatsSnapshot{TakenAt: time.Now().UTC()}

	o.mu.RLock()
	states := make([]*jobState, 0, len(o.order))
	for _, id := range o.order {
		js := o.jobs[id]
		states = append(states, js)
	}
	o.mu.RUnlock()

	var remaining int
	for _, js := range states {
		js.mu.Lock()
		job := js.job
		if !f.matches(job) {
			js.mu.Unlock()
			continue
		}
		s.JobsTotal++
		switch job.Status {
		case domain.JobPending:
			s.JobsPending++
		case domain.JobRunning:
			s.JobsRunning++
		case domain.JobPaused:
			s.JobsPaused++
		case domain.JobCompleted:
			s.JobsCompleted++
		case domain.JobFailed:
			s.JobsFailed++
		case domain.JobCancelled:
			s.JobsCancelled++
		}
		s.TasksTotal += job.TasksTotal
		s.TasksCompleted += job.TasksCompleted
		s.TasksFailed += job.TasksFailed
		s.TasksSkipped += job.TasksSkipped
		s.TasksRunning += js.running
		if job.Status == domain.JobRunning || job.Status == domain.JobPaused {
			remaining += job.TasksPendingOrRunning()
		}
		js.mu.Unlock()
	}
	s.TasksPending = s.TasksTotal - s.TasksCompleted - s.TasksFailed - s.TasksSkipped - s.TasksRunning

	now := time.Now()
	o.statsMu.Lock()
	o.trimCompletionsLocked(now)
	n := len(o.completions)
	if o.durCount > 0 {
		s.AvgTaskDuration = time.Duration(int64(o.durTotal) / o.durCount)
	}
	o.statsMu.Unlock()

	s.ThroughputPerMinute = float64(n) * float64(time.Minute) / float64(throughputWindow)
	if s.ThroughputPerMinute > 0 && remaining > 0 {
		perTask := float64(time.Minute) / s.ThroughputPerMinute
		s.EstimatedRemaining = time.Duration(perTask * float64(remaining))
	}
	return s
}

// recordCompletion feeds the throughput window and the running duration
// average. Called once per successful task attempt.
func (o *Orchestrator) recordCompletion(at time.Time, dur time.Duration) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.completions = append(o.completions, at)
	o.durTotal += dur
	o.durCount++
	o.trimCompletionsLocked(at)
}

// trimCompletionsLocked drops completion timestamps older than the
// throughput window. o.statsMu must be held.
func (o *Orchestrator) trimCompletionsLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(o.completions) && o.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		o.completions = append(o.completions[:0], o.completions[i:]...)
	}
}
