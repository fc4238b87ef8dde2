package adaptive

import (
	"sort"
	"sync"
	"time"
)

// profileAlpha smooths per-type duration and success rate.
const profileAlpha = 0.10

// longRunSeconds is the mean duration past which a checkpoint flags the
// job type as a splitting candidate.
const longRunSeconds = 60.0

// ProfileSnapshot is one job type's execution characteristics.
type ProfileSnapshot struct {
	JobType      string
	Count        int64
	MeanDuration time.Duration
	SuccessRate  float64
}

// Recommendation is emitted at fixed execution-count checkpoints.
type Recommendation struct {
	JobType    string
	Checkpoint int64
	Advice     string
	Profile    ProfileSnapshot
}

type profile struct {
	mu          sync.Mutex
	count       int64
	emaSeconds  float64
	successRate float64
}

func (e *Executor) observeProfile(jobType string, d time.Duration, execErr error) {
	v, _ := e.profiles.LoadOrStore(jobType, &profile{})
	p := v.(*profile)

	sec := d.Seconds()
	okVal := 1.0
	if execErr != nil {
		okVal = 0.0
	}

	p.mu.Lock()
	if p.count == 0 {
		p.emaSeconds = sec
		p.successRate = okVal
	} else {
		p.emaSeconds += profileAlpha * (sec - p.emaSeconds)
		p.successRate += profileAlpha * (okVal - p.successRate)
	}
	p.count++
	atCheckpoint := p.count%e.cfg.CheckpointEvery == 0
	snap := p.snapshotLocked(jobType)
	p.mu.Unlock()

	if atCheckpoint {
		e.emitRecommendation(snap)
	}
}

func (p *profile) snapshotLocked(jobType string) ProfileSnapshot {
	return ProfileSnapshot{
		JobType:      jobType,
		Count:        p.count,
		MeanDuration: time.Duration(p.emaSeconds * float64(time.Second)),
		SuccessRate:  p.successRate,
	}
}

func (e *Executor) emitRecommendation(snap ProfileSnapshot) {
	rec := Recommendation{
		JobType:    snap.JobType,
		Checkpoint: snap.Count,
		Advice:     adviceFor(snap),
		Profile:    snap,
	}
	e.log.Info("job profile checkpoint",
		"job_type", rec.JobType,
		"executions", rec.Checkpoint,
		"mean_ms", rec.Profile.MeanDuration.Milliseconds(),
		"success_rate", rec.Profile.SuccessRate,
		"advice", rec.Advice)
	if e.onRec != nil {
		e.onRec(rec)
	}
}

func adviceFor(snap ProfileSnapshot) string {
	switch {
	case snap.SuccessRate < 0.5:
		return "failing more than half its runs; inspect handler errors before raising retries"
	case snap.MeanDuration.Seconds() > longRunSeconds:
		return "long mean duration; split the work or raise the job timeout"
	default:
		return "healthy"
	}
}

// Profile returns the current snapshot for one job type.
func (e *Executor) Profile(jobType string) (ProfileSnapshot, bool) {
	v, ok := e.profiles.Load(jobType)
	if !ok {
		return ProfileSnapshot{}, false
	}
	p := v.(*profile)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(jobType), true
}

// Profiles lists every tracked job type, sorted by name.
func (e *Executor) Profiles() []ProfileSnapshot {
	var out []ProfileSnapshot
	e.profiles.Range(func(k, v any) bool {
		p := v.(*profile)
		p.mu.Lock()
		out = append(out, p.snapshotLocked(k.(string)))
		p.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JobType < out[j].JobType })
	return out
}
