package adaptive

import (
	"sync"
	"time"
)

// EMA weights: the baseline moves slowly, the recent window fast. The
// gap between the two is the pressure signal.
const (
	baselineAlpha = 0.02
	recentAlpha   = 0.20
)

// pressureState tracks latency and error-rate EMAs. Pressure is the
// worse of the two relative drifts: recent latency against baseline
// latency, recent error rate above baseline error rate.
type pressureState struct {
	mu            sync.Mutex
	samples       int64
	baseLatency   float64
	recentLatency float64
	baseErrRate   float64
	recentErrRate float64
}

func (p *pressureState) observe(d time.Duration, failed bool) {
	sec := d.Seconds()
	errVal := 0.0
	if failed {
		errVal = 1.0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		p.baseLatency = sec
		p.recentLatency = sec
		p.baseErrRate = errVal
		p.recentErrRate = errVal
	} else {
		p.baseLatency += baselineAlpha * (sec - p.baseLatency)
		p.recentLatency += recentAlpha * (sec - p.recentLatency)
		p.baseErrRate += baselineAlpha * (errVal - p.baseErrRate)
		p.recentErrRate += recentAlpha * (errVal - p.recentErrRate)
	}
	p.samples++
}

// value returns the current pressure in [0, +inf); zero until warmup
// completes.
func (p *pressureState) value(warmup int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples < warmup {
		return 0
	}
	pressure := 0.0
	if p.baseLatency > 0 {
		if drift := p.recentLatency/p.baseLatency - 1; drift > pressure {
			pressure = drift
		}
	}
	if drift := p.recentErrRate - p.baseErrRate; drift > pressure {
		pressure = drift
	}
	return pressure
}
