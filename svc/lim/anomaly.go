package lim

import (
	"sync"
	"time"

	"secureshare/metrics"
	"secureshare/svc/util"
)

const (
	anomalyBuckets    = 5
	anomalyTick       = time.Minute
	anomalyMinTraffic = 10
	anomalyMaxRate    = 5.0
)

// AnomalyDetector watches the error rate over a rolling five-minute window.
// A spike above anomalyMaxRate fires onAnomaly, which the limiter uses to
// halve every policy for a minute.
type AnomalyDetector struct {
	mu        sync.Mutex
	buckets   [anomalyBuckets]bucket
	head      int
	onAnomaly func()
	done      chan struct{}
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(anomalyTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.buckets[d.head].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.buckets[d.head].errors++
	d.mu.Unlock()
}

// AdvanceWindow closes out the current minute: evaluate the whole window,
// then reuse the oldest bucket for the next minute.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()

	requests, errRate := d.totalsLocked()
	metrics.RecentErrorRatePercent.Set(errRate)
	if requests > anomalyMinTraffic && errRate > anomalyMaxRate {
		util.Warn().
			Float64("error_rate", errRate).
			Int64("requests", requests).
			Msg("anomaly detected: high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}

	d.head = (d.head + 1) % anomalyBuckets
	d.buckets[d.head] = bucket{}
}

func (d *AnomalyDetector) totalsLocked() (requests int64, errRate float64) {
	var errs int64
	for _, b := range d.buckets {
		requests += b.requests
		errs += b.errors
	}
	if requests > 0 {
		errRate = float64(errs) / float64(requests) * 100.0
	}
	return requests, errRate
}
