// Copyright 2025 Flowlb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats ships per-decision and per-removal events to the
// external dashboard API. Delivery is fire-and-forget: a bounded
// queue feeds one worker goroutine, so a slow or unreachable endpoint
// can never delay packet handling or flow installation.
package stats

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-resty/resty/v2"
)

const (
	queueDepth     = 256
	requestTimeout = 2 * time.Second
	failLogEvery   = 30 * time.Second
)

// Event is the dashboard's wire format, one row per balancing
// decision or flow removal.
type Event struct {
	Kind       string  `json:"event"`
	Timestamp  float64 `json:"timestamp"`
	ClientIP   string  `json:"client_ip"`
	ClientPort uint16  `json:"client_port"`
	Backend    string  `json:"server_ip"`
	Reason     string  `json:"reason,omitempty"`
}

// Reporter posts events to the dashboard API.
type Reporter struct {
	logger log.Logger
	client *resty.Client
	queue  chan Event
	done   chan struct{}

	lastFailLog time.Time // worker goroutine only
}

// NewReporter builds a reporter for the API at baseURL and starts its
// worker. An empty baseURL disables reporting; every method is then a
// no-op.
func NewReporter(logger log.Logger, baseURL string) *Reporter {
	r := &Reporter{logger: logger, done: make(chan struct{})}
	if baseURL == "" {
		close(r.done)
		return r
	}
	r.client = resty.New().
		SetHostURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")
	r.queue = make(chan Event, queueDepth)
	go r.run()
	return r
}

// Reset asks the collaborator to clear its aggregates. Called once at
// startup so each controller run starts the dashboard from zero.
// Best-effort.
func (r *Reporter) Reset() {
	if r.client == nil {
		return
	}
	if _, err := r.client.R().Post("/reset"); err != nil {
		r.logger.Log("op", "stats-reset", "error", err, "msg", "dashboard reset failed")
	}
}

// Assigned reports a balancing decision.
func (r *Reporter) Assigned(clientIP string, clientPort uint16, backend string) {
	r.emit(Event{
		Kind:       "assign",
		Timestamp:  now(),
		ClientIP:   clientIP,
		ClientPort: clientPort,
		Backend:    backend,
	})
}

// Removed reports the end of a flow.
func (r *Reporter) Removed(clientIP string, clientPort uint16, backend, reason string) {
	r.emit(Event{
		Kind:       "remove",
		Timestamp:  now(),
		ClientIP:   clientIP,
		ClientPort: clientPort,
		Backend:    backend,
		Reason:     reason,
	})
}

// emit enqueues without ever blocking the caller. When the queue is
// full the offered event is the one dropped (drop-newest): delivered
// events keep their order and the dashboard is a lossy observer
// anyway. Drops are counted.
func (r *Reporter) emit(ev Event) {
	if r.queue == nil {
		return
	}
	select {
	case r.queue <- ev:
	default:
		eventsDropped.Inc()
	}
}

// Shutdown stops the worker after draining the queue, waiting at most
// grace. The reactor has already stopped emitting by the time this is
// called.
func (r *Reporter) Shutdown(grace time.Duration) {
	if r.queue == nil {
		return
	}
	close(r.queue)
	select {
	case <-r.done:
	case <-time.After(grace):
		r.logger.Log("op", "shutdown", "msg", "stats drain timed out, discarding queued events")
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.post(ev)
	}
}

func (r *Reporter) post(ev Event) {
	resp, err := r.client.R().SetBody(ev).Post("/update")
	if err != nil {
		eventsFailed.Inc()
		r.logFailure("error", err)
		return
	}
	if resp.IsError() {
		eventsFailed.Inc()
		r.logFailure("status", resp.Status())
		return
	}
	eventsSent.Inc()
}

// logFailure rate-limits failure logging so an unreachable dashboard
// doesn't flood the log.
func (r *Reporter) logFailure(key string, val interface{}) {
	if time.Since(r.lastFailLog) < failLogEvery {
		return
	}
	r.lastFailLog = time.Now()
	r.logger.Log("op", "stats-update", key, val, "msg", "dashboard update failed")
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
