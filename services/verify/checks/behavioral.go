// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ClientCounterStore tracks per-client request activity for the behavioral
// check. Implementations must use atomic increments; the check runs
// concurrently across requests for the same client.
type ClientCounterStore interface {
	// Observe records one request for clientID in the given geo region and
	// returns the request count inside the current window and the set of
	// distinct regions seen in that window.
	Observe(clientID, geoRegion string, now time.Time) (count int64, regions []string)
}

// MemoryCounterStore is the in-process ClientCounterStore. Counters reset
// when their window expires, so memory stays proportional to the active
// client set inside one window.
type MemoryCounterStore struct {
	// Window is the counting window. Defaults to 1 minute when zero.
	Window time.Duration

	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	start   time.Time
	count   atomic.Int64
	regions map[string]struct{}
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore(window time.Duration) *MemoryCounterStore {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryCounterStore{
		Window:  window,
		clients: make(map[string]*clientWindow),
	}
}

// Observe records the request under the store lock; the count itself is an
// atomic increment so concurrent observers for one client never race.
func (s *MemoryCounterStore) Observe(clientID, geoRegion string, now time.Time) (int64, []string) {
	s.mu.Lock()
	cw, ok := s.clients[clientID]
	if !ok || now.Sub(cw.start) > s.Window {
		cw = &clientWindow{start: now, regions: make(map[string]struct{})}
		s.clients[clientID] = cw
	}
	if geoRegion != "" {
		cw.regions[geoRegion] = struct{}{}
	}
	regions := make([]string, 0, len(cw.regions))
	for r := range cw.regions {
		regions = append(regions, r)
	}
	s.mu.Unlock()

	return cw.count.Add(1), regions
}

var _ ClientCounterStore = (*MemoryCounterStore)(nil)

// BehavioralCheck scores composite suspicion from request rate, geographic
// consistency, and time-of-day pattern. Severity escalates with the
// aggregate rather than any single signal being binary.
type BehavioralCheck struct {
	// Counters tracks per-client activity. Required.
	Counters ClientCounterStore

	// MaxRequestsPerWindow is the rate bound. Defaults to 60 when zero.
	MaxRequestsPerWindow int64

	// WorkHourStart and WorkHourEnd bound the expected local-time activity
	// window, hours 0 to 23. Both zero disables the time-of-day signal.
	WorkHourStart int
	WorkHourEnd   int

	// now is swapped by tests.
	Now func() time.Time
}

func (c *BehavioralCheck) Type() CheckType { return CheckBehavioral }

func (c *BehavioralCheck) Run(_ context.Context, _ Operation, reqCtx RequestContext) Result {
	if reqCtx.ClientID == "" {
		return fail(CheckBehavioral, SeverityMedium,
			"request carries no client id, behavioral history unavailable",
			"include the client installation id")
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	maxRate := c.MaxRequestsPerWindow
	if maxRate == 0 {
		maxRate = 60
	}

	count, regions := c.Counters.Observe(reqCtx.ClientID, reqCtx.GeoRegion, now)

	// Each signal contributes to a composite suspicion level; severity is a
	// function of the aggregate.
	suspicion := 0
	var signals []string

	if count > maxRate {
		suspicion += 2
		signals = append(signals, fmt.Sprintf("request rate %d exceeds bound %d", count, maxRate))
	} else if count > maxRate/2 {
		suspicion++
		signals = append(signals, fmt.Sprintf("request rate %d above half bound", count))
	}

	if len(regions) > 1 {
		suspicion += 2
		signals = append(signals, fmt.Sprintf("requests from %d regions inside one window", len(regions)))
	}

	if c.WorkHourStart != 0 || c.WorkHourEnd != 0 {
		if reqCtx.LocalHour >= 0 && !hourInWindow(reqCtx.LocalHour, c.WorkHourStart, c.WorkHourEnd) {
			suspicion++
			signals = append(signals, fmt.Sprintf("activity at local hour %d outside expected window", reqCtx.LocalHour))
		}
	}

	switch {
	case suspicion >= 4:
		return fail(CheckBehavioral, SeverityHigh,
			"composite behavioral suspicion is high: "+strings.Join(signals, "; "),
			"review client activity before restoring access")
	case suspicion >= 2:
		return fail(CheckBehavioral, SeverityMedium,
			"behavioral anomalies detected: "+strings.Join(signals, "; "),
			"monitor the client; throttle if the pattern persists")
	case suspicion == 1:
		return fail(CheckBehavioral, SeverityLow,
			"minor behavioral anomaly: "+strings.Join(signals, "; "),
			"no action required; recorded for trend analysis")
	default:
		return pass(CheckBehavioral, fmt.Sprintf("request %d in window, no anomalies", count))
	}
}

// hourInWindow handles windows that wrap midnight, e.g. 22 to 6.
func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

var _ Check = (*BehavioralCheck)(nil)
