// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID                   string    `json:"id"`
	StartTime            time.Time `json:"start_time"`
	Uptime               string    `json:"uptime"`
	InFlight             int64     `json:"in_flight"`
	TasksProbed          uint64    `json:"tasks_probed"`
	TasksRequeued        uint64    `json:"tasks_requeued"`
	TasksSucceeded       uint64    `json:"tasks_succeeded"`
	TasksFailed          uint64    `json:"tasks_failed"`
	TasksDropped         uint64    `json:"tasks_dropped"`
	CollaboratorFailures uint64    `json:"collaborator_failures"`
}

// StatsDelta is one increment applied by UpdateStats.
type StatsDelta struct {
	InFlight             int64
	Probed               uint64
	Requeued             uint64
	Succeeded            uint64
	Failed               uint64
	Dropped              uint64
	CollaboratorFailures uint64
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// UpdateStats updates the worker statistics
func (s *WorkerStats) UpdateStats(d StatsDelta) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.InFlight += d.InFlight
	s.statusResponse.TasksProbed += d.Probed
	s.statusResponse.TasksRequeued += d.Requeued
	s.statusResponse.TasksSucceeded += d.Succeeded
	s.statusResponse.TasksFailed += d.Failed
	s.statusResponse.TasksDropped += d.Dropped
	s.statusResponse.CollaboratorFailures += d.CollaboratorFailures
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
