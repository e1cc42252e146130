// Package cron runs the periodic jobs plugins schedule. One runner across
// all processes sharing a database holds the "cron" lease at a time.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MinInterval is the shortest schedulable interval.
const MinInterval = time.Minute

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is one scheduled job of a plugin on a site.
type Job struct {
	SiteID   string
	PluginID string
	Name     string
	Interval time.Duration
	Fn       JobFunc
}

// Key is the job's unique name, used for run bookkeeping.
func (j Job) Key() string {
	return j.SiteID + "/" + j.PluginID + "/" + j.Name
}

// Scheduler is the table of registered jobs.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewScheduler creates an empty job table.
func NewScheduler() *Scheduler {
	return &Scheduler{jobs: make(map[string]Job)}
}

// Add registers a job. Names are unique per plugin and site.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Interval < MinInterval {
		return fmt.Errorf("job %s: interval %s is shorter than %s", job.Name, job.Interval, MinInterval)
	}
	if job.Fn == nil {
		return fmt.Errorf("job %s: function is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Key()]; exists {
		return fmt.Errorf("job %s already scheduled", job.Key())
	}
	s.jobs[job.Key()] = job
	return nil
}

// RemoveSitePlugin drops every job of a plugin on a site.
func (s *Scheduler) RemoveSitePlugin(siteID, pluginID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, job := range s.jobs {
		if job.SiteID == siteID && job.PluginID == pluginID {
			delete(s.jobs, key)
			removed++
		}
	}
	return removed
}

// Jobs returns the registered jobs ordered by key.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
