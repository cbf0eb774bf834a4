package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"magpie/internal/constants"
)

// MemoryStore mirrors MongoStore semantics for unit tests and local
// development. Claims are serialized by the mutex.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	if err := ValidateJob(job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, job := range s.jobs {
		if job.Queue != queueName {
			continue
		}
		if job.Status != StatusQueued && job.Status != StatusRetrying {
			continue
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			job.EffectivePriority > best.EffectivePriority ||
			(job.EffectivePriority == best.EffectivePriority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusActive
	best.Attempts++
	best.StartedAt = &now
	best.UpdatedAt = now
	return copyJob(best), nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, result map[string]interface{}) error {
	return s.transition(id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Status = StatusCompleted
		job.Result = result
		job.CompletedAt = &now
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, jobErr string) error {
	return s.transition(id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Status = StatusFailed
		job.LastError = jobErr
		job.CompletedAt = &now
	})
}

func (s *MemoryStore) MarkRetrying(ctx context.Context, id string, delay time.Duration, jobErr string) error {
	return s.transition(id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Status = StatusRetrying
		job.LastError = jobErr
		job.ScheduledAt = now.Add(delay)
	})
}

func (s *MemoryStore) Requeue(ctx context.Context, id string, delay time.Duration) error {
	return s.transition(id, []Status{StatusActive}, func(job *Job, now time.Time) {
		job.Status = StatusQueued
		job.ScheduledAt = now.Add(delay)
		job.Attempts--
	})
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	return s.transition(id, []Status{StatusQueued, StatusRetrying}, func(job *Job, now time.Time) {
		job.Status = StatusCancelled
		job.CompletedAt = &now
	})
}

func (s *MemoryStore) transition(id string, from []Status, apply func(job *Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	allowed := false
	for _, status := range from {
		if job.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	apply(job, now)
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	var jobs []*Job
	for _, job := range s.jobs {
		if filter.Queue != "" && job.Queue != filter.Queue {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if int64(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, queueName string) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int64)
	for _, job := range s.jobs {
		if queueName != "" && job.Queue != queueName {
			continue
		}
		counts[job.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) BoostAged(ctx context.Context, queueName string, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	var boosted int64
	for _, job := range s.jobs {
		if job.Queue != queueName {
			continue
		}
		if job.Status != StatusQueued && job.Status != StatusRetrying {
			continue
		}
		if job.CreatedAt.After(cutoff) {
			continue
		}
		if job.EffectivePriority >= MaxPriorityWeight {
			continue
		}
		job.EffectivePriority++
		job.UpdatedAt = now
		boosted++
	}
	return boosted, nil
}

func copyJob(job *Job) *Job {
	clone := *job
	if job.Payload != nil {
		clone.Payload = make(map[string]interface{}, len(job.Payload))
		for k, v := range job.Payload {
			clone.Payload[k] = v
		}
	}
	if job.Result != nil {
		clone.Result = make(map[string]interface{}, len(job.Result))
		for k, v := range job.Result {
			clone.Result[k] = v
		}
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
