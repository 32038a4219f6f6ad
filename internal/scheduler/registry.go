package scheduler

import (
	"sort"
	"time"

	"calcgrid/internal/model"
)

// Registry holds live workers. Not safe for concurrent use; owned by the scheduler loop.
type Registry struct {
	workers map[string]*model.Worker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*model.Worker)}
}

// Register upserts a worker. Re-registering an id overwrites specs and score.
func (r *Registry) Register(w model.Worker) {
	if existing, ok := r.workers[w.ID]; ok && w.RegisteredAt.IsZero() {
		w.RegisteredAt = existing.RegisteredAt
	}
	if w.Name == "" {
		w.Name = model.DisplayName(w.Specs, w.Performance.BenchmarkScore)
	}
	r.workers[w.ID] = &w
}

// Unregister removes a worker and reports whether it existed
func (r *Registry) Unregister(id string) bool {
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	return true
}

// Get returns a copy of the worker
func (r *Registry) Get(id string) (model.Worker, bool) {
	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return *w, true
}

// Contains reports whether id is registered
func (r *Registry) Contains(id string) bool {
	_, ok := r.workers[id]
	return ok
}

// Touch records a heartbeat
func (r *Registry) Touch(id string, at time.Time) bool {
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = at
	return true
}

// List returns a snapshot sorted by worker id
func (r *Registry) List() []model.Worker {
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summaries returns the broadcast form of List
func (r *Registry) Summaries() []model.WorkerSummary {
	list := r.List()
	out := make([]model.WorkerSummary, 0, len(list))
	for i := range list {
		out = append(out, list[i].Summary())
	}
	return out
}

// Filter keeps the registered ids in request order, dropping duplicates
func (r *Registry) Filter(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Stale lists workers whose last heartbeat is older than timeout
func (r *Registry) Stale(now time.Time, timeout time.Duration) []string {
	var out []string
	for id, w := range r.workers {
		last := w.LastHeartbeat
		if last.IsZero() {
			last = w.RegisteredAt
		}
		if now.Sub(last) > timeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len number of registered workers
func (r *Registry) Len() int {
	return len(r.workers)
}
