package scheduler

import "calcgrid/internal/model"

// Reservations tracks which run holds each worker and which runs wait for it.
// A worker has at most one holder and a run appears at most once in a queue.
type Reservations struct {
	holders map[string]string   // workerID -> runID
	queues  map[string][]string // workerID -> waiting runIDs, arrival order
}

// NewReservations creates an empty reservation table
func NewReservations() *Reservations {
	return &Reservations{
		holders: make(map[string]string),
		queues:  make(map[string][]string),
	}
}

// TryReserve grants runID every worker in ids, or none of them
func (r *Reservations) TryReserve(runID string, ids []string) bool {
	for _, id := range ids {
		if holder, held := r.holders[id]; held && holder != runID {
			return false
		}
	}
	for _, id := range ids {
		r.holders[id] = runID
	}
	return true
}

// Enqueue appends runID to each worker's queue unless already present
func (r *Reservations) Enqueue(runID string, ids []string) {
	for _, id := range ids {
		if indexOf(r.queues[id], runID) >= 0 {
			continue
		}
		r.queues[id] = append(r.queues[id], runID)
	}
}

// Release clears runID's holds on ids and pops runID off the head of their queues
func (r *Reservations) Release(runID string, ids []string) {
	for _, id := range ids {
		if r.holders[id] == runID {
			delete(r.holders, id)
		}
		if q := r.queues[id]; len(q) > 0 && q[0] == runID {
			r.setQueue(id, q[1:])
		}
	}
}

// IsHeldBy reports whether workerID is held by runID
func (r *Reservations) IsHeldBy(workerID, runID string) bool {
	holder, ok := r.holders[workerID]
	return ok && holder == runID
}

// Holder returns the run holding workerID, or ""
func (r *Reservations) Holder(workerID string) string {
	return r.holders[workerID]
}

// Grant gives an unheld worker to runID; it reports false if another run holds it
func (r *Reservations) Grant(workerID, runID string) bool {
	if holder, held := r.holders[workerID]; held {
		return holder == runID
	}
	r.holders[workerID] = runID
	return true
}

// AllFree reports whether none of ids is held
func (r *Reservations) AllFree(ids []string) bool {
	for _, id := range ids {
		if _, held := r.holders[id]; held {
			return false
		}
	}
	return true
}

// IsNext reports whether runID heads the queue of every worker in ids.
// A worker without a queue does not block.
func (r *Reservations) IsNext(runID string, ids []string) bool {
	for _, id := range ids {
		q := r.queues[id]
		if len(q) > 0 && q[0] != runID {
			return false
		}
	}
	return true
}

// RemoveFromQueues drops runID from every queue, wherever it sits
func (r *Reservations) RemoveFromQueues(runID string) {
	for id, q := range r.queues {
		if i := indexOf(q, runID); i >= 0 {
			next := make([]string, 0, len(q)-1)
			next = append(next, q[:i]...)
			r.setQueue(id, append(next, q[i+1:]...))
		}
	}
}

// DropWorker forgets a disconnected worker's hold and queue
func (r *Reservations) DropWorker(workerID string) {
	delete(r.holders, workerID)
	delete(r.queues, workerID)
}

// QueueLength number of runs waiting for workerID
func (r *Reservations) QueueLength(workerID string) int {
	return len(r.queues[workerID])
}

// Status builds the queue_status view for the given workers
func (r *Reservations) Status(workerIDs []string) map[string]model.QueueStatus {
	out := make(map[string]model.QueueStatus, len(workerIDs))
	for _, id := range workerIDs {
		holder := r.holders[id]
		out[id] = model.QueueStatus{
			WorkerID:      id,
			QueueLength:   len(r.queues[id]),
			CurrentRun:    holder,
			IsAvailable:   holder == "",
			IsCalculating: holder != "",
		}
	}
	return out
}

func (r *Reservations) setQueue(workerID string, q []string) {
	if len(q) == 0 {
		delete(r.queues, workerID)
		return
	}
	r.queues[workerID] = q
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
