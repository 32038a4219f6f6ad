package scheduler

import "calcgrid/internal/model"

// WeightedWorker a reserved worker and its partitioning weight
type WeightedWorker struct {
	ID    string
	Score float64
}

// Assignment a worker's share of a run, split into batches
type Assignment struct {
	WorkerID string
	Tasks    []model.Task
	Batches  [][]model.Task
}

// Partition hands out tasks by largest deficit: for task i every worker's quota
// is (i+1)*weight and the task goes to the worker furthest below its quota.
// Ties go to the earlier worker. Non-positive scores are replaced by defaultScore.
func Partition(tasks []model.Task, workers []WeightedWorker, defaultScore float64) [][]model.Task {
	if len(workers) == 0 {
		return nil
	}

	scores := make([]float64, len(workers))
	var total float64
	for i, w := range workers {
		s := w.Score
		if s <= 0 {
			s = defaultScore
		}
		scores[i] = s
		total += s
	}

	out := make([][]model.Task, len(workers))
	assigned := make([]int, len(workers))
	for i, task := range tasks {
		best := 0
		bestDeficit := 0.0
		for j := range workers {
			deficit := float64(i+1)*scores[j]/total - float64(assigned[j])
			if j == 0 || deficit > bestDeficit {
				best, bestDeficit = j, deficit
			}
		}
		out[best] = append(out[best], task)
		assigned[best]++
	}
	return out
}

// SplitBatches cuts tasks into min(count, len(tasks)) contiguous batches whose
// sizes differ by at most one, larger batches first.
func SplitBatches(tasks []model.Task, count int) [][]model.Task {
	n := len(tasks)
	if n == 0 {
		return nil
	}
	if count <= 0 {
		count = 1
	}
	k := count
	if n < k {
		k = n
	}

	size, extra := n/k, n%k
	batches := make([][]model.Task, 0, k)
	start := 0
	for b := 0; b < k; b++ {
		end := start + size
		if b < extra {
			end++
		}
		batches = append(batches, tasks[start:end])
		start = end
	}
	return batches
}

// Plan partitions and batches a run. Workers that receive no tasks are omitted.
func Plan(tasks []model.Task, workers []WeightedWorker, batchCount int, defaultScore float64) []Assignment {
	shares := Partition(tasks, workers, defaultScore)
	out := make([]Assignment, 0, len(shares))
	for i, share := range shares {
		if len(share) == 0 {
			continue
		}
		out = append(out, Assignment{
			WorkerID: workers[i].ID,
			Tasks:    share,
			Batches:  SplitBatches(share, batchCount),
		})
	}
	return out
}
