package model

import (
	"errors"
	"fmt"
	"math"
)

// Method tags the numeric integration variant of a run
type Method string

const (
	MethodCustom1D Method = "custom1D"
	MethodCustom2D Method = "custom2D"
)

var (
	// ErrUnknownMethod is returned for a method tag other than custom1D/custom2D
	ErrUnknownMethod = errors.New("unknown method")
	// ErrInvalidParams is returned when the parameter vector cannot describe a domain
	ErrInvalidParams = errors.New("invalid task params")
)

// maxTasksPerRun guards the server from absurd N values
const maxTasksPerRun = 1_000_000

// TaskParams a run's computation request.
//
// custom1D: Params = [x1, x2, N, extra...]
// custom2D: Params = [x1, x2, y1, y2, N, extra...]
type TaskParams struct {
	Method      Method    `json:"method"`
	Params      []float64 `json:"params"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
}

// Task an atomic unit of work; Params holds the sub-domain bounds followed by the extra parameters
type Task struct {
	ID     int       `json:"taskId" msgpack:"taskId"`
	Method Method    `json:"method" msgpack:"method"`
	Params []float64 `json:"params" msgpack:"params"`
}

// GenerateTasks splits the requested domain into tasks with ids 0..N-1
func GenerateTasks(p TaskParams) ([]Task, error) {
	switch p.Method {
	case MethodCustom1D:
		return generate1D(p.Params)
	case MethodCustom2D:
		return generate2D(p.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, p.Method)
	}
}

func generate1D(params []float64) ([]Task, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("%w: custom1D needs [x1, x2, N], got %d values", ErrInvalidParams, len(params))
	}
	x1, x2 := params[0], params[1]
	n, err := taskCount(params[2])
	if err != nil {
		return nil, err
	}
	if !(x1 < x2) {
		return nil, fmt.Errorf("%w: x1 must be less than x2", ErrInvalidParams)
	}
	extra := params[3:]

	h := (x2 - x1) / float64(n)
	tasks := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		a := x1 + float64(i)*h
		b := a + h
		tasks = append(tasks, Task{
			ID:     i,
			Method: MethodCustom1D,
			Params: withExtra(extra, a, b),
		})
	}
	return tasks, nil
}

func generate2D(params []float64) ([]Task, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("%w: custom2D needs [x1, x2, y1, y2, N], got %d values", ErrInvalidParams, len(params))
	}
	x1, x2, y1, y2 := params[0], params[1], params[2], params[3]
	n, err := taskCount(params[4])
	if err != nil {
		return nil, err
	}
	if !(x1 < x2) || !(y1 < y2) {
		return nil, fmt.Errorf("%w: lower bounds must be less than upper bounds", ErrInvalidParams)
	}
	extra := params[5:]

	nx := int(math.Ceil(math.Sqrt(float64(n))))
	ny := int(math.Ceil(float64(n) / float64(nx)))
	hx := (x2 - x1) / float64(nx)
	hy := (y2 - y1) / float64(ny)

	tasks := make([]Task, 0, n)
	id := 0
	for i := 0; i < nx && id < n; i++ {
		for j := 0; j < ny && id < n; j++ {
			a := x1 + float64(i)*hx
			c := y1 + float64(j)*hy
			tasks = append(tasks, Task{
				ID:     id,
				Method: MethodCustom2D,
				Params: withExtra(extra, a, a+hx, c, c+hy),
			})
			id++
		}
	}
	return tasks, nil
}

func taskCount(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 1 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: N must be a positive integer, got %v", ErrInvalidParams, v)
	}
	if v > maxTasksPerRun {
		return 0, fmt.Errorf("%w: N exceeds %d", ErrInvalidParams, maxTasksPerRun)
	}
	return int(v), nil
}

func withExtra(extra []float64, bounds ...float64) []float64 {
	out := make([]float64, 0, len(bounds)+len(extra))
	out = append(out, bounds...)
	return append(out, extra...)
}
