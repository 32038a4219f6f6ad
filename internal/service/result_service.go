package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"calcgrid/internal/model"
	"calcgrid/internal/scheduler"
)

var errNoContributions = errors.New("run has no contributions")

// ResultService synthesizes the final value of a run from worker
// contributions. Both integration methods report partial integrals, so the
// result is their sum.
type ResultService struct{}

// NewResultService creates a result service
func NewResultService() *ResultService {
	return &ResultService{}
}

// Finalize implements scheduler.Finalizer
func (s *ResultService) Finalize(ctx context.Context, req *model.FinalizeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch req.Method {
	case model.MethodCustom1D, model.MethodCustom2D:
	default:
		return "", fmt.Errorf("%w: %q", model.ErrUnknownMethod, req.Method)
	}
	if len(req.Contributions) == 0 {
		return "", errNoContributions
	}
	for i, c := range req.Contributions {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return "", fmt.Errorf("contribution %d of run %s is not finite", i, req.RunID)
		}
	}
	return scheduler.FormatSum(req.Contributions), nil
}
