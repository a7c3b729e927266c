package service

import (
	"context"

	"go.uber.org/zap"
)

// step is one side effect of a multi-store operation and the action that undoes it.
type step struct {
	name       string
	action     func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// saga runs steps in order. On the first failure the compensations of the
// steps that already completed run back-to-front on compCtx, which must
// outlive the caller's context.
type saga struct {
	steps  []step
	logger *zap.Logger
}

func (s *saga) add(st step) {
	s.steps = append(s.steps, st)
}

func (s *saga) run(ctx, compCtx context.Context) error {
	for i, st := range s.steps {
		if err := st.action(ctx); err != nil {
			s.logger.Debug("saga step failed", zap.String("step", st.name), zap.Error(err))
			s.unwind(compCtx, i-1)
			return err
		}
	}
	return nil
}

func (s *saga) unwind(ctx context.Context, from int) {
	for j := from; j >= 0; j-- {
		st := s.steps[j]
		if st.compensate == nil {
			continue
		}
		if err := st.compensate(ctx); err != nil {
			// Nothing left to undo with; the operator has to repair it.
			s.logger.Error("compensation failed", zap.String("step", st.name), zap.Error(err))
		}
	}
}
