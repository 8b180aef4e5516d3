package scheduler

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"chainwatch/internal/task/worker"
	logx "chainwatch/pkg/logx"
)

const submitWarnEvery = 5 * time.Second

func newWarnLimiter() *cache.Cache { return cache.New(submitWarnEvery, time.Minute) }

// reportSubmitError logs a failed dispatch at most once per submitWarnEvery
// per task name. Submits refused during shutdown are only traced.
func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, worker.ErrStopped) {
		s.log.Debug("task dropped: worker queue stopped", logx.String("task", name))
		return
	}
	if s.warned.Add(name, struct{}{}, cache.DefaultExpiration) != nil {
		return
	}
	s.log.Warn("scheduler failed to submit task", logx.String("task", name), logx.Err(err))
}
