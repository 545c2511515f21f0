package service

import (
	"context"

	"github.com/gammazero/workerpool"
	"go.uber.org/fx"
)

type newFanoutPool_Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *Config
}

// newFanoutPool provides the shared worker pool that drains presence,
// chat and signaling subscriber buffers.
func newFanoutPool(params newFanoutPool_Params) *workerpool.WorkerPool {
	pool := workerpool.New(params.Config.FanoutWorkers)
	params.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.StopWait()
			return nil
		},
	})
	return pool
}

var PoolModule = fx.Module("fanout-pool", fx.Provide(newFanoutPool))
