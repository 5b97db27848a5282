package pool

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/jonwraymond/proxyops/observe"
)

// cronLogger forwards cron's internal logs to an observe.Logger.
type cronLogger struct {
	logger observe.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(context.Background(), msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), observe.Field{Key: "error", Value: err})
	l.logger.Error(context.Background(), msg, fields...)
}

func kvFields(kv []any) []observe.Field {
	fields := make([]observe.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, observe.Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return fields
}

// newScheduler registers the periodic sweeps. A sweep that is still running
// when its next tick fires is skipped.
func newScheduler(p *Pool) *cron.Cron {
	logger := cronLogger{logger: p.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(p.cfg.HealthCheckInterval), cron.FuncJob(func() {
		p.HealthCheck(p.sweepCtx)
	}))
	c.Schedule(cron.Every(p.cfg.CleanupInterval), cron.FuncJob(p.Cleanup))
	c.Schedule(cron.Every(p.cfg.OptimizeInterval), cron.FuncJob(func() {
		if res := p.Optimize(); len(res.Evicted) > 0 {
			p.logger.Info(context.Background(), "low utilization sweep evicted proxies",
				observe.Field{Key: "evicted", Value: res.Evicted},
				observe.Field{Key: "utilization", Value: res.Utilization},
			)
		}
	}))
	return c
}

var _ cron.Logger = cronLogger{}
