package metrics

import (
	"CivicNotice/internal/agent"
	xerrors "CivicNotice/internal/errors"
)

// PipelineObserver 将流水线状态迁移转换为阶段耗时与终态计数。
func PipelineObserver() agent.Observer {
	return func(t agent.Transition) {
		if t.Stage != "" && (t.To == agent.StateReviewing || t.To.Terminal()) {
			ObserveStage(string(t.Stage), t.To == agent.StateFailed, t.Duration)
		}
		switch t.To {
		case agent.StateComplete:
			ObservePipelineRun(string(t.To), "")
		case agent.StateFailed:
			ObservePipelineRun(string(t.To), string(xerrors.CodeOf(t.Err)))
		}
	}
}
