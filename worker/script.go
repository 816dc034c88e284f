package worker

import (
	"context"
	"fmt"
	"time"
)

// ScriptedAdapter is the demo-mode backend: it emits a fixed progress script
// and succeeds. It lets a credential-less instance exercise the entire task
// lifecycle end to end.
type ScriptedAdapter struct {
	// StepDelay spaces out progress lines so streaming is observable.
	StepDelay time.Duration
}

func (s *ScriptedAdapter) Name() string {
	return "scripted"
}

func (s *ScriptedAdapter) Run(ctx context.Context, req *Request, onProgress ProgressFunc) (string, error) {
	steps := []string{
		fmt.Sprintf("inspecting working directory %s", req.WorkingDirectory),
		fmt.Sprintf("planning with model %s", req.Model.Wire()),
		"executing delegated work",
		"DONE",
	}
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return "", Transient(ctx.Err())
		default:
		}
		if onProgress != nil {
			onProgress(step)
		}
		if s.StepDelay > 0 {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return "", Transient(ctx.Err())
			}
		}
	}
	return fmt.Sprintf("demo run finished in %s", req.WorkingDirectory), nil
}
