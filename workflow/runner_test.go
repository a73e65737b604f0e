package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/synchub_backend/utils"
)

func TestJobContextSurvivesRunnerCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	jobCtx, settle := jobContext(parent, time.Minute)
	defer settle()

	cancel()
	if err := jobCtx.Err(); err != nil {
		t.Fatalf("job context cancelled with the runner: %v", err)
	}
	deadline, ok := jobCtx.Deadline()
	if !ok {
		t.Fatal("job context must carry the grace deadline")
	}
	if remaining := time.Until(deadline); remaining > time.Minute {
		t.Fatalf("deadline %s out past the grace window", remaining)
	}
}

func TestJobContextKeepsRequestValues(t *testing.T) {
	parent := utils.SetCorrelationIdInContext(context.Background(), "cid-42")
	jobCtx, settle := jobContext(parent, time.Minute)
	defer settle()

	cid, ok := utils.GetCorrelationIdFromContext(jobCtx)
	if !ok || cid != "cid-42" {
		t.Fatalf("correlation id = %q, %v", cid, ok)
	}
}
