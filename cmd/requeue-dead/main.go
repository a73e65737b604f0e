package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/queue"
)

// Operational tool: put dead sync jobs back in the queue after the underlying
// cause (re-authorization, fixed payload source, resolved conflict) is dealt
// with.
func main() {
	tenantId := flag.String("tenant-id", "", "Restrict to one tenant (empty = all tenants)")
	jobKey := flag.String("job-key", "", "Requeue a single job by key (requires --tenant-id)")
	reason := flag.String("dead-reason", "", "Restrict to one dead reason: max_attempts|validation|reauth_required|conflict|superseded")
	limit := flag.Int("limit", 100, "Max jobs to requeue in one run")
	dryRun := flag.Bool("dry-run", true, "List matching jobs only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if *jobKey != "" && strings.TrimSpace(*tenantId) == "" {
		fmt.Fprintln(os.Stderr, "--job-key requires --tenant-id")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()

	if *dryRun {
		printMatches(ctx, *tenantId, *jobKey, models.DeadReason(*reason), *limit)
		return
	}

	q := queue.New("requeue-dead-cli")
	if *jobKey != "" {
		if err := q.RequeueDead(ctx, *tenantId, *jobKey); err != nil {
			fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("requeued job %s\n", *jobKey)
		return
	}

	n, err := q.RequeueDeadByReason(ctx, *tenantId, models.DeadReason(*reason), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requeued %d dead jobs\n", n)
}

func printMatches(ctx context.Context, tenantId string, jobKey string, reason models.DeadReason, limit int) {
	db := config.GetDB().WithContext(ctx)
	q := db.Where("status = ?", models.JobStatusDead)
	if tenantId != "" {
		q = q.Where("tenant_id = ?", tenantId)
	}
	if jobKey != "" {
		q = q.Where("job_key = ?", jobKey)
	}
	if reason != "" {
		q = q.Where("dead_reason = ?", reason)
	}
	var jobs []models.SyncJob
	if err := q.Order("id").Limit(limit).Find(&jobs).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}
	for _, job := range jobs {
		lastErr := ""
		if job.LastError != nil {
			lastErr = *job.LastError
		}
		fmt.Printf("job_key=%s tenant=%s entity=%s/%s provider=%s attempt=%d dead_reason=%s error_kind=%s last_error=%q\n",
			job.JobKey, job.TenantId, job.EntityType, job.InternalId, job.Provider,
			job.Attempt, job.DeadReason, job.ErrorKind, lastErr)
	}
	fmt.Printf("%d dead jobs match (dry run)\n", len(jobs))
}
