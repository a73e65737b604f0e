package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// In-memory doubles. The orchestrator only sees the interfaces, so these
// stand in for the MySQL queue, mapping store, vault and limiter.

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []models.SyncJob
	succeeded []string
	retried   []retryCall
	dead      []deadCall
	nextId    uint
	// enqueueErr fails the next Enqueue call once, then clears.
	enqueueErr error
}

type retryCall struct {
	jobKey     string
	kind       string
	retryAfter time.Duration
}

type deadCall struct {
	jobKey string
	reason models.DeadReason
	kind   string
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *models.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		err := q.enqueueErr
		q.enqueueErr = nil
		return err
	}
	q.nextId++
	job.ID = q.nextId
	job.JobKey = fmt.Sprintf("job-%d", q.nextId)
	job.EntityKey = models.EntityKeyFor(job.TenantId, job.EntityType, job.InternalId, job.Provider)
	job.Status = models.JobStatusQueued
	q.enqueued = append(q.enqueued, *job)
	return nil
}

func (q *fakeQueue) Claim(ctx context.Context, limit int) ([]models.SyncJob, error) {
	return nil, nil
}
func (q *fakeQueue) ReclaimStale(ctx context.Context) (int64, error) { return 0, nil }

func (q *fakeQueue) MarkSucceeded(ctx context.Context, job *models.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.succeeded = append(q.succeeded, job.JobKey)
	return nil
}

func (q *fakeQueue) MarkRetry(ctx context.Context, job *models.SyncJob, kind string, msg string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, retryCall{jobKey: job.JobKey, kind: kind, retryAfter: retryAfter})
	return nil
}

func (q *fakeQueue) MarkDead(ctx context.Context, job *models.SyncJob, reason models.DeadReason, kind string, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, deadCall{jobKey: job.JobKey, reason: reason, kind: kind})
	return nil
}

type fakeMappings struct {
	mu   sync.Mutex
	rows map[string]*models.EntityMapping
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: map[string]*models.EntityMapping{}}
}

func mappingKey(tenantId, internalId string, et models.EntityType, provider string) string {
	return tenantId + "|" + internalId + "|" + string(et) + "|" + provider
}

func (m *fakeMappings) Get(ctx context.Context, tenantId, internalId string, et models.EntityType, provider string) (*models.EntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[mappingKey(tenantId, internalId, et, provider)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (m *fakeMappings) Upsert(ctx context.Context, tenantId, internalId string, et models.EntityType, provider, externalId, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey(tenantId, internalId, et, provider)
	if existing, ok := m.rows[k]; ok {
		if existing.ExternalId != externalId {
			return models.ErrExternalIdChanged
		}
		existing.ContentHash = contentHash
		return nil
	}
	m.rows[k] = &models.EntityMapping{
		TenantId:    tenantId,
		InternalId:  internalId,
		EntityType:  et,
		Provider:    provider,
		ExternalId:  externalId,
		ContentHash: contentHash,
	}
	return nil
}

func (m *fakeMappings) Delete(ctx context.Context, tenantId, internalId string, et models.EntityType, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, mappingKey(tenantId, internalId, et, provider))
	return nil
}

type fakeTokens struct {
	token    string
	err      error
	reauthed []string
}

func (t *fakeTokens) GetValidToken(ctx context.Context, tenantId, provider string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.token, nil
}
func (t *fakeTokens) MarkReauthRequired(ctx context.Context, tenantId, provider, reason string) error {
	t.reauthed = append(t.reauthed, tenantId+"|"+provider)
	return nil
}

type fakeLimiter struct{ err error }

func (l *fakeLimiter) Acquire(ctx context.Context, tenantId, provider string) error { return l.err }

type fakeConnections struct {
	providers []string
	touches   []string
}

func (c *fakeConnections) Connected(ctx context.Context, tenantId string) ([]string, error) {
	return c.providers, nil
}
func (c *fakeConnections) TouchSync(ctx context.Context, tenantId, provider, status string) error {
	c.touches = append(c.touches, provider+"="+status)
	return nil
}

// fakeDeduper mirrors BeginIdempotent's status rules: SUCCEEDED and in-flight
// STARTED keys absorb redeliveries, FAILED keys are re-claimed.
type fakeDeduper struct {
	mu     sync.Mutex
	status map[string]models.IdempotencyStatus
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{status: map[string]models.IdempotencyStatus{}}
}

func (d *fakeDeduper) Begin(ctx context.Context, tenantId, handlerName, messageId string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := tenantId + "|" + handlerName + "|" + messageId
	switch d.status[k] {
	case "", models.IdempotencyStatusFailed:
		d.status[k] = models.IdempotencyStatusStarted
		return true, nil
	default:
		return false, nil
	}
}
func (d *fakeDeduper) Finish(ctx context.Context, tenantId, handlerName, messageId string, status models.IdempotencyStatus, lastError string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[tenantId+"|"+handlerName+"|"+messageId] = status
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (r *fakeRecorder) Record(ctx context.Context, rec *models.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
}

func (r *fakeRecorder) outcomes() []models.AuditOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditOutcome, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Outcome)
	}
	return out
}

// scriptedAdapter returns canned results and counts provider calls.
type scriptedAdapter struct {
	id            string
	upsertResult  string
	upsertErr     error
	deleteErr     error
	customerCalls int
	invoiceCalls  int
	paymentCalls  int
	deleteCalls   int
}

func (a *scriptedAdapter) ID() string { return a.id }
func (a *scriptedAdapter) UpsertCustomer(ctx context.Context, token string, c *models.UnifiedCustomer, existing string) (string, error) {
	a.customerCalls++
	return a.upsertResult, a.upsertErr
}
func (a *scriptedAdapter) UpsertInvoice(ctx context.Context, token string, inv *models.UnifiedInvoice, customerId, existing string) (string, error) {
	a.invoiceCalls++
	if customerId == "" {
		return "", syncerr.PrerequisiteMissing("customer not mapped")
	}
	return a.upsertResult, a.upsertErr
}
func (a *scriptedAdapter) UpsertPayment(ctx context.Context, token string, p *models.UnifiedPayment, invoiceId string) (string, error) {
	a.paymentCalls++
	if invoiceId == "" {
		return "", syncerr.PrerequisiteMissing("invoice not mapped")
	}
	return a.upsertResult, a.upsertErr
}
func (a *scriptedAdapter) ListAccounts(ctx context.Context, token string) ([]providers.Account, error) {
	return nil, nil
}
func (a *scriptedAdapter) Delete(ctx context.Context, token string, et models.EntityType, externalId string) error {
	a.deleteCalls++
	return a.deleteErr
}

type harness struct {
	orch     *Orchestrator
	queue    *fakeQueue
	mappings *fakeMappings
	tokens   *fakeTokens
	limiter  *fakeLimiter
	conns    *fakeConnections
	recorder *fakeRecorder
	adapter  *scriptedAdapter
}

func newHarness(adapter *scriptedAdapter) *harness {
	reg := providers.NewRegistry()
	reg.Register(adapter, providers.OAuthConfig{})
	h := &harness{
		queue:    &fakeQueue{},
		mappings: newFakeMappings(),
		tokens:   &fakeTokens{token: "tok"},
		limiter:  &fakeLimiter{},
		conns:    &fakeConnections{providers: []string{adapter.id}},
		recorder: &fakeRecorder{},
		adapter:  adapter,
	}
	h.orch = &Orchestrator{
		queue:       h.queue,
		mappings:    h.mappings,
		tokens:      h.tokens,
		limiter:     h.limiter,
		connections: h.conns,
		dedupe:      newFakeDeduper(),
		registry:    reg,
		recorder:    h.recorder,
	}
	return h
}

func customerPayload(t *testing.T, id, name string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"displayName": name,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func invoicePayload(t *testing.T, id, customerRef string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"customerRef": customerRef,
		"number":      "INV-001",
		"issueDate":   "2026-03-01T00:00:00Z",
		"dueDate":     "2026-04-01T00:00:00Z",
		"lineItems": []map[string]interface{}{
			{"description": "Work", "quantity": "2", "unitPrice": "100"},
		},
		"taxTotal": "0",
		"total":    "200",
		"status":   "unpaid",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func enqueueOne(t *testing.T, h *harness, req ChangeRequest) models.SyncJob {
	t.Helper()
	jobs, err := h.orch.NotifyEntityChanged(context.Background(), req)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	job.Status = models.JobStatusRunning
	job.Attempt = 1
	return job
}

func TestNotify_EnqueuesPerConnectedProvider(t *testing.T) {
	reg := providers.NewRegistry()
	a1 := &scriptedAdapter{id: "quickledger"}
	a2 := &scriptedAdapter{id: "zenbooks"}
	reg.Register(a1, providers.OAuthConfig{})
	reg.Register(a2, providers.OAuthConfig{})

	h := newHarness(a1)
	h.orch.registry = reg
	h.conns.providers = []string{"quickledger", "zenbooks"}

	jobs, err := h.orch.NotifyEntityChanged(context.Background(), ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want one per provider", len(jobs))
	}
	if jobs[0].ContentHash == "" || jobs[0].ContentHash != jobs[1].ContentHash {
		t.Fatal("jobs must share the payload content hash")
	}
	if jobs[0].EntityKey == jobs[1].EntityKey {
		t.Fatal("different providers must have different entity keys")
	}
}

func TestNotify_DuplicateEventIsAbsorbed(t *testing.T) {
	h := newHarness(&scriptedAdapter{id: "quickledger"})
	req := ChangeRequest{
		TenantId:   "t1",
		EventId:    "evt-1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	}
	if _, err := h.orch.NotifyEntityChanged(context.Background(), req); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	_, err := h.orch.NotifyEntityChanged(context.Background(), req)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(h.queue.enqueued))
	}
}

func TestNotify_RedeliveredEventRetriesAfterEnqueueFailure(t *testing.T) {
	h := newHarness(&scriptedAdapter{id: "quickledger"})
	h.queue.enqueueErr = errors.New("mysql has gone away")
	req := ChangeRequest{
		TenantId:   "t1",
		EventId:    "evt-1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	}

	if _, err := h.orch.NotifyEntityChanged(context.Background(), req); err == nil {
		t.Fatal("first delivery must surface the enqueue failure")
	}
	if len(h.queue.enqueued) != 0 {
		t.Fatalf("enqueued %d jobs on the failed delivery", len(h.queue.enqueued))
	}

	// The source redelivers. The failed first run must not absorb it.
	jobs, err := h.orch.NotifyEntityChanged(context.Background(), req)
	if err != nil {
		t.Fatalf("redelivery after a failed run: %v", err)
	}
	if len(jobs) != 1 || len(h.queue.enqueued) != 1 {
		t.Fatalf("jobs = %d enqueued = %d, want the redelivery to enqueue", len(jobs), len(h.queue.enqueued))
	}

	// A third delivery after success is a plain duplicate again.
	if _, err := h.orch.NotifyEntityChanged(context.Background(), req); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent after success, got %v", err)
	}
}

func TestNotify_InvalidPayloadRejected(t *testing.T) {
	h := newHarness(&scriptedAdapter{id: "quickledger"})
	_, err := h.orch.NotifyEntityChanged(context.Background(), ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    json.RawMessage(`{"id":"cust-1"}`), // missing displayName
	})
	if syncerr.KindOf(err) != syncerr.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if len(h.queue.enqueued) != 0 {
		t.Fatal("invalid payload must not enqueue")
	}
}

func TestNotify_DeleteRequiresInternalId(t *testing.T) {
	h := newHarness(&scriptedAdapter{id: "quickledger"})
	_, err := h.orch.NotifyEntityChanged(context.Background(), ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionDelete,
	})
	if syncerr.KindOf(err) != syncerr.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestProcess_NewCustomerCreatesMapping(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-1"}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})

	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.customerCalls != 1 {
		t.Fatalf("customer calls = %d", adapter.customerCalls)
	}
	mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger")
	if mapping == nil || mapping.ExternalId != "QL-1" {
		t.Fatalf("mapping = %+v", mapping)
	}
	if mapping.ContentHash != job.ContentHash {
		t.Fatal("mapping must record the synced content hash")
	}
	if len(h.queue.succeeded) != 1 {
		t.Fatalf("succeeded = %v", h.queue.succeeded)
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != models.AuditOutcomeSuccess {
		t.Fatalf("audit outcomes = %v", got)
	}
}

func TestProcess_UnchangedContentSkipsProviderCall(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-1"}
	h := newHarness(adapter)
	payload := customerPayload(t, "cust-1", "Acme")
	hash, err := utils.ContentHash(payload)
	if err != nil {
		t.Fatal(err)
	}
	h.mappings.Upsert(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger", "QL-1", hash)

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    payload,
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.customerCalls != 0 {
		t.Fatalf("provider called %d times for unchanged content", adapter.customerCalls)
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != models.AuditOutcomeSkipped {
		t.Fatalf("audit outcomes = %v", got)
	}
	if len(h.queue.succeeded) != 1 {
		t.Fatal("skipped job still completes")
	}
}

func TestProcess_ChangedContentCallsProviderWithExistingId(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-1"}
	h := newHarness(adapter)
	h.mappings.Upsert(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger", "QL-1", "old-hash")

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme Renamed"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.customerCalls != 1 {
		t.Fatalf("customer calls = %d", adapter.customerCalls)
	}
	mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger")
	if mapping.ContentHash != job.ContentHash {
		t.Fatal("hash must advance to the new snapshot")
	}
}

func TestProcess_InvoiceBeforeCustomerRetriesAsPrerequisite(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-INV-1"}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeInvoice,
		Action:     models.SyncActionUpsert,
		Payload:    invoicePayload(t, "inv-1", "cust-unsynced"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.invoiceCalls != 0 {
		t.Fatal("provider must not be called before the dependency resolves")
	}
	if len(h.queue.retried) != 1 || h.queue.retried[0].kind != string(syncerr.KindPrerequisiteMissing) {
		t.Fatalf("retried = %+v", h.queue.retried)
	}
	if len(h.queue.dead) != 0 {
		t.Fatal("prerequisite gap must not dead-letter")
	}
}

func TestProcess_InvoiceAfterCustomerSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-INV-1"}
	h := newHarness(adapter)
	h.mappings.Upsert(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger", "QL-C-1", "h")

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeInvoice,
		Action:     models.SyncActionUpsert,
		Payload:    invoicePayload(t, "inv-1", "cust-1"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	mapping, _ := h.mappings.Get(context.Background(), "t1", "inv-1", models.EntityTypeInvoice, "quickledger")
	if mapping == nil || mapping.ExternalId != "QL-INV-1" {
		t.Fatalf("invoice mapping = %+v", mapping)
	}
}

func TestProcess_ConflictAdoptsExistingProviderEntity(t *testing.T) {
	adapter := &scriptedAdapter{
		id:        "quickledger",
		upsertErr: syncerr.Conflict("QL-DUP-7", "duplicate name"),
	}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger")
	if mapping == nil || mapping.ExternalId != "QL-DUP-7" {
		t.Fatalf("mapping = %+v, want adopted external id", mapping)
	}
	if len(h.queue.succeeded) != 1 {
		t.Fatal("adoption resolves the job as succeeded")
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != models.AuditOutcomeWarning {
		t.Fatalf("audit outcomes = %v, adoption is a warning", got)
	}
}

func TestProcess_ConflictWithoutAdoptionDeadLetters(t *testing.T) {
	t.Setenv("SYNC_ADOPT_PROVIDER_DUPLICATES", "false")
	adapter := &scriptedAdapter{
		id:        "quickledger",
		upsertErr: syncerr.Conflict("QL-DUP-7", "duplicate name"),
	}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.dead) != 1 || h.queue.dead[0].reason != models.DeadReasonConflict {
		t.Fatalf("dead = %+v", h.queue.dead)
	}
	if mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger"); mapping != nil {
		t.Fatal("no mapping may be written on an unresolved conflict")
	}
}

func TestProcess_TransientFailureSchedulesRetry(t *testing.T) {
	adapter := &scriptedAdapter{
		id:        "quickledger",
		upsertErr: syncerr.Transient("503 from provider", nil),
	}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.retried) != 1 || h.queue.retried[0].kind != string(syncerr.KindTransient) {
		t.Fatalf("retried = %+v", h.queue.retried)
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != models.AuditOutcomeRetryScheduled {
		t.Fatalf("audit outcomes = %v", got)
	}
}

func TestProcess_RateLimitPropagatesProviderDelay(t *testing.T) {
	adapter := &scriptedAdapter{
		id:        "quickledger",
		upsertErr: syncerr.RateLimited(90*time.Second, "throttled"),
	}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.retried) != 1 || h.queue.retried[0].retryAfter != 90*time.Second {
		t.Fatalf("retried = %+v", h.queue.retried)
	}
}

func TestProcess_LocalRateLimiterGatesBeforeProviderCall(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-1"}
	h := newHarness(adapter)
	h.limiter.err = syncerr.RateLimited(30*time.Second, "local bucket empty")

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.customerCalls != 0 {
		t.Fatal("throttled job must not reach the provider")
	}
	if len(h.queue.retried) != 1 {
		t.Fatalf("retried = %+v", h.queue.retried)
	}
}

func TestProcess_ReauthRequiredDeadLettersAndFlagsCredential(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-1"}
	h := newHarness(adapter)
	h.tokens.err = syncerr.ReauthRequired("refresh token revoked", nil)

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.dead) != 1 || h.queue.dead[0].reason != models.DeadReasonReauthRequired {
		t.Fatalf("dead = %+v", h.queue.dead)
	}
	if len(h.tokens.reauthed) != 1 || h.tokens.reauthed[0] != "t1|quickledger" {
		t.Fatalf("reauthed = %v", h.tokens.reauthed)
	}
}

func TestProcess_ValidationFailureDeadLettersImmediately(t *testing.T) {
	adapter := &scriptedAdapter{
		id:        "quickledger",
		upsertErr: syncerr.Validation("provider rejected payload"),
	}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.dead) != 1 || h.queue.dead[0].reason != models.DeadReasonValidation {
		t.Fatalf("dead = %+v", h.queue.dead)
	}
	if len(h.queue.retried) != 0 {
		t.Fatal("validation failures never retry")
	}
}

func TestProcess_DeleteWithoutMappingIsNoOp(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger"}
	h := newHarness(adapter)
	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionDelete,
		InternalId: "cust-never-synced",
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.deleteCalls != 0 {
		t.Fatal("no provider call for an unmapped delete")
	}
	if len(h.queue.succeeded) != 1 {
		t.Fatal("unmapped delete completes successfully")
	}
}

func TestProcess_DeletePropagatesAndRemovesMapping(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger"}
	h := newHarness(adapter)
	h.mappings.Upsert(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger", "QL-1", "h")

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionDelete,
		InternalId: "cust-1",
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if adapter.deleteCalls != 1 {
		t.Fatalf("delete calls = %d", adapter.deleteCalls)
	}
	if mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger"); mapping != nil {
		t.Fatal("mapping must be removed after a propagated delete")
	}
}

func TestProcess_ProviderReturningNewIdForMappedEntityDeadLetters(t *testing.T) {
	adapter := &scriptedAdapter{id: "quickledger", upsertResult: "QL-OTHER"}
	h := newHarness(adapter)
	h.mappings.Upsert(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger", "QL-1", "old-hash")

	job := enqueueOne(t, h, ChangeRequest{
		TenantId:   "t1",
		EntityType: models.EntityTypeCustomer,
		Action:     models.SyncActionUpsert,
		Payload:    customerPayload(t, "cust-1", "Acme Renamed"),
	})
	if err := h.orch.ProcessJob(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.queue.dead) != 1 || h.queue.dead[0].reason != models.DeadReasonConflict {
		t.Fatalf("dead = %+v", h.queue.dead)
	}
	mapping, _ := h.mappings.Get(context.Background(), "t1", "cust-1", models.EntityTypeCustomer, "quickledger")
	if mapping.ExternalId != "QL-1" {
		t.Fatal("recorded external id must never change")
	}
}
