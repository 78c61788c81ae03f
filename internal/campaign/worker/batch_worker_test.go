package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	campaignservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	ledgerservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/provider"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ratelimit"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var workerDBSeq int

// fakeClient scripts provider behavior per test.
type fakeClient struct {
	sendCalls int
	sendFn    func(messages []provider.Message) (*provider.BulkResult, error)
	statuses  map[string]string
}

func (f *fakeClient) SendBulk(_ context.Context, messages []provider.Message) (*provider.BulkResult, error) {
	f.sendCalls++
	return f.sendFn(messages)
}

func (f *fakeClient) GetStatus(_ context.Context, providerMessageID string) (string, error) {
	status, ok := f.statuses[providerMessageID]
	if !ok {
		return "", provider.NewStatusError(404, "unknown message")
	}
	return status, nil
}

// allSent accepts every message with a deterministic provider id.
func allSent(messages []provider.Message) (*provider.BulkResult, error) {
	results := make([]provider.MessageResult, len(messages))
	for i := range messages {
		results[i] = provider.MessageResult{MessageID: "msg-" + messages[i].Reference}
	}
	return &provider.BulkResult{BatchID: "bulk-1", Results: results}, nil
}

type workerFixture struct {
	t        *testing.T
	db       *gorm.DB
	node     *snowflake.Node
	cfg      config.Config
	ledger   ledgerdomain.Service
	queue    *queue.Queue
	client   *fakeClient
	worker   *BatchWorker
	tenantID snowflake.ID
}

func setupWorker(t *testing.T, limits config.RateLimitConfig) *workerFixture {
	t.Helper()
	workerDBSeq++
	dsn := fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", workerDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&campaigndomain.Campaign{},
		&campaigndomain.CampaignRecipient{},
		&campaigndomain.CampaignMetrics{},
		&contactdomain.Contact{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.CreditTransaction{},
		&ledgerdomain.CreditReservation{},
		&queue.Job{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := zap.NewNop()
	clk := clock.SystemClock{}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		UnsubscribeURL: "https://example.test/u",
		Provider:       config.ProviderConfig{AccountKey: "acct-1"},
		Dispatch:       config.DispatchConfig{BatchSize: 100, MaxSendAttempts: 3, ReservationExpiry: time.Hour},
		Limits:         limits,
	}

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	q := queue.NewQueue(queue.Params{DB: db, Log: log, GenID: node, Clock: clk})
	limiter := ratelimit.NewLimiter(ratelimit.Params{Redis: rdb, Cfg: cfg, Log: log, Clock: clk})
	aggregator := campaignservice.NewAggregator(campaignservice.AggregatorParams{
		DB: db, Log: log, GenID: node, Clock: clk, Ledger: ledger,
	})
	client := &fakeClient{sendFn: allSent, statuses: map[string]string{}}

	worker := NewBatchWorker(BatchWorkerParams{
		DB:         db,
		Log:        log,
		Clock:      clk,
		Cfg:        cfg,
		Provider:   client,
		Limiter:    limiter,
		Ledger:     ledger,
		Queue:      q,
		Aggregator: aggregator,
	})

	return &workerFixture{
		t: t, db: db, node: node, cfg: cfg,
		ledger: ledger, queue: q, client: client, worker: worker,
		tenantID: node.Generate(),
	}
}

func permissiveLimits() config.RateLimitConfig {
	return config.RateLimitConfig{Window: time.Minute, PerAccount: 1000, PerTenant: 1000}
}

// seedBatch creates a sending campaign with n pending recipients, funds
// and holds credits for them, and returns the batch job the dispatcher
// would have produced.
func (f *workerFixture) seedBatch(n int) (*campaigndomain.Campaign, []snowflake.ID, queue.Job) {
	f.t.Helper()
	ctx := context.Background()

	if _, err := f.ledger.Credit(ctx, f.tenantID, int64(n)*2, ledgerdomain.ReasonTopup, nil); err != nil {
		f.t.Fatalf("seed credits: %v", err)
	}

	campaign := campaigndomain.Campaign{
		ID:           f.node.Generate(),
		TenantID:     f.tenantID,
		Name:         fmt.Sprintf("blast-%d", workerDBSeq),
		Template:     "Hi {{first_name}}",
		AudienceKind: contactdomain.AudienceAll,
		Status:       campaigndomain.CampaignStatusSending,
	}
	if err := f.db.Create(&campaign).Error; err != nil {
		f.t.Fatalf("seed campaign: %v", err)
	}

	if _, err := f.ledger.ReserveCredits(ctx, f.tenantID, int64(n), ledgerdomain.ReserveOptions{
		CampaignID: &campaign.ID,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}); err != nil {
		f.t.Fatalf("seed reservation: %v", err)
	}

	ids := make([]snowflake.ID, 0, n)
	for i := 0; i < n; i++ {
		contact := contactdomain.Contact{
			ID:        f.node.Generate(),
			TenantID:  f.tenantID,
			Phone:     fmt.Sprintf("+3069%09d", workerDBSeq*100000+i),
			FirstName: fmt.Sprintf("Person%d", i),
			OptedIn:   true,
		}
		if err := f.db.Create(&contact).Error; err != nil {
			f.t.Fatalf("seed contact: %v", err)
		}
		recipient := campaigndomain.CampaignRecipient{
			ID:         f.node.Generate(),
			CampaignID: campaign.ID,
			TenantID:   f.tenantID,
			ContactID:  contact.ID,
			Phone:      contact.Phone,
			Status:     campaigndomain.RecipientStatusPending,
		}
		if err := f.db.Create(&recipient).Error; err != nil {
			f.t.Fatalf("seed recipient: %v", err)
		}
		ids = append(ids, recipient.ID)
	}

	payload, err := json.Marshal(campaignservice.BatchPayload{
		TenantID:     f.tenantID,
		CampaignID:   campaign.ID,
		RecipientIDs: ids,
	})
	if err != nil {
		f.t.Fatalf("marshal payload: %v", err)
	}
	campaignID := campaign.ID
	job := queue.Job{
		ID:          f.node.Generate(),
		JobID:       campaignservice.BatchJobID(campaign.ID, ids),
		Kind:        campaignservice.JobKindCampaignBatch,
		TenantID:    f.tenantID,
		CampaignID:  &campaignID,
		Payload:     datatypes.JSON(payload),
		Status:      queue.JobStatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
	}
	return &campaign, ids, job
}

func (f *workerFixture) recipientStatuses(campaignID snowflake.ID) map[campaigndomain.RecipientStatus]int {
	f.t.Helper()
	var recipients []campaigndomain.CampaignRecipient
	if err := f.db.Where("campaign_id = ?", campaignID).Find(&recipients).Error; err != nil {
		f.t.Fatalf("load recipients: %v", err)
	}
	counts := map[campaigndomain.RecipientStatus]int{}
	for _, r := range recipients {
		counts[r.Status]++
	}
	return counts
}

func TestBatchWorkerSendsDebitsAndConverges(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(3)

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.client.sendCalls != 1 {
		t.Fatalf("expected one bulk call, got %d", f.client.sendCalls)
	}

	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusSent] != 3 {
		t.Fatalf("expected 3 sent, got %+v", counts)
	}

	var reloaded campaigndomain.Campaign
	if err := f.db.First(&reloaded, "id = ?", campaign.ID).Error; err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if reloaded.Status != campaigndomain.CampaignStatusSent {
		t.Fatalf("expected campaign sent, got %s", reloaded.Status)
	}

	// Started with 6, held 3, released on terminal, debited 3.
	balance, err := f.ledger.GetBalance(ctx, f.tenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 3 {
		t.Fatalf("expected balance 3 after debit, got %d", balance)
	}

	// The debit's audit metadata names the campaign and the actual job.
	var debit ledgerdomain.CreditTransaction
	if err := f.db.First(&debit, "tenant_id = ? AND reason = ?", f.tenantID, ledgerdomain.ReasonCampaignSend).Error; err != nil {
		t.Fatalf("load debit: %v", err)
	}
	if debit.Metadata["campaign_id"] != campaign.ID.String() {
		t.Fatalf("debit campaign_id = %v, want %s", debit.Metadata["campaign_id"], campaign.ID)
	}
	if debit.Metadata["job_id"] != job.JobID {
		t.Fatalf("debit job_id = %v, want %s", debit.Metadata["job_id"], job.JobID)
	}

	// Reconciliation polls were scheduled for the batch.
	var checks int64
	f.db.Model(&queue.Job{}).Where("campaign_id = ? AND kind = ?", campaign.ID, JobKindDeliveryCheck).Count(&checks)
	if checks != int64(len(DeliveryCheckSchedule())) {
		t.Fatalf("expected %d delivery checks, got %d", len(DeliveryCheckSchedule()), checks)
	}
}

func TestBatchWorkerPartialFailureDebitsOnlySent(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(3)

	f.client.sendFn = func(messages []provider.Message) (*provider.BulkResult, error) {
		results := make([]provider.MessageResult, len(messages))
		for i := range messages {
			if i == 1 {
				results[i] = provider.MessageResult{Error: "invalid number"}
				continue
			}
			results[i] = provider.MessageResult{MessageID: "msg-" + messages[i].Reference}
		}
		return &provider.BulkResult{BatchID: "bulk-2", Results: results}, nil
	}

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusSent] != 2 || counts[campaigndomain.RecipientStatusFailed] != 1 {
		t.Fatalf("expected 2 sent / 1 failed, got %+v", counts)
	}

	var metrics campaigndomain.CampaignMetrics
	if err := f.db.First(&metrics, "campaign_id = ?", campaign.ID).Error; err != nil {
		t.Fatalf("load metrics: %v", err)
	}
	if metrics.TotalSent != 2 || metrics.TotalFailed != 1 || metrics.TotalProcessed != 3 {
		t.Fatalf("expected metrics 2/1/3, got %d/%d/%d", metrics.TotalSent, metrics.TotalFailed, metrics.TotalProcessed)
	}

	// 6 seeded, 3 held then released, only the 2 accepted sends debited.
	balance, err := f.ledger.GetBalance(ctx, f.tenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		t.Fatalf("expected balance 4, got %d", balance)
	}
}

func TestBatchWorkerSkipsSettledCampaign(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(2)

	if err := f.db.Model(&campaigndomain.Campaign{}).
		Where("id = ?", campaign.ID).
		Update("status", campaigndomain.CampaignStatusCancelled).Error; err != nil {
		t.Fatalf("cancel campaign: %v", err)
	}

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.client.sendCalls != 0 {
		t.Fatalf("late batch must not reach the provider")
	}
	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusPending] != 2 {
		t.Fatalf("recipients must be untouched, got %+v", counts)
	}
}

func TestBatchWorkerSkipsAlreadyAttemptedRecipients(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, ids, job := f.seedBatch(2)

	// One recipient was already claimed by a previous run of this job.
	if err := f.db.Model(&campaigndomain.CampaignRecipient{}).
		Where("id = ?", ids[0]).
		Updates(map[string]any{
			"status":              campaigndomain.RecipientStatusSent,
			"provider_message_id": "msg-prior",
		}).Error; err != nil {
		t.Fatalf("pre-claim recipient: %v", err)
	}

	var submitted int
	f.client.sendFn = func(messages []provider.Message) (*provider.BulkResult, error) {
		submitted = len(messages)
		return allSent(messages)
	}

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if submitted != 1 {
		t.Fatalf("expected only the unattempted recipient submitted, got %d", submitted)
	}

	// Only the one send this run won is debited: 4 seeded, hold of 2
	// released at terminal, minus 1.
	balance, err := f.ledger.GetBalance(ctx, f.tenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 3 {
		t.Fatalf("expected balance 3, got %d", balance)
	}
	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusSent] != 2 {
		t.Fatalf("expected both recipients sent, got %+v", counts)
	}
}

func TestBatchWorkerNarrowsToStillEligibleBeforeSend(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, ids, _ := f.seedBatch(3)

	eligible, err := f.worker.fetchEligible(ctx, campaign.ID, ids)
	if err != nil {
		t.Fatalf("fetch eligible: %v", err)
	}
	messages := make([]provider.Message, len(eligible))
	for i, r := range eligible {
		messages[i] = provider.Message{To: r.Phone, Reference: r.ID.String()}
	}

	// A concurrent run claims the middle recipient after the fetch.
	if err := f.db.Model(&campaigndomain.CampaignRecipient{}).
		Where("id = ?", eligible[1].ID).
		Updates(map[string]any{
			"status":              campaigndomain.RecipientStatusSent,
			"provider_message_id": "msg-raced",
		}).Error; err != nil {
		t.Fatalf("claim recipient: %v", err)
	}

	narrowed, narrowedMessages, err := f.worker.narrowToEligible(ctx, campaign.ID, eligible, messages)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if len(narrowed) != 2 || len(narrowedMessages) != 2 {
		t.Fatalf("expected 2 still-eligible recipients, got %d/%d", len(narrowed), len(narrowedMessages))
	}
	for i, r := range narrowed {
		if r.ID == eligible[1].ID {
			t.Fatalf("claimed recipient must drop out of the batch")
		}
		if narrowedMessages[i].Reference != r.ID.String() {
			t.Fatalf("message %d misaligned: %s vs %s", i, narrowedMessages[i].Reference, r.ID)
		}
	}
}

func TestBatchWorkerRetryableErrorRequeues(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(2)

	f.client.sendFn = func([]provider.Message) (*provider.BulkResult, error) {
		return nil, provider.NewStatusError(503, "gateway overloaded")
	}

	if err := f.worker.Handle(ctx, job); err == nil {
		t.Fatalf("retryable failure must surface to the queue")
	}

	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusPending] != 2 {
		t.Fatalf("recipients must stay pending for the retry, got %+v", counts)
	}
	var recipient campaigndomain.CampaignRecipient
	if err := f.db.First(&recipient, "campaign_id = ?", campaign.ID).Error; err != nil {
		t.Fatalf("load recipient: %v", err)
	}
	if recipient.RetryCount != 1 || recipient.ErrorText == "" {
		t.Fatalf("attempt must be recorded, got %+v", recipient)
	}

	balance, err := f.ledger.GetBalance(ctx, f.tenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 4 {
		t.Fatalf("nothing sent, nothing debited: got %d", balance)
	}
}

func TestBatchWorkerFatalErrorFailsBatch(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(2)

	f.client.sendFn = func([]provider.Message) (*provider.BulkResult, error) {
		return nil, provider.NewStatusError(401, "bad api key")
	}

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("fatal failure must complete the job: %v", err)
	}

	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusFailed] != 2 {
		t.Fatalf("expected 2 failed, got %+v", counts)
	}
	var reloaded campaigndomain.Campaign
	if err := f.db.First(&reloaded, "id = ?", campaign.ID).Error; err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if reloaded.Status != campaigndomain.CampaignStatusFailed {
		t.Fatalf("expected campaign failed, got %s", reloaded.Status)
	}
}

func TestBatchWorkerShortProviderResponseFailsMissing(t *testing.T) {
	f := setupWorker(t, permissiveLimits())
	ctx := context.Background()
	campaign, _, job := f.seedBatch(3)

	f.client.sendFn = func(messages []provider.Message) (*provider.BulkResult, error) {
		// Provider returns one result fewer than submitted.
		results := make([]provider.MessageResult, 0, len(messages)-1)
		for i := 0; i < len(messages)-1; i++ {
			results = append(results, provider.MessageResult{MessageID: "msg-" + messages[i].Reference})
		}
		return &provider.BulkResult{BatchID: "bulk-3", Results: results}, nil
	}

	if err := f.worker.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusSent] != 2 || counts[campaigndomain.RecipientStatusFailed] != 1 {
		t.Fatalf("missing outcome must fail its recipient, got %+v", counts)
	}
}

func TestBatchWorkerRateLimitDefersBatch(t *testing.T) {
	f := setupWorker(t, config.RateLimitConfig{Window: time.Minute, PerAccount: 0, PerTenant: 0})
	ctx := context.Background()
	campaign, _, job := f.seedBatch(2)

	err := f.worker.Handle(ctx, job)
	if err == nil {
		t.Fatalf("rate limited batch must be requeued")
	}
	if f.client.sendCalls != 0 {
		t.Fatalf("rate limited batch must not reach the provider")
	}
	counts := f.recipientStatuses(campaign.ID)
	if counts[campaigndomain.RecipientStatusPending] != 2 {
		t.Fatalf("recipients must stay pending, got %+v", counts)
	}
}
