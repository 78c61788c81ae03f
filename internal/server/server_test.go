package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	campaignservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/worker"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	contactresolver "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/resolver"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	ledgerservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/provider"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	subscriptiondomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/domain"
	subscriptionservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/service"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var serverDBSeq int

type stubProvider struct{}

func (stubProvider) SendBulk(_ context.Context, messages []provider.Message) (*provider.BulkResult, error) {
	results := make([]provider.MessageResult, len(messages))
	for i := range messages {
		results[i] = provider.MessageResult{MessageID: fmt.Sprintf("stub-%d", i)}
	}
	return &provider.BulkResult{BatchID: "stub", Results: results}, nil
}

func (stubProvider) GetStatus(context.Context, string) (string, error) {
	return "delivered", nil
}

type serverFixture struct {
	t      *testing.T
	db     *gorm.DB
	node   *snowflake.Node
	engine *gin.Engine
	ledger ledgerdomain.Service
	tenant snowflake.ID
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	serverDBSeq++
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", serverDBSeq)
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
		&contactdomain.Segment{},
		&contactdomain.SegmentMember{},
		&subscriptiondomain.Subscription{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.CreditTransaction{},
		&ledgerdomain.CreditReservation{},
		&queue.Job{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := zap.NewNop()
	clk := clock.SystemClock{}
	cfg := config.Config{
		HTTPAddr: ":0",
		Dispatch: config.DispatchConfig{BatchSize: 100, MaxSendAttempts: 3, ReservationExpiry: time.Hour},
	}

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	q := queue.NewQueue(queue.Params{DB: db, Log: log, GenID: node, Clock: clk})
	resolver := contactresolver.NewResolver(contactresolver.Params{DB: db, Log: log})
	subscription := subscriptionservice.NewService(subscriptionservice.Params{DB: db, Log: log, Clock: clk})
	mat := campaignservice.NewMaterializer(campaignservice.MaterializerParams{DB: db, Log: log, GenID: node, Clock: clk})
	disp := campaignservice.NewDispatcher(campaignservice.DispatcherParams{Queue: q, Log: log, Cfg: cfg})
	agg := campaignservice.NewAggregator(campaignservice.AggregatorParams{DB: db, Log: log, GenID: node, Clock: clk, Ledger: ledger})
	orch := campaignservice.NewOrchestrator(campaignservice.OrchestratorParams{
		DB: db, Log: log, Clock: clk, Cfg: cfg,
		Resolver: resolver, Subscription: subscription, Ledger: ledger,
		Materializer: mat, Dispatcher: disp,
	})
	reconciler := worker.NewReconciler(worker.ReconcilerParams{
		DB: db, Log: log, Clock: clk, Provider: stubProvider{}, Aggregator: agg,
	})

	srv := NewServer(Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Clock: clk,
		Orchestrator: orch, Ledger: ledger, Reconciler: reconciler,
	})
	engine := NewEngine(cfg, log, nil)
	srv.RegisterRoutes(engine)

	f := &serverFixture{t: t, db: db, node: node, engine: engine, ledger: ledger, tenant: node.Generate()}
	f.seedTenant()
	return f
}

func (f *serverFixture) seedTenant() {
	f.t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:       f.node.Generate(),
		TenantID: f.tenant,
		PlanCode: "starter",
		Status:   subscriptiondomain.SubscriptionStatusActive,
	}
	if err := f.db.Create(&sub).Error; err != nil {
		f.t.Fatalf("seed subscription: %v", err)
	}
	if _, err := f.ledger.Credit(context.Background(), f.tenant, 100, ledgerdomain.ReasonTopup, nil); err != nil {
		f.t.Fatalf("seed credits: %v", err)
	}
}

func (f *serverFixture) request(method, path string, body any, tenant bool) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant {
		req.Header.Set("X-Tenant-ID", f.tenant.String())
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) decode(rec *httptest.ResponseRecorder) map[string]any {
	f.t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		f.t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestTenantHeaderRequired(t *testing.T) {
	f := setupServer(t)

	rec := f.request(http.MethodGet, "/api/campaigns", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without tenant header, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
	req.Header.Set("X-Tenant-ID", "not-a-number")
	rec2 := httptest.NewRecorder()
	f.engine.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed tenant, got %d", rec2.Code)
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	f := setupServer(t)

	// One opted-in contact so the audience resolves.
	rec := f.request(http.MethodPost, "/api/contacts", map[string]any{
		"phone": "+306900001111", "first_name": "Maria", "opted_in": true,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("create contact: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.request(http.MethodPost, "/api/campaigns", map[string]any{
		"name": "spring-sale", "template": "Hi {{first_name}}",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("create campaign: %d %s", rec.Code, rec.Body.String())
	}
	data := f.decode(rec)["data"].(map[string]any)
	campaignID := data["ID"].(string)

	rec = f.request(http.MethodPost, "/api/campaigns/"+campaignID+"/enqueue", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	payload := f.decode(rec)
	if payload["accepted"] != true || payload["recipients_created"].(float64) != 1 {
		t.Fatalf("unexpected enqueue payload %v", payload)
	}

	// The duplicate enqueue is idempotent: accepted, nothing new.
	rec = f.request(http.MethodPost, "/api/campaigns/"+campaignID+"/enqueue", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat enqueue: %d %s", rec.Code, rec.Body.String())
	}
	if f.decode(rec)["jobs_enqueued"].(float64) != 0 {
		t.Fatalf("repeat enqueue must add no jobs")
	}

	rec = f.request(http.MethodGet, "/api/campaigns/"+campaignID+"/progress", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: %d", rec.Code)
	}
	progress := f.decode(rec)["data"].(map[string]any)
	if progress["Total"].(float64) != 1 || progress["Pending"].(float64) != 1 {
		t.Fatalf("unexpected progress %v", progress)
	}

	rec = f.request(http.MethodPost, "/api/campaigns/"+campaignID+"/cancel", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.request(http.MethodPost, "/api/campaigns/"+campaignID+"/cancel", nil, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat cancel must conflict, got %d", rec.Code)
	}
}

func TestEnqueueRejectionStatusCodes(t *testing.T) {
	f := setupServer(t)

	rec := f.request(http.MethodPost, "/api/contacts", map[string]any{
		"phone": "+306900002222", "opted_in": true,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("create contact: %d", rec.Code)
	}

	// Drain the wallet so the preflight rejects.
	if _, err := f.ledger.Debit(context.Background(), f.tenant, 100, ledgerdomain.ReasonAdjustment, nil); err != nil {
		t.Fatalf("drain wallet: %v", err)
	}

	rec = f.request(http.MethodPost, "/api/campaigns", map[string]any{
		"name": "broke-blast", "template": "hello",
	}, true)
	campaignID := f.decode(rec)["data"].(map[string]any)["ID"].(string)

	rec = f.request(http.MethodPost, "/api/campaigns/"+campaignID+"/enqueue", nil, true)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for insufficient credits, got %d %s", rec.Code, rec.Body.String())
	}
	if f.decode(rec)["reason"] != string(campaigndomain.ReasonInsufficientCredits) {
		t.Fatalf("unexpected reason: %s", rec.Body.String())
	}

	rec = f.request(http.MethodPost, "/api/campaigns/"+f.node.Generate().String()+"/enqueue", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown campaign, got %d", rec.Code)
	}
}

func TestWalletEndpoints(t *testing.T) {
	f := setupServer(t)

	rec := f.request(http.MethodPost, "/api/wallet/topup", map[string]any{"amount": 50, "note": "invoice 42"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("topup: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.request(http.MethodGet, "/api/wallet", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("wallet: %d", rec.Code)
	}
	data := f.decode(rec)["data"].(map[string]any)
	if data["balance"].(float64) != 150 || data["available"].(float64) != 150 {
		t.Fatalf("unexpected wallet %v", data)
	}

	rec = f.request(http.MethodPost, "/api/wallet/topup", map[string]any{"amount": -5}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative topup must 400, got %d", rec.Code)
	}

	rec = f.request(http.MethodPost, "/api/wallet/refund", map[string]any{"amount": 10, "note": "failed delivery batch"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body.String())
	}
	data = f.decode(rec)["data"].(map[string]any)
	if data["balance"].(float64) != 160 {
		t.Fatalf("balance after refund = %v, want 160", data["balance"])
	}

	rec = f.request(http.MethodGet, "/api/wallet/transactions?limit=10", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
}

func TestDeliveryWebhookAlwaysAcknowledges(t *testing.T) {
	f := setupServer(t)

	// Unknown message id: acknowledged so the provider stops retrying.
	rec := f.request(http.MethodPost, "/webhooks/delivery", map[string]any{
		"messageId": "msg-unknown", "status": "delivered",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown id must be acknowledged, got %d", rec.Code)
	}

	// Malformed body: same.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	f.engine.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("malformed report must be acknowledged, got %d", rec2.Code)
	}

	// Internal processing failure: logged, still acknowledged, so a store
	// hiccup during a report burst cannot trigger a redelivery storm.
	if err := f.db.Migrator().DropTable(&campaigndomain.CampaignRecipient{}); err != nil {
		t.Fatalf("drop recipients: %v", err)
	}
	rec3 := f.request(http.MethodPost, "/webhooks/delivery", map[string]any{
		"messageId": "msg-any", "status": "delivered",
	}, false)
	if rec3.Code != http.StatusOK {
		t.Fatalf("internal failure must still be acknowledged, got %d", rec3.Code)
	}
	if ack := f.decode(rec3)["acknowledged"]; ack != true {
		t.Fatalf("internal failure ack = %v, want true", ack)
	}
}

func TestDeliveryWebhookConfirmsRecipient(t *testing.T) {
	f := setupServer(t)

	campaign := campaigndomain.Campaign{
		ID:       f.node.Generate(),
		TenantID: f.tenant,
		Name:     "wh-blast",
		Template: "hi",
		Status:   campaigndomain.CampaignStatusSent,
	}
	if err := f.db.Create(&campaign).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	messageID := "msg-webhook-1"
	recipient := campaigndomain.CampaignRecipient{
		ID:                f.node.Generate(),
		CampaignID:        campaign.ID,
		TenantID:          f.tenant,
		ContactID:         f.node.Generate(),
		Phone:             "+306900003333",
		Status:            campaigndomain.RecipientStatusSent,
		ProviderMessageID: &messageID,
	}
	if err := f.db.Create(&recipient).Error; err != nil {
		t.Fatalf("seed recipient: %v", err)
	}

	rec := f.request(http.MethodPost, "/webhooks/delivery", map[string]any{
		"messageId": messageID, "status": "delivered",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}

	var reloaded campaigndomain.CampaignRecipient
	if err := f.db.First(&reloaded, "id = ?", recipient.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DeliveredAt == nil || reloaded.DeliveryStatus != "delivered" {
		t.Fatalf("webhook must confirm delivery, got %+v", reloaded)
	}
}

func TestContactOptOut(t *testing.T) {
	f := setupServer(t)

	rec := f.request(http.MethodPost, "/api/contacts", map[string]any{
		"phone": "+306900004444", "opted_in": true,
	}, true)
	contactID := f.decode(rec)["data"].(map[string]any)["ID"].(string)

	rec = f.request(http.MethodPost, "/api/contacts/"+contactID+"/opt-out", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("opt-out: %d %s", rec.Code, rec.Body.String())
	}

	var contact contactdomain.Contact
	if err := f.db.First(&contact, "id = ?", contactID).Error; err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if contact.OptedIn {
		t.Fatalf("contact must be opted out")
	}

	rec = f.request(http.MethodPost, "/api/contacts/"+f.node.Generate().String()+"/opt-out", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown contact must 404, got %d", rec.Code)
	}
}
