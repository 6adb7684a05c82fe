package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/omini/omini-core/internal/analytics"
	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/campaign"
	"github.com/omini/omini-core/internal/config"
	"github.com/omini/omini-core/internal/crm"
	"github.com/omini/omini-core/internal/journey"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

func setupServer(t *testing.T, webhooks config.WebhookConfig) (*Server, sqlmock.Sqlmock, *queue.Client, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queues := queue.NewClient(rdb)

	store := storage.New(db)
	registry := provider.NewRegistry()
	registry.Register(provider.NewMockAdapter())
	pl := pipeline.New(store, queues, registry)
	attrib := attribution.New(store)
	journeys := journey.NewEngine(store, queues, pl, rdb)
	pl.SetNotifier(pipeline.NotifierList{journeys, attrib})
	pl.SetStepResolver(journeys)

	var verifier *provider.Verifier
	if webhooks.SigningSecret != "" {
		verifier = provider.NewVerifier(webhooks.SigningSecret, webhooks.SignatureTTL, rdb)
	}
	srv := NewServer(config.ServerConfig{Port: 0, BootstrapToken: "boot-secret"}, webhooks, Deps{
		Store:     store,
		Pipeline:  pl,
		Campaigns: campaign.New(store, queues, pl),
		Journeys:  journeys,
		Attrib:    attrib,
		Analytics: analytics.New(store),
		CRM:       crm.New(store, queues, attrib, verifier),
		Queues:    queues,
		Verifier:  verifier,
	})
	return srv, mock, queues, func() {
		db.Close()
		rdb.Close()
		mr.Close()
	}
}

func expectAPIKeyLookup(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT organization_id FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("org-1"))
}

func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer test-key")
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestHealth_NoAuth(t *testing.T) {
	srv, _, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuth_MissingBearerRejected(t *testing.T) {
	srv, _, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/channels", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_ResolvesAndCaches(t *testing.T) {
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	// One key lookup serves both requests; channel list queried twice.
	expectAPIKeyLookup(mock)
	channelCols := []string{"id", "organization_id", "name", "provider", "settings", "created_at"}
	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows(channelCols))
	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows(channelCols))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/channels", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200: %s", i, rec.Code, rec.Body.String())
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBootstrap_RequiresToken(t *testing.T) {
	srv, _, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap", strings.NewReader(`{"name":"acme"}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBootstrap_CreatesOrgAndKey(t *testing.T) {
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	mock.ExpectQuery("INSERT INTO organizations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap", strings.NewReader(`{"name":"acme"}`))
	req.Header.Set("x-bootstrap-token", "boot-secret")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"api_key":"ok_`) {
		t.Errorf("response should carry the raw key once: %s", rec.Body.String())
	}
}

func TestMockInbound_Queues(t *testing.T) {
	srv, mock, queues, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	expectAPIKeyLookup(mock)
	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "provider", "settings", "created_at"}).
			AddRow("chan-1", "org-1", "waba", "mock", "{}", time.Now()))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/mock/whatsapp/inbound",
		`{"channelId":"chan-1","from":"+12065550123","text":"I want the price"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	depth, _ := queues.Depth(context.Background(), queue.QueueInboundEvents)
	if depth != 1 {
		t.Errorf("inbound queue depth = %d, want 1", depth)
	}
}

func TestWebhook_UnknownChannel(t *testing.T) {
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnError(storage.ErrNotFound)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp/mock/nope", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhook_RequiredSignatureRejectsUnsigned(t *testing.T) {
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{
		SigningSecret:     "hook-secret",
		SignatureTTL:      time.Minute,
		SignatureRequired: true,
	})
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "provider", "settings", "created_at"}).
			AddRow("chan-1", "org-1", "waba", "mock", "{}", time.Now()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp/mock/chan-1", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_SecretConfiguredRejectsUnsigned(t *testing.T) {
	// The optional flag never waives verification once a secret exists.
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{
		SigningSecret:     "hook-secret",
		SignatureTTL:      time.Minute,
		SignatureRequired: false,
	})
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "provider", "settings", "created_at"}).
			AddRow("chan-1", "org-1", "waba", "mock", "{}", time.Now()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp/mock/chan-1", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_ProviderMismatchConflicts(t *testing.T) {
	srv, mock, _, cleanup := setupServer(t, config.WebhookConfig{})
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "provider", "settings", "created_at"}).
			AddRow("chan-1", "org-1", "waba", "mock", "{}", time.Now()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp/twilio/chan-1", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "registered to provider") {
		t.Errorf("body should name the registered provider: %s", rec.Body.String())
	}
}

func TestWebhook_AcceptsSignedStatus(t *testing.T) {
	srv, mock, queues, cleanup := setupServer(t, config.WebhookConfig{
		SigningSecret:     "hook-secret",
		SignatureTTL:      time.Minute,
		SignatureRequired: true,
	})
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "provider", "settings", "created_at"}).
			AddRow("chan-1", "org-1", "waba", "mock", "{}", time.Now()))

	body := `{"statuses":[]}`
	signer := provider.NewVerifier("hook-secret", time.Minute, nil)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp/status/mock/chan-1", strings.NewReader(body))
	req.Header.Set(provider.HeaderTimestamp, ts)
	req.Header.Set(provider.HeaderSignature, signer.Sign(ts, []byte(body)))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	depth, _ := queues.Depth(context.Background(), queue.QueueWhatsAppStatus)
	if depth != 1 {
		t.Errorf("status queue depth = %d, want 1", depth)
	}
}
