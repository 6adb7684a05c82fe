package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

func setupService(t *testing.T) (*Service, sqlmock.Sqlmock, *queue.Client, func()) {
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
	signer := provider.NewVerifier("push-secret", time.Minute, nil)
	svc := New(store, queues, attribution.New(store), signer)
	return svc, mock, queues, func() {
		db.Close()
		rdb.Close()
		mr.Close()
	}
}

func leadRow(tags, metadata string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "contact_id", "stage", "tags", "score",
		"source", "metadata", "last_activity_at", "converted_at", "created_at",
	}).AddRow("lead-1", "org-1", "contact-1", "qualified", tags, 10,
		"whatsapp", metadata, time.Now(), nil, time.Now())
}

func contactRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "external_id", "phone", "email",
		"name", "tags", "metadata", "created_at",
	}).AddRow("contact-1", "org-1", "wa-1", "+15550001", "ada@example.com",
		"Ada", "{}", "{}", time.Now())
}

func mappingRow(mapping, webhookURL string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"mapping", "webhook_url"}).AddRow(mapping, webhookURL)
}

func TestPutMapping_RejectsBadInput(t *testing.T) {
	svc, _, _, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.PutMapping(ctx, "org-1", json.RawMessage(`{"shoe_size":"lead.score"}`), "")
	if apperr.KindOf(err) != apperr.InvalidInput {
		t.Errorf("unknown target error = %v, want invalid input", err)
	}
	_, err = svc.PutMapping(ctx, "org-1", json.RawMessage(`{}`), "ftp://crm.example.com")
	if apperr.KindOf(err) != apperr.InvalidInput {
		t.Errorf("bad scheme error = %v, want invalid input", err)
	}
}

func TestPreview_AppliesStoredMapping(t *testing.T) {
	svc, mock, _, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT mapping, webhook_url FROM crm_mappings").
		WillReturnRows(mappingRow(`{"name":"contact.name","stage":"lead.stage"}`, ""))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnRows(leadRow("{}", "{}"))
	mock.ExpectQuery("SELECT .* FROM contacts").WillReturnRows(contactRow())

	got, err := svc.Preview(context.Background(), "org-1", "lead-1", nil)
	if err != nil {
		t.Fatalf("Preview() error: %v", err)
	}
	if got["name"] != "Ada" || got["stage"] != "qualified" {
		t.Errorf("preview = %v", got)
	}
}

func TestPushLead_RequiresWebhookURL(t *testing.T) {
	svc, mock, queues, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT mapping, webhook_url FROM crm_mappings").
		WillReturnRows(mappingRow(`{}`, ""))

	err := svc.PushLead(context.Background(), "org-1", "lead-1")
	if apperr.KindOf(err) != apperr.InvalidInput {
		t.Fatalf("PushLead() error = %v, want invalid input", err)
	}
	depth, _ := queues.Depth(context.Background(), queue.QueueCRMWebhooks)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestHandlePushJob_DeliversSignedPayload(t *testing.T) {
	svc, mock, _, cleanup := setupService(t)
	defer cleanup()

	var gotBody []byte
	var gotTS, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTS = r.Header.Get(provider.HeaderTimestamp)
		gotSig = r.Header.Get(provider.HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mock.ExpectQuery("SELECT mapping, webhook_url FROM crm_mappings").
		WillReturnRows(mappingRow(`{"name":"contact.name","score":"lead.score"}`, srv.URL))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnRows(leadRow("{}", "{}"))
	mock.ExpectQuery("SELECT .* FROM contacts").WillReturnRows(contactRow())

	payload, _ := json.Marshal(PushJob{OrganizationID: "org-1", LeadID: "lead-1"})
	if err := svc.HandlePushJob(context.Background(), queue.Job{ID: "job-1", Data: payload}); err != nil {
		t.Fatalf("HandlePushJob() error: %v", err)
	}

	var sent map[string]interface{}
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("delivered body not JSON: %v", err)
	}
	if sent["name"] != "Ada" || sent["score"] != float64(10) {
		t.Errorf("delivered payload = %v", sent)
	}
	check := provider.NewVerifier("push-secret", time.Minute, nil)
	if gotSig == "" || check.Sign(gotTS, gotBody) != gotSig {
		t.Errorf("signature mismatch for ts %q", gotTS)
	}
}

func TestHandlePushJob_RetriesOnServerError(t *testing.T) {
	svc, mock, _, cleanup := setupService(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	// Skip client-side retries so the test exercises only the error
	// surfaced to the queue.
	svc.SetHTTPClient(http.DefaultClient)

	mock.ExpectQuery("SELECT mapping, webhook_url FROM crm_mappings").
		WillReturnRows(mappingRow(`{"name":"contact.name"}`, srv.URL))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnRows(leadRow("{}", "{}"))
	mock.ExpectQuery("SELECT .* FROM contacts").WillReturnRows(contactRow())

	payload, _ := json.Marshal(PushJob{OrganizationID: "org-1", LeadID: "lead-1"})
	err := svc.HandlePushJob(context.Background(), queue.Job{ID: "job-2", Data: payload})
	if apperr.KindOf(err) != apperr.TransientDependency {
		t.Fatalf("HandlePushJob() error = %v, want transient dependency", err)
	}
}

func TestHandlePushJob_DropsOnClientError(t *testing.T) {
	svc, mock, _, cleanup := setupService(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	mock.ExpectQuery("SELECT mapping, webhook_url FROM crm_mappings").
		WillReturnRows(mappingRow(`{"name":"contact.name"}`, srv.URL))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnRows(leadRow("{}", "{}"))
	mock.ExpectQuery("SELECT .* FROM contacts").WillReturnRows(contactRow())

	payload, _ := json.Marshal(PushJob{OrganizationID: "org-1", LeadID: "lead-1"})
	if err := svc.HandlePushJob(context.Background(), queue.Job{ID: "job-3", Data: payload}); err != nil {
		t.Fatalf("HandlePushJob() error = %v, want nil for permanent rejection", err)
	}
}
