package pipeline

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

func setupService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
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

	registry := provider.NewRegistry()
	registry.Register(provider.NewMockAdapter())

	svc := New(storage.New(db), queue.NewClient(rdb), registry)
	return svc, mock, func() {
		db.Close()
		rdb.Close()
		mr.Close()
	}
}

func messageRow(status domain.MessageStatus, sendID string) *sqlmock.Rows {
	cols := []string{
		"id", "organization_id", "conversation_id", "direction", "text",
		"status", "external_id", "provider_message_id", "campaign_send_id",
		"journey_run_step_id", "error", "attempts", "received_at",
	}
	var send interface{}
	if sendID != "" {
		send = sendID
	}
	return sqlmock.NewRows(cols).AddRow(
		"msg-1", "org-1", "conv-1", "out", "hello",
		string(status), "", "prov-1", send, nil, "", 1, time.Now(),
	)
}

func TestApplyStatus_MonotonicSkip(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	// Message already read; a late "delivered" callback must not touch it.
	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(messageRow(domain.MessageRead, ""))

	err := svc.applyStatus(context.Background(), "org-1", domain.StatusUpdate{
		ProviderMessageID: "prov-1",
		Status:            domain.MessageDelivered,
		Known:             true,
	})
	if err != nil {
		t.Fatalf("applyStatus() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected DB writes: %v", err)
	}
}

func TestApplyStatus_FailedPropagatestoSend(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(messageRow(domain.MessageSent, "send-1"))
	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE campaign_sends").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow("camp-1"))
	mock.ExpectExec("UPDATE campaigns SET failed_count").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.applyStatus(context.Background(), "org-1", domain.StatusUpdate{
		ProviderMessageID: "prov-1",
		Status:            domain.MessageFailed,
		Error:             "number unreachable",
		Known:             true,
	})
	if err != nil {
		t.Fatalf("applyStatus() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyStatus_UnknownMessageIgnored(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnError(storage.ErrNotFound)

	err := svc.applyStatus(context.Background(), "org-1", domain.StatusUpdate{
		ProviderMessageID: "nope",
		Status:            domain.MessageDelivered,
		Known:             true,
	})
	if err != nil {
		t.Errorf("applyStatus() for unknown message = %v, want nil", err)
	}
}

func TestHandleOutboundJob_SkipsNonPending(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(messageRow(domain.MessageSent, ""))

	job := queue.Job{ID: "j1", Data: []byte(`{"organization_id":"org-1","message_id":"msg-1"}`), Attempts: 1, MaxAttempts: 3}
	if err := svc.HandleOutboundJob(context.Background(), job); err != nil {
		t.Errorf("HandleOutboundJob() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("should stop after the pending check: %v", err)
	}
}

func TestHandleOutboundJob_DropsMalformedPayload(t *testing.T) {
	svc, _, cleanup := setupService(t)
	defer cleanup()

	job := queue.Job{ID: "j1", Data: []byte(`{notjson`)}
	if err := svc.HandleOutboundJob(context.Background(), job); err != nil {
		t.Errorf("malformed payload should be dropped, got %v", err)
	}
}

func TestIngestOne_RejectsMissingSenderOrID(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	ch := &domain.Channel{ID: "chan-1", OrganizationID: "org-1", Provider: "mock"}

	// No sender: dropped before any contact is created.
	err := svc.ingestOne(context.Background(), "org-1", ch, &domain.InboundMessage{
		ExternalID: "ext-1", Text: "hola", Timestamp: time.Now(),
	})
	if err != nil {
		t.Errorf("ingestOne() without sender = %v, want nil drop", err)
	}

	// No message id: same.
	err = svc.ingestOne(context.Background(), "org-1", ch, &domain.InboundMessage{
		SenderExternalID: "+12065550123", Text: "hola", Timestamp: time.Now(),
	})
	if err != nil {
		t.Errorf("ingestOne() without external id = %v, want nil drop", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestTagDiff(t *testing.T) {
	tests := []struct {
		name        string
		before      []string
		after       []string
		wantAdded   []string
		wantRemoved []string
	}{
		{"added", []string{"a"}, []string{"a", "b"}, []string{"b"}, nil},
		{"removed", []string{"a", "b"}, []string{"b"}, nil, []string{"a"}},
		{"both", []string{"a"}, []string{"b"}, []string{"b"}, []string{"a"}},
		{"same", []string{"a"}, []string{"a"}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := tagDiff(tt.before, tt.after)
			if !reflect.DeepEqual(added, tt.wantAdded) {
				t.Errorf("added = %v, want %v", added, tt.wantAdded)
			}
			if !reflect.DeepEqual(removed, tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", removed, tt.wantRemoved)
			}
		})
	}
}
