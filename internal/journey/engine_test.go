package journey

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

func setupEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *queue.Client, func()) {
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

	eng := NewEngine(store, queues, pl, rdb)
	pl.SetNotifier(eng)
	pl.SetStepResolver(eng)
	return eng, mock, queues, func() {
		db.Close()
		rdb.Close()
		mr.Close()
	}
}

func twoNodeJourney() *domain.Journey {
	return &domain.Journey{
		ID:             "j-1",
		OrganizationID: "org-1",
		Name:           "welcome",
		Status:         domain.JourneyActive,
		Triggers: []domain.JourneyTrigger{
			{Type: domain.TriggerInboundMessage, TextIncludes: []string{"price"}},
		},
		Nodes: []domain.JourneyNode{
			{ID: "a", Type: domain.NodeSendMessage, Config: domain.NodeConfig{ChannelID: "chan-1", Text: "hi"}},
			{ID: "b", Type: domain.NodeDelay, Config: domain.NodeConfig{DelayMinutes: 1}},
		},
		Edges: []domain.JourneyEdge{{From: "a", To: "b"}},
	}
}

func TestStartRun_DebounceSuppressesSecondTrigger(t *testing.T) {
	eng, mock, queues, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()
	j := twoNodeJourney()
	lead := &domain.Lead{ID: "lead-1", OrganizationID: "org-1"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO journey_runs").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO journey_run_steps").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectCommit()

	run, err := eng.StartRun(ctx, j, lead, "conv-1", domain.TriggerInboundMessage, "inbound:price")
	if err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}
	if run == nil {
		t.Fatal("first StartRun() should create a run")
	}

	// Same (journey, lead, key) inside the window: suppressed, no DB work.
	run, err = eng.StartRun(ctx, j, lead, "conv-1", domain.TriggerInboundMessage, "inbound:price")
	if err != nil {
		t.Fatalf("second StartRun() error: %v", err)
	}
	if run != nil {
		t.Error("second StartRun() should be debounced")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	depth, err := queues.Depth(ctx, queue.QueueJourneyRuns)
	if err != nil {
		t.Fatalf("Depth() error: %v", err)
	}
	if depth != 1 {
		t.Errorf("journey.runs depth = %d, want 1", depth)
	}
}

func TestStartRun_DelayEntryGoesToSleep(t *testing.T) {
	eng, mock, queues, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	j := twoNodeJourney()
	// Reverse the edge so the delay node is the entry.
	j.Edges = []domain.JourneyEdge{{From: "b", To: "a"}}
	lead := &domain.Lead{ID: "lead-2", OrganizationID: "org-1"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO journey_runs").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO journey_run_steps").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectCommit()

	if _, err := eng.StartRun(ctx, j, lead, "", domain.TriggerInboundMessage, "inbound"); err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}

	// Sleeping entry steps wait for the sweep, not the queue.
	depth, err := queues.Depth(ctx, queue.QueueJourneyRuns)
	if err != nil {
		t.Fatalf("Depth() error: %v", err)
	}
	if depth != 0 {
		t.Errorf("journey.runs depth = %d, want 0", depth)
	}
}

func TestExecuteStep_CancelledRunSkipsClaimedStep(t *testing.T) {
	eng, mock, _, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	step := &domain.JourneyRunStep{
		ID:             "step-1",
		OrganizationID: "org-1",
		RunID:          "run-1",
		NodeID:         "a",
		Status:         domain.StepRunning,
	}

	mock.ExpectQuery("SELECT .* FROM journey_runs").
		WithArgs("run-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "journey_id", "lead_id", "conversation_id",
			"trigger_type", "status", "started_at", "completed_at",
		}).AddRow("run-1", "org-1", "j-1", "lead-1", "conv-1",
			domain.TriggerInboundMessage, domain.RunCancelled, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE journey_run_steps").
		WithArgs("step-1", "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := eng.ExecuteStep(ctx, step); err != nil {
		t.Fatalf("ExecuteStep() on cancelled run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleRunJob_DropsMalformedPayload(t *testing.T) {
	eng, _, _, cleanup := setupEngine(t)
	defer cleanup()

	job := queue.Job{ID: "j1", Data: []byte(`{notjson`)}
	if err := eng.HandleRunJob(context.Background(), job); err != nil {
		t.Errorf("malformed payload should be dropped, got %v", err)
	}
}

func TestEvalCondition(t *testing.T) {
	five := 5
	lead := &domain.Lead{Tags: []string{"purchase"}, Score: 10}
	tests := []struct {
		name string
		cfg  domain.NodeConfig
		text string
		want bool
	}{
		{"tags any hit", domain.NodeConfig{TagsAny: []string{"purchase"}}, "", true},
		{"tags any miss", domain.NodeConfig{TagsAny: []string{"vip"}}, "", false},
		{"text hit", domain.NodeConfig{TextIncludes: []string{"yes"}}, "Yes please", true},
		{"text miss", domain.NodeConfig{TextIncludes: []string{"yes"}}, "no thanks", false},
		{"min score hit", domain.NodeConfig{MinScore: &five}, "", true},
		{"all predicates and", domain.NodeConfig{TagsAny: []string{"purchase"}, TextIncludes: []string{"go"}}, "stop", false},
		{"empty config true", domain.NodeConfig{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalCondition(tt.cfg, lead, tt.text); got != tt.want {
				t.Errorf("evalCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextNode(t *testing.T) {
	j := &domain.Journey{
		Nodes: []domain.JourneyNode{
			{ID: "c", Type: domain.NodeCondition},
			{ID: "d"}, {ID: "e"}, {ID: "f"},
		},
		Edges: []domain.JourneyEdge{
			{From: "c", To: "d", Label: "true"},
			{From: "c", To: "e", Label: "false"},
			{From: "d", To: "f"},
		},
	}

	got, err := nextNode(j, "c", "true")
	if err != nil || got != "d" {
		t.Errorf(`nextNode(c, "true") = %q, %v; want "d"`, got, err)
	}
	got, err = nextNode(j, "c", "false")
	if err != nil || got != "e" {
		t.Errorf(`nextNode(c, "false") = %q, %v; want "e"`, got, err)
	}
	got, err = nextNode(j, "d", "")
	if err != nil || got != "f" {
		t.Errorf(`nextNode(d, "") = %q, %v; want "f"`, got, err)
	}
	if got, err = nextNode(j, "f", ""); err != nil || got != "" {
		t.Errorf("terminal node should end the run, got %q, %v", got, err)
	}
}

func TestNextNode_AmbiguousBranch(t *testing.T) {
	j := &domain.Journey{
		Nodes: []domain.JourneyNode{{ID: "c", Type: domain.NodeCondition}, {ID: "d"}, {ID: "e"}},
		Edges: []domain.JourneyEdge{
			{From: "c", To: "d"},
			{From: "c", To: "e"},
		},
	}
	if _, err := nextNode(j, "c", "true"); err == nil {
		t.Error("two unlabeled edges from a condition should be ambiguous")
	}
}

func TestNextNode_MissingLabelFallsBackToSingleEdge(t *testing.T) {
	j := &domain.Journey{
		Nodes: []domain.JourneyNode{{ID: "c", Type: domain.NodeCondition}, {ID: "d"}},
		Edges: []domain.JourneyEdge{{From: "c", To: "d"}},
	}
	got, err := nextNode(j, "c", "true")
	if err != nil || got != "d" {
		t.Errorf(`nextNode with one unlabeled edge = %q, %v; want "d"`, got, err)
	}
}

func TestWakeForNode(t *testing.T) {
	now := time.Now()
	delay := &domain.JourneyNode{Type: domain.NodeDelay, Config: domain.NodeConfig{DelayMinutes: 10}}
	wake := wakeForNode(delay, now)
	if wake == nil || !wake.Equal(now.Add(10*time.Minute)) {
		t.Errorf("wakeForNode(delay) = %v", wake)
	}
	send := &domain.JourneyNode{Type: domain.NodeSendMessage}
	if wakeForNode(send, now) != nil {
		t.Error("non-delay nodes should be immediately due")
	}
}
