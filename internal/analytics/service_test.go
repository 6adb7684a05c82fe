package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

func setupService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	svc := New(storage.New(db))
	return svc, mock, func() { db.Close() }
}

func dailyRow(date time.Time, channelID, campaignID string, sent, delivered int) domain.AnalyticsDaily {
	return domain.AnalyticsDaily{
		OrganizationID:    "org-1",
		Date:              date,
		ChannelID:         channelID,
		CampaignID:        campaignID,
		OutboundSent:      sent,
		OutboundDelivered: delivered,
		InboundCount:      sent / 2,
		ResponseCount:     sent / 4,
		LeadCreated:       10,
		LeadConverted:     2,
	}
}

func TestRollupDay(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	// No settings row, so defaults apply.
	mock.ExpectQuery("SELECT lookback_days, default_model, realtime_cap_mins").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"sent", "delivered", "failed", "inbound"}).
			AddRow(100, 80, 5, 40))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM messages o").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery("SELECT .* FROM leads").
		WillReturnRows(sqlmock.NewRows([]string{"created", "converted"}).AddRow(12, 3))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(weight\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"conversions", "revenue"}).AddRow(3.0, 450.0))
	mock.ExpectExec("INSERT INTO analytics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT cv.channel_id").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "sent", "delivered", "failed", "inbound"}).
			AddRow("chan-1", 60, 50, 2, 30).
			AddRow("chan-2", 40, 30, 3, 10))
	mock.ExpectExec("INSERT INTO analytics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO analytics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT cs.campaign_id").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "sent", "delivered", "failed", "conversions", "revenue"}).
			AddRow("camp-1", 70, 60, 1, 2.0, 300.0))
	mock.ExpectExec("INSERT INTO analytics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.RollupDay(context.Background(), "org-1", day); err != nil {
		t.Fatalf("RollupDay() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSummary_AggregatesAndRates(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	cols := []string{
		"organization_id", "date", "channel_id", "campaign_id",
		"outbound_sent", "outbound_delivered", "outbound_failed",
		"inbound_count", "response_count", "lead_created", "lead_converted",
		"attributed_conversions", "attributed_revenue",
	}
	mock.ExpectQuery("SELECT .* FROM analytics_daily").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("org-1", from, "00000000-0000-0000-0000-000000000000", "00000000-0000-0000-0000-000000000000",
				100, 80, 5, 40, 25, 10, 2, 2.0, 200.0).
			AddRow("org-1", from.Add(24*time.Hour), "00000000-0000-0000-0000-000000000000", "00000000-0000-0000-0000-000000000000",
				100, 60, 5, 40, 15, 10, 3, 3.0, 300.0))

	sum, err := svc.Summary(context.Background(), "org-1", from, to)
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.Totals.OutboundSent != 200 || sum.Totals.OutboundDelivered != 140 {
		t.Errorf("totals = %+v, want sent 200 delivered 140", sum.Totals)
	}
	if sum.Totals.AttributedRevenue != 500.0 {
		t.Errorf("attributed revenue = %v, want 500", sum.Totals.AttributedRevenue)
	}
	if sum.Rates.DeliveryRate != 0.7 {
		t.Errorf("delivery rate = %v, want 0.7", sum.Rates.DeliveryRate)
	}
	if sum.Rates.ResponseRate != 0.2 {
		t.Errorf("response rate = %v, want 0.2", sum.Rates.ResponseRate)
	}
	if sum.Rates.ConversionRate != 0.25 {
		t.Errorf("conversion rate = %v, want 0.25", sum.Rates.ConversionRate)
	}
	if len(sum.Days) != 2 {
		t.Errorf("len(Days) = %d, want 2", len(sum.Days))
	}
}

func TestSummary_RejectsInvertedRange(t *testing.T) {
	svc, _, cleanup := setupService(t)
	defer cleanup()

	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	_, err := svc.Summary(context.Background(), "org-1", from, from.Add(-time.Hour))
	if apperr.KindOf(err) != apperr.InvalidInput {
		t.Fatalf("Summary() error = %v, want invalid input", err)
	}
}

func TestChannels_GroupsByChannel(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	cols := []string{
		"organization_id", "date", "channel_id", "campaign_id",
		"outbound_sent", "outbound_delivered", "outbound_failed",
		"inbound_count", "response_count", "lead_created", "lead_converted",
		"attributed_conversions", "attributed_revenue",
	}
	mock.ExpectQuery("SELECT .* FROM analytics_daily").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("org-1", from, "chan-1", "00000000-0000-0000-0000-000000000000",
				50, 40, 1, 20, 10, 0, 0, 0.0, 0.0).
			AddRow("org-1", from, "chan-2", "00000000-0000-0000-0000-000000000000",
				30, 20, 2, 10, 5, 0, 0, 0.0, 0.0).
			AddRow("org-1", from.Add(24*time.Hour), "chan-1", "00000000-0000-0000-0000-000000000000",
				50, 40, 1, 20, 10, 0, 0, 0.0, 0.0))

	groups, err := svc.Channels(context.Background(), "org-1", from, to)
	if err != nil {
		t.Fatalf("Channels() error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0].Key != "chan-1" || groups[0].Totals.OutboundSent != 100 {
		t.Errorf("groups[0] = %+v, want chan-1 with 100 sent", groups[0])
	}
	if groups[1].Key != "chan-2" || groups[1].Totals.OutboundSent != 30 {
		t.Errorf("groups[1] = %+v, want chan-2 with 30 sent", groups[1])
	}
	if groups[0].Rates.DeliveryRate != 0.8 {
		t.Errorf("chan-1 delivery rate = %v, want 0.8", groups[0].Rates.DeliveryRate)
	}
}

func TestRealtime_WindowCappedBySettings(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT lookback_days, default_model, realtime_cap_mins").
		WillReturnRows(sqlmock.NewRows([]string{"lookback_days", "default_model", "realtime_cap_mins"}).
			AddRow(7, "last_touch", 120))
	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"inbound", "sent", "delivered", "failed", "pending"}).
			AddRow(5, 12, 9, 1, 2))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM messages o").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT .* FROM leads").
		WillReturnRows(sqlmock.NewRows([]string{"created", "converted", "moved"}).AddRow(2, 1, 4))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(weight\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"weight", "revenue"}).AddRow(1.0, 49.99))

	rt, err := svc.Realtime(context.Background(), "org-1", 600)
	if err != nil {
		t.Fatalf("Realtime() error: %v", err)
	}
	if rt.WindowMins != 120 {
		t.Errorf("WindowMins = %d, want cap 120", rt.WindowMins)
	}
	if rt.OutboundSent != 12 || rt.OutboundDelivered != 9 || rt.ActiveLeadsMoved != 4 {
		t.Errorf("counts = %+v", rt.RealtimeCounts)
	}
	if rt.ResponseCount != 3 || rt.LeadCreated != 2 || rt.LeadConverted != 1 {
		t.Errorf("counts = %+v", rt.RealtimeCounts)
	}
	if rt.AttributedRevenue != 49.99 {
		t.Errorf("AttributedRevenue = %v, want 49.99", rt.AttributedRevenue)
	}
}

func TestRealtime_DefaultWindow(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT lookback_days, default_model, realtime_cap_mins").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"inbound", "sent", "delivered", "failed", "pending"}).
			AddRow(0, 0, 0, 0, 0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM messages o").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT .* FROM leads").
		WillReturnRows(sqlmock.NewRows([]string{"created", "converted", "moved"}).AddRow(0, 0, 0))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(weight\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"weight", "revenue"}).AddRow(0.0, 0.0))

	rt, err := svc.Realtime(context.Background(), "org-1", 0)
	if err != nil {
		t.Fatalf("Realtime() error: %v", err)
	}
	if rt.WindowMins != DefaultRealtimeWindow {
		t.Errorf("WindowMins = %d, want %d", rt.WindowMins, DefaultRealtimeWindow)
	}
}

func TestUpdateSettings_Validation(t *testing.T) {
	svc, _, cleanup := setupService(t)
	defer cleanup()

	cases := []struct {
		name string
		set  domain.AnalyticsSettings
	}{
		{"zero lookback", domain.AnalyticsSettings{OrganizationID: "org-1", LookbackDays: 0, RealtimeCapMins: 60}},
		{"lookback too long", domain.AnalyticsSettings{OrganizationID: "org-1", LookbackDays: 999, RealtimeCapMins: 60}},
		{"bad model", domain.AnalyticsSettings{OrganizationID: "org-1", LookbackDays: 7, DefaultModel: "time_decay", RealtimeCapMins: 60}},
		{"cap too high", domain.AnalyticsSettings{OrganizationID: "org-1", LookbackDays: 7, RealtimeCapMins: 9000}},
		{"zero cap", domain.AnalyticsSettings{OrganizationID: "org-1", LookbackDays: 7, RealtimeCapMins: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := tc.set
			if _, err := svc.UpdateSettings(context.Background(), &set); apperr.KindOf(err) != apperr.InvalidInput {
				t.Errorf("UpdateSettings(%+v) error = %v, want invalid input", tc.set, err)
			}
		})
	}
}

func TestUpdateSettings_DefaultsModel(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO analytics_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	set, err := svc.UpdateSettings(context.Background(), &domain.AnalyticsSettings{
		OrganizationID:  "org-1",
		LookbackDays:    14,
		RealtimeCapMins: 240,
	})
	if err != nil {
		t.Fatalf("UpdateSettings() error: %v", err)
	}
	if set.DefaultModel != domain.ModelLastTouch {
		t.Errorf("DefaultModel = %q, want %q", set.DefaultModel, domain.ModelLastTouch)
	}
}

func TestHandleRollupJob_DropsMalformedPayload(t *testing.T) {
	svc, mock, cleanup := setupService(t)
	defer cleanup()

	if err := svc.HandleRollupJob(context.Background(), queue.Job{ID: "job-1", Data: []byte("not json")}); err != nil {
		t.Fatalf("HandleRollupJob() error: %v", err)
	}
	if err := svc.HandleRollupJob(context.Background(), queue.Job{ID: "job-2", Data: []byte(`{"organization_id":""}`)}); err != nil {
		t.Fatalf("HandleRollupJob() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestGroupTrends(t *testing.T) {
	day1 := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	rows := []domain.AnalyticsDaily{
		dailyRow(day1, "chan-1", "", 10, 8),
		dailyRow(day1, "chan-2", "", 4, 3),
		dailyRow(day2, "chan-1", "", 20, 18),
	}
	trends := groupTrends(rows, func(r domain.AnalyticsDaily) string { return r.ChannelID })
	if len(trends) != 2 {
		t.Fatalf("len(trends) = %d, want 2", len(trends))
	}
	if trends[0].Key != "chan-1" || len(trends[0].Days) != 2 {
		t.Errorf("trends[0] = %+v, want chan-1 with 2 days", trends[0])
	}
	if trends[1].Key != "chan-2" || len(trends[1].Days) != 1 {
		t.Errorf("trends[1] = %+v, want chan-2 with 1 day", trends[1])
	}
}
