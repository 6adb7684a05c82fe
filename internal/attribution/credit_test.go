package attribution

import (
	"math"
	"testing"
	"time"

	"github.com/omini/omini-core/internal/domain"
)

func TestCreditWeights(t *testing.T) {
	tests := []struct {
		name  string
		model domain.AttributionModel
		n     int
		want  []float64
	}{
		{"first touch", domain.ModelFirstTouch, 3, []float64{1, 0, 0}},
		{"last touch", domain.ModelLastTouch, 3, []float64{0, 0, 1}},
		{"linear pair", domain.ModelLinear, 2, []float64{0.5, 0.5}},
		{"single touchpoint", domain.ModelLinear, 1, []float64{1}},
		{"no touchpoints", domain.ModelLinear, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CreditWeights(tt.model, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("CreditWeights() len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("weight[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCreditWeights_SumToOne(t *testing.T) {
	for _, model := range []domain.AttributionModel{
		domain.ModelFirstTouch, domain.ModelLastTouch, domain.ModelLinear,
	} {
		for n := 1; n <= 7; n++ {
			sum := 0.0
			for _, w := range CreditWeights(model, n) {
				sum += w
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("%s with %d touchpoints sums to %v", model, n, sum)
			}
		}
	}
}

func TestAssignCredits(t *testing.T) {
	now := time.Now()
	tps := []domain.Touchpoint{
		{Ref: "message:m1", CampaignID: "camp-1", OccurredAt: now.Add(-2 * time.Hour)},
		{Ref: "message:m2", OccurredAt: now.Add(-time.Hour)},
		{Ref: "message:m3", CampaignID: "camp-2", OccurredAt: now},
	}
	rows := AssignCredits("org-1", "lead-1", now, domain.ModelLastTouch, tps)
	if len(rows) != 3 {
		t.Fatalf("AssignCredits() returned %d rows, want 3", len(rows))
	}
	if rows[2].Weight != 1 || rows[0].Weight != 0 {
		t.Errorf("last touch weights = %v, %v, %v", rows[0].Weight, rows[1].Weight, rows[2].Weight)
	}
	if rows[2].CampaignID != "camp-2" || rows[0].TouchpointRef != "message:m1" {
		t.Error("rows should carry the touchpoint linkage through")
	}
	if rows[1].Model != domain.ModelLastTouch {
		t.Errorf("model = %s", rows[1].Model)
	}
}

func TestAssignCredits_Empty(t *testing.T) {
	rows := AssignCredits("org-1", "lead-1", time.Now(), domain.ModelLinear, nil)
	if len(rows) != 0 {
		t.Errorf("no touchpoints should produce no rows, got %d", len(rows))
	}
}
