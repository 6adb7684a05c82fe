// Package attribution assigns conversion credit to touchpoints under
// first_touch, last_touch and linear models, and attaches externally
// reported revenue to the resulting rows.
package attribution

import (
	"time"

	"github.com/omini/omini-core/internal/domain"
)

// CreditWeights returns the per-touchpoint weights for n touchpoints
// under the model. Weights sum to 1 for n > 0; n == 0 yields nil.
func CreditWeights(model domain.AttributionModel, n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	switch model {
	case domain.ModelFirstTouch:
		w[0] = 1
	case domain.ModelLastTouch:
		w[n-1] = 1
	case domain.ModelLinear:
		each := 1.0 / float64(n)
		for i := range w {
			w[i] = each
		}
	}
	return w
}

// AssignCredits builds attribution rows for an ordered touchpoint
// sequence. Touchpoints must already be sorted oldest first.
func AssignCredits(orgID, leadID string, conversionAt time.Time, model domain.AttributionModel, touchpoints []domain.Touchpoint) []domain.Attribution {
	weights := CreditWeights(model, len(touchpoints))
	rows := make([]domain.Attribution, 0, len(touchpoints))
	for i, tp := range touchpoints {
		rows = append(rows, domain.Attribution{
			OrganizationID: orgID,
			LeadID:         leadID,
			ConversionAt:   conversionAt,
			Model:          model,
			TouchpointRef:  tp.Ref,
			CampaignID:     tp.CampaignID,
			Weight:         weights[i],
		})
	}
	return rows
}
