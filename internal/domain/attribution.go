package domain

import "time"

// AttributionModel enumerates the supported credit models.
type AttributionModel string

const (
	ModelFirstTouch AttributionModel = "first_touch"
	ModelLastTouch  AttributionModel = "last_touch"
	ModelLinear     AttributionModel = "linear"
)

// ValidModel reports whether m names a supported attribution model.
func ValidModel(m AttributionModel) bool {
	switch m {
	case ModelFirstTouch, ModelLastTouch, ModelLinear:
		return true
	}
	return false
}

// Touchpoint is an outbound interaction eligible for attribution credit:
// an outbound Message or a completed send_message journey step, within
// the lookback window of a conversion. Ref is an opaque reference
// ("message:<id>" or "step:<id>") because touchpoints may be pruned.
type Touchpoint struct {
	Ref        string    `json:"ref"`
	Kind       string    `json:"kind"` // message | step
	CampaignID string    `json:"campaign_id,omitempty"`
	JourneyID  string    `json:"journey_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Attribution is a credit assignment row. For any (lead, conversion,
// model) with at least one touchpoint, weights sum to 1.
type Attribution struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	LeadID         string           `json:"lead_id"`
	ConversionAt   time.Time        `json:"conversion_at"`
	Model          AttributionModel `json:"model"`
	TouchpointRef  string           `json:"touchpoint_ref"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	Weight         float64          `json:"weight"`
	AmountCredit   float64          `json:"amount_credit"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RevenueEvent is an externally reported revenue amount, deduplicated by
// (org, external_id) when the external id is present.
type RevenueEvent struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	LeadID         string    `json:"lead_id,omitempty"`
	CampaignID     string    `json:"campaign_id,omitempty"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	ExternalID     string    `json:"external_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// AnalyticsDaily is a pre-aggregated rollup row, unique per
// (org, date, channel_id?, campaign_id?). Values are absolute, not
// increments, so re-aggregation is idempotent.
type AnalyticsDaily struct {
	OrganizationID        string    `json:"organization_id"`
	Date                  time.Time `json:"date"`
	ChannelID             string    `json:"channel_id,omitempty"`
	CampaignID            string    `json:"campaign_id,omitempty"`
	OutboundSent          int       `json:"outbound_sent"`
	OutboundDelivered     int       `json:"outbound_delivered"`
	OutboundFailed        int       `json:"outbound_failed"`
	InboundCount          int       `json:"inbound_count"`
	ResponseCount         int       `json:"response_count"`
	LeadCreated           int       `json:"lead_created"`
	LeadConverted         int       `json:"lead_converted"`
	AttributedConversions float64   `json:"attributed_conversions"`
	AttributedRevenue     float64   `json:"attributed_revenue"`
}

// AnalyticsSettings are the org's attribution and reporting knobs.
type AnalyticsSettings struct {
	OrganizationID  string           `json:"organization_id"`
	LookbackDays    int              `json:"lookback_days"`
	DefaultModel    AttributionModel `json:"default_model"`
	RealtimeCapMins int              `json:"realtime_cap_mins"`
}

// Rates computes the derived ratio metrics with guarded denominators.
type Rates struct {
	DeliveryRate   float64 `json:"delivery_rate"`
	ResponseRate   float64 `json:"response_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// ComputeRates derives the standard rates from raw counters.
func ComputeRates(sent, delivered, responses, created, converted int) Rates {
	return Rates{
		DeliveryRate:   float64(delivered) / float64(max(sent, 1)),
		ResponseRate:   float64(responses) / float64(max(sent, 1)),
		ConversionRate: float64(converted) / float64(max(created, 1)),
	}
}

// ROI computes (revenue − cost) / max(cost, 1).
func ROI(revenue, cost float64) float64 {
	denom := cost
	if denom < 1 {
		denom = 1
	}
	return (revenue - cost) / denom
}
