package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/httputil"
)

// defaultRangeDays is the reporting window when from/to are omitted.
const defaultRangeDays = 30

// rangeParams reads from/to date query params (RFC3339 or YYYY-MM-DD),
// defaulting to the trailing month.
func rangeParams(r *http.Request) (from, to time.Time, ok bool) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	from, to = now.AddDate(0, 0, -defaultRangeDays), now
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := parseDay(v)
		if err != nil {
			return from, to, false
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDay(v)
		if err != nil {
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	from, to, ok := rangeParams(r)
	if !ok {
		httputil.BadRequest(w, "from/to must be YYYY-MM-DD or RFC3339")
		return
	}
	sum, err := s.analytics.Summary(r.Context(), OrgID(r), from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, sum)
}

func (s *Server) handleAnalyticsChannels(w http.ResponseWriter, r *http.Request) {
	from, to, ok := rangeParams(r)
	if !ok {
		httputil.BadRequest(w, "from/to must be YYYY-MM-DD or RFC3339")
		return
	}
	groups, err := s.analytics.Channels(r.Context(), OrgID(r), from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"channels": emptyIfNil(groups)})
}

func (s *Server) handleAnalyticsCampaigns(w http.ResponseWriter, r *http.Request) {
	from, to, ok := rangeParams(r)
	if !ok {
		httputil.BadRequest(w, "from/to must be YYYY-MM-DD or RFC3339")
		return
	}
	groups, err := s.analytics.Campaigns(r.Context(), OrgID(r), from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaigns": emptyIfNil(groups)})
}

func (s *Server) handleAnalyticsRealtime(w http.ResponseWriter, r *http.Request) {
	window, _ := strconv.Atoi(r.URL.Query().Get("window"))
	rt, err := s.analytics.Realtime(r.Context(), OrgID(r), window)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, rt)
}

func (s *Server) handleAnalyticsChannelTrends(w http.ResponseWriter, r *http.Request) {
	from, to, ok := rangeParams(r)
	if !ok {
		httputil.BadRequest(w, "from/to must be YYYY-MM-DD or RFC3339")
		return
	}
	trends, err := s.analytics.ChannelTrends(r.Context(), OrgID(r), from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"trends": emptyIfNil(trends)})
}

func (s *Server) handleAnalyticsCampaignTrends(w http.ResponseWriter, r *http.Request) {
	from, to, ok := rangeParams(r)
	if !ok {
		httputil.BadRequest(w, "from/to must be YYYY-MM-DD or RFC3339")
		return
	}
	trends, err := s.analytics.CampaignTrends(r.Context(), OrgID(r), from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"trends": emptyIfNil(trends)})
}

func (s *Server) handleGetAnalyticsSettings(w http.ResponseWriter, r *http.Request) {
	set, err := s.analytics.Settings(r.Context(), OrgID(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, set)
}

func (s *Server) handlePutAnalyticsSettings(w http.ResponseWriter, r *http.Request) {
	var set domain.AnalyticsSettings
	if !httputil.Decode(w, r, &set) {
		return
	}
	set.OrganizationID = OrgID(r)
	updated, err := s.analytics.UpdateSettings(r.Context(), &set)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, updated)
}

func (s *Server) handleAttributionReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	leadID := q.Get("lead_id")
	if leadID == "" {
		httputil.BadRequest(w, "lead_id is required")
		return
	}
	rows, err := s.attrib.Report(r.Context(), OrgID(r), leadID, domain.AttributionModel(q.Get("model")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"attributions": emptyIfNil(rows)})
}
