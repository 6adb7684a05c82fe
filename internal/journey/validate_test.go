package journey

import (
	"testing"

	"github.com/omini/omini-core/internal/domain"
)

func validJourney() *domain.Journey {
	return &domain.Journey{
		Name: "followup",
		Triggers: []domain.JourneyTrigger{
			{Type: domain.TriggerInboundMessage, TextIncludes: []string{"price"}},
		},
		Nodes: []domain.JourneyNode{
			{ID: "a", Type: domain.NodeSendMessage, Config: domain.NodeConfig{ChannelID: "chan-1", Text: "hi"}},
			{ID: "b", Type: domain.NodeDelay, Config: domain.NodeConfig{DelayMinutes: 1}},
			{ID: "c", Type: domain.NodeCondition, Config: domain.NodeConfig{TagsAny: []string{"purchase"}}},
			{ID: "d", Type: domain.NodeTagUpdate, Config: domain.NodeConfig{AddTags: []string{"hot_lead"}}},
			{ID: "e", Type: domain.NodeWebhook, Config: domain.NodeConfig{URL: "https://example.com/hook"}},
		},
		Edges: []domain.JourneyEdge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "d", Label: "true"},
			{From: "c", To: "e", Label: "false"},
		},
	}
}

func TestValidateGraph_Accepts(t *testing.T) {
	if err := ValidateGraph(validJourney()); err != nil {
		t.Errorf("ValidateGraph() = %v, want nil", err)
	}
}

func TestValidateGraph_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Journey)
	}{
		{"no triggers", func(j *domain.Journey) { j.Triggers = nil }},
		{"unknown trigger type", func(j *domain.Journey) { j.Triggers[0].Type = "cron" }},
		{"time trigger without schedule", func(j *domain.Journey) {
			j.Triggers = []domain.JourneyTrigger{{Type: domain.TriggerTime}}
		}},
		{"no nodes", func(j *domain.Journey) { j.Nodes = nil; j.Edges = nil }},
		{"duplicate node id", func(j *domain.Journey) { j.Nodes[1].ID = "a" }},
		{"unknown node type", func(j *domain.Journey) { j.Nodes[0].Type = "split" }},
		{"send_message without text", func(j *domain.Journey) { j.Nodes[0].Config.Text = "" }},
		{"delay without minutes", func(j *domain.Journey) { j.Nodes[1].Config.DelayMinutes = 0 }},
		{"condition without predicate", func(j *domain.Journey) { j.Nodes[2].Config = domain.NodeConfig{} }},
		{"tag_update without actions", func(j *domain.Journey) { j.Nodes[3].Config = domain.NodeConfig{} }},
		{"webhook with bad url", func(j *domain.Journey) { j.Nodes[4].Config.URL = "ftp://x" }},
		{"edge from unknown node", func(j *domain.Journey) { j.Edges[0].From = "zz" }},
		{"edge to unknown node", func(j *domain.Journey) { j.Edges[0].To = "zz" }},
		{"non-condition branch", func(j *domain.Journey) {
			j.Edges = append(j.Edges, domain.JourneyEdge{From: "a", To: "c"})
		}},
		{"ambiguous condition edges", func(j *domain.Journey) {
			j.Edges[2].Label = ""
			j.Edges[3].Label = ""
		}},
		{"cycle leaves no entry", func(j *domain.Journey) {
			j.Edges = append(j.Edges, domain.JourneyEdge{From: "d", To: "a"}, domain.JourneyEdge{From: "e", To: "b"})
		}},
		{"negative debounce", func(j *domain.Journey) { j.DebounceMinutes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJourney()
			tt.mutate(j)
			if err := ValidateGraph(j); err == nil {
				t.Error("ValidateGraph() should reject")
			}
		})
	}
}
