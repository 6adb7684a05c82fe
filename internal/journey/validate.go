package journey

import (
	"fmt"
	"net/url"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
)

// ValidateGraph rejects malformed journeys at ingress: unknown trigger
// or node kinds, dangling edges, per-kind config violations, and
// branching that would be ambiguous at runtime.
func ValidateGraph(j *domain.Journey) error {
	if len(j.Triggers) == 0 {
		return apperr.Invalid("at least one trigger required", "triggers")
	}
	for i, t := range j.Triggers {
		switch t.Type {
		case domain.TriggerInboundMessage, domain.TriggerTagChange, domain.TriggerStageChange:
		case domain.TriggerTime:
			if t.At == nil && t.LastActiveWithinDays <= 0 {
				return apperr.Invalid("time trigger needs at or last_active_within_days",
					fmt.Sprintf("triggers[%d]", i))
			}
		default:
			return apperr.Invalid(fmt.Sprintf("unknown trigger type %q", t.Type),
				fmt.Sprintf("triggers[%d].type", i))
		}
	}

	if len(j.Nodes) == 0 {
		return apperr.Invalid("at least one node required", "nodes")
	}
	nodeIDs := make(map[string]string, len(j.Nodes))
	for i, n := range j.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			return apperr.Invalid("node id required", field+".id")
		}
		if _, dup := nodeIDs[n.ID]; dup {
			return apperr.Invalid(fmt.Sprintf("duplicate node id %q", n.ID), field+".id")
		}
		nodeIDs[n.ID] = n.Type
		if err := validateNodeConfig(n, field); err != nil {
			return err
		}
	}

	outgoing := make(map[string][]domain.JourneyEdge)
	for i, e := range j.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if _, ok := nodeIDs[e.From]; !ok {
			return apperr.Invalid(fmt.Sprintf("edge from unknown node %q", e.From), field+".from")
		}
		if _, ok := nodeIDs[e.To]; !ok {
			return apperr.Invalid(fmt.Sprintf("edge to unknown node %q", e.To), field+".to")
		}
		outgoing[e.From] = append(outgoing[e.From], e)
	}
	for id, kind := range nodeIDs {
		edges := outgoing[id]
		if kind == domain.NodeCondition {
			unlabeled := 0
			for _, e := range edges {
				if e.Label == "" {
					unlabeled++
				}
			}
			if unlabeled > 1 {
				return apperr.Invalid(
					fmt.Sprintf("condition node %q has %d unlabeled edges", id, unlabeled), "edges")
			}
			continue
		}
		if len(edges) > 1 {
			return apperr.Invalid(
				fmt.Sprintf("node %q has %d outgoing edges; only condition nodes branch", id, len(edges)), "edges")
		}
	}

	if j.EntryNode() == nil {
		return apperr.Invalid("graph has no entry node (every node has an incoming edge)", "edges")
	}
	if j.DebounceMinutes < 0 {
		return apperr.Invalid("debounce_minutes must be >= 0", "debounce_minutes")
	}
	return nil
}

func validateNodeConfig(n domain.JourneyNode, field string) error {
	cfg := n.Config
	switch n.Type {
	case domain.NodeSendMessage:
		if cfg.ChannelID == "" || cfg.Text == "" {
			return apperr.Invalid("send_message needs channel_id and text", field+".config")
		}
	case domain.NodeDelay:
		if cfg.DelayMinutes <= 0 {
			return apperr.Invalid("delay needs delay_minutes > 0", field+".config.delay_minutes")
		}
	case domain.NodeCondition:
		if len(cfg.TagsAny) == 0 && len(cfg.TextIncludes) == 0 && cfg.MinScore == nil {
			return apperr.Invalid("condition needs at least one predicate", field+".config")
		}
	case domain.NodeTagUpdate:
		if len(cfg.AddTags) == 0 && len(cfg.RemoveTags) == 0 && cfg.SetStage == "" {
			return apperr.Invalid("tag_update needs add_tags, remove_tags or set_stage", field+".config")
		}
	case domain.NodeWebhook:
		if cfg.URL == "" {
			return apperr.Invalid("webhook needs url", field+".config.url")
		}
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return apperr.Invalid("webhook url must be http(s)", field+".config.url")
		}
	default:
		return apperr.Invalid(fmt.Sprintf("unknown node type %q", n.Type), field+".type")
	}
	return nil
}
