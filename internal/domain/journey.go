package domain

import "time"

// JourneyStatus enumerates journey lifecycle states.
type JourneyStatus string

const (
	JourneyDraft    JourneyStatus = "draft"
	JourneyActive   JourneyStatus = "active"
	JourneyPaused   JourneyStatus = "paused"
	JourneyArchived JourneyStatus = "archived"
)

// Node kinds form a closed set; unknown kinds are rejected at ingress.
const (
	NodeSendMessage = "send_message"
	NodeDelay       = "delay"
	NodeCondition   = "condition"
	NodeTagUpdate   = "tag_update"
	NodeWebhook     = "webhook"
)

// Trigger kinds form a closed set.
const (
	TriggerInboundMessage = "inbound_message"
	TriggerTagChange      = "tag_change"
	TriggerStageChange    = "stage_change"
	TriggerTime           = "time"
)

// JourneyTrigger declares when a journey starts a run.
type JourneyTrigger struct {
	Type string `json:"type"`
	// inbound_message
	TextIncludes []string `json:"text_includes,omitempty"`
	// tag_change
	TagsAny []string `json:"tags_any,omitempty"`
	// stage_change
	Stages []string `json:"stages,omitempty"`
	// time
	At                   *time.Time `json:"at,omitempty"`
	LastActiveWithinDays int        `json:"last_active_within_days,omitempty"`
}

// NodeConfig carries the per-kind node configuration. Exactly the fields
// for the node's kind are meaningful; validation rejects mixtures.
type NodeConfig struct {
	// send_message
	ChannelID string `json:"channel_id,omitempty"`
	Text      string `json:"text,omitempty"`
	// delay
	DelayMinutes int `json:"delay_minutes,omitempty"`
	// condition
	TagsAny      []string `json:"tags_any,omitempty"`
	TextIncludes []string `json:"text_includes,omitempty"`
	MinScore     *int     `json:"min_score,omitempty"`
	// tag_update
	AddTags    []string `json:"add_tags,omitempty"`
	RemoveTags []string `json:"remove_tags,omitempty"`
	SetStage   string   `json:"set_stage,omitempty"`
	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// JourneyNode is one node in the journey graph.
type JourneyNode struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Config NodeConfig `json:"config"`
}

// JourneyEdge connects two nodes. Condition nodes pick the outgoing edge
// whose label matches the evaluated branch ("true"/"false").
type JourneyEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Journey is a node/edge automation graph started by triggers.
type Journey struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Name           string           `json:"name"`
	Status         JourneyStatus    `json:"status"`
	Triggers       []JourneyTrigger `json:"triggers"`
	Nodes          []JourneyNode    `json:"nodes"`
	Edges          []JourneyEdge    `json:"edges"`
	// DebounceMinutes suppresses re-delivered triggers for the same
	// (journey, lead, dedup key). Zero means the 24h default.
	DebounceMinutes int       `json:"debounce_minutes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (j *Journey) NodeByID(id string) *JourneyNode {
	for i := range j.Nodes {
		if j.Nodes[i].ID == id {
			return &j.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns all edges leaving the given node.
func (j *Journey) EdgesFrom(nodeID string) []JourneyEdge {
	var out []JourneyEdge
	for _, e := range j.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EntryNode returns the first node with no incoming edges, or nil for an
// empty graph.
func (j *Journey) EntryNode() *JourneyNode {
	incoming := make(map[string]bool, len(j.Edges))
	for _, e := range j.Edges {
		incoming[e.To] = true
	}
	for i := range j.Nodes {
		if !incoming[j.Nodes[i].ID] {
			return &j.Nodes[i]
		}
	}
	return nil
}

// RunStatus enumerates journey run states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// JourneyRun is one execution instance of a journey graph.
type JourneyRun struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	JourneyID      string     `json:"journey_id"`
	LeadID         string     `json:"lead_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	TriggerType    string     `json:"trigger_type"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StepStatus enumerates per-step states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// JourneyRunStep is the per-node execution state of a run.
// (run_id, step_index) is unique; step_index is dense from 0.
type JourneyRunStep struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	RunID          string                 `json:"run_id"`
	NodeID         string                 `json:"node_id"`
	StepIndex      int                    `json:"step_index"`
	Status         StepStatus             `json:"status"`
	WakeAt         *time.Time             `json:"wake_at,omitempty"`
	Attempts       int                    `json:"attempts"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
