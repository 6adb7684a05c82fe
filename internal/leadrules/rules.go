// Package leadrules is the pure lead rule engine. Evaluate applies an
// ordered rule list to a lead snapshot and returns a minimal diff; it
// performs no I/O and is deterministic for identical inputs.
package leadrules

import (
	"fmt"
	"strings"
)

// Snapshot is the engine's read-only view of a lead.
type Snapshot struct {
	Tags     []string               `json:"tags"`
	Stage    string                 `json:"stage"`
	Score    int                    `json:"score"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Context carries the evaluation inputs external to the lead.
type Context struct {
	Text    string   `json:"text,omitempty"`
	Signals []string `json:"signals,omitempty"`
}

// Conditions are ANDed; empty predicate lists hold vacuously.
type Conditions struct {
	TextIncludes []string `json:"text_includes,omitempty"`
	SignalsAny   []string `json:"signals_any,omitempty"`
	TagsAny      []string `json:"tags_any,omitempty"`
	TagsAll      []string `json:"tags_all,omitempty"`
	StageIn      []string `json:"stage_in,omitempty"`
	SourceIn     []string `json:"source_in,omitempty"`
	MinScore     *int     `json:"min_score,omitempty"`
	MaxScore     *int     `json:"max_score,omitempty"`
}

// Actions mutate the working snapshot in declaration order: tags first,
// then stage, score, queue assignment, source.
type Actions struct {
	AddTags     []string `json:"add_tags,omitempty"`
	RemoveTags  []string `json:"remove_tags,omitempty"`
	SetStage    string   `json:"set_stage,omitempty"`
	SetScore    *int     `json:"set_score,omitempty"`
	ScoreDelta  int      `json:"score_delta,omitempty"`
	AssignQueue string   `json:"assign_queue,omitempty"`
	SetSource   string   `json:"set_source,omitempty"`
}

// Rule is one ordered declarative rule.
type Rule struct {
	ID          string     `json:"id,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Conditions  Conditions `json:"conditions"`
	Actions     Actions    `json:"actions"`
	StopOnMatch bool       `json:"stop_on_match,omitempty"`
	Priority    int        `json:"priority,omitempty"`
}

func (r *Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// Updates is the minimal diff produced by evaluation. Nil/empty fields
// left the lead unchanged.
type Updates struct {
	Stage       *string  `json:"stage,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	TagsChanged bool     `json:"tags_changed,omitempty"`
	Score       *int     `json:"score,omitempty"`
	Source      *string  `json:"source,omitempty"`
	AssignQueue *string  `json:"assign_queue,omitempty"`
}

// Empty reports whether the diff changes nothing.
func (u Updates) Empty() bool {
	return u.Stage == nil && !u.TagsChanged && u.Score == nil &&
		u.Source == nil && u.AssignQueue == nil
}

// Result pairs the diff with the matched rule references.
type Result struct {
	Updates Updates  `json:"updates"`
	Matched []string `json:"matched"`
}

// Evaluate runs the rules in order against the snapshot. Matched rules
// mutate a working copy; stop_on_match halts iteration after its rule.
// The returned diff holds only fields whose final value differs from the
// input snapshot.
func Evaluate(snap Snapshot, rctx Context, rules []Rule) Result {
	work := Snapshot{
		Tags:   append([]string{}, snap.Tags...),
		Stage:  snap.Stage,
		Score:  snap.Score,
		Source: snap.Source,
	}
	assignQueue := ""
	assignQueueSet := false

	var matched []string
	for i := range rules {
		r := &rules[i]
		if !r.enabled() {
			continue
		}
		if !matches(&r.Conditions, &work, &rctx) {
			continue
		}
		matched = append(matched, ruleRef(r, i))
		apply(&r.Actions, &work)
		if r.Actions.AssignQueue != "" {
			assignQueue = r.Actions.AssignQueue
			assignQueueSet = true
		}
		if r.StopOnMatch {
			break
		}
	}

	res := Result{Matched: matched}
	if work.Stage != snap.Stage {
		res.Updates.Stage = &work.Stage
	}
	if !equalTags(work.Tags, snap.Tags) {
		res.Updates.Tags = work.Tags
		res.Updates.TagsChanged = true
	}
	if work.Score != snap.Score {
		res.Updates.Score = &work.Score
	}
	if work.Source != snap.Source {
		res.Updates.Source = &work.Source
	}
	if assignQueueSet {
		current, _ := snap.Metadata["assignment_queue"].(string)
		if assignQueue != current {
			res.Updates.AssignQueue = &assignQueue
		}
	}
	return res
}

func matches(c *Conditions, s *Snapshot, rctx *Context) bool {
	if len(c.TextIncludes) > 0 {
		text := strings.ToLower(rctx.Text)
		for _, sub := range c.TextIncludes {
			if !strings.Contains(text, strings.ToLower(sub)) {
				return false
			}
		}
	}
	if len(c.SignalsAny) > 0 && !intersects(c.SignalsAny, rctx.Signals) {
		return false
	}
	if len(c.TagsAny) > 0 && !intersects(c.TagsAny, s.Tags) {
		return false
	}
	if len(c.TagsAll) > 0 {
		for _, want := range c.TagsAll {
			if !contains(s.Tags, want) {
				return false
			}
		}
	}
	if len(c.StageIn) > 0 && !contains(c.StageIn, s.Stage) {
		return false
	}
	if len(c.SourceIn) > 0 && !contains(c.SourceIn, s.Source) {
		return false
	}
	if c.MinScore != nil && s.Score < *c.MinScore {
		return false
	}
	if c.MaxScore != nil && s.Score > *c.MaxScore {
		return false
	}
	return true
}

func apply(a *Actions, s *Snapshot) {
	for _, tag := range a.AddTags {
		if tag != "" && !contains(s.Tags, tag) {
			s.Tags = append(s.Tags, tag)
		}
	}
	if len(a.RemoveTags) > 0 {
		kept := s.Tags[:0]
		for _, tag := range s.Tags {
			if !contains(a.RemoveTags, tag) {
				kept = append(kept, tag)
			}
		}
		s.Tags = kept
	}
	if a.SetStage != "" {
		s.Stage = a.SetStage
	}
	if a.SetScore != nil {
		s.Score = *a.SetScore
	} else {
		s.Score += a.ScoreDelta
	}
	if a.SetSource != "" {
		s.Source = a.SetSource
	}
}

func ruleRef(r *Rule, index int) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("rule[%d]", index)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
