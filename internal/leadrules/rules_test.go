package leadrules

import (
	"reflect"
	"testing"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestEvaluate_TextMatch(t *testing.T) {
	snap := Snapshot{Stage: "new"}
	rctx := Context{Text: "I want the PRICE please"}
	rules := []Rule{{
		ID:         "price-intent",
		Conditions: Conditions{TextIncludes: []string{"price"}},
		Actions:    Actions{AddTags: []string{"price-intent"}, ScoreDelta: 5, SetSource: "inbound"},
	}}

	res := Evaluate(snap, rctx, rules)

	if len(res.Matched) != 1 || res.Matched[0] != "price-intent" {
		t.Errorf("Matched = %v", res.Matched)
	}
	if !res.Updates.TagsChanged || !reflect.DeepEqual(res.Updates.Tags, []string{"price-intent"}) {
		t.Errorf("Tags = %v", res.Updates.Tags)
	}
	if res.Updates.Score == nil || *res.Updates.Score != 5 {
		t.Errorf("Score = %v", res.Updates.Score)
	}
	if res.Updates.Source == nil || *res.Updates.Source != "inbound" {
		t.Errorf("Source = %v", res.Updates.Source)
	}
	if res.Updates.Stage != nil {
		t.Errorf("Stage should be unchanged, got %v", *res.Updates.Stage)
	}
}

func TestEvaluate_StopOnMatch(t *testing.T) {
	snap := Snapshot{Stage: "new", Score: 5, Tags: []string{"price-intent"}}
	rctx := Context{Text: "ready to buy", Signals: []string{"purchase"}}
	rules := []Rule{
		{
			ID:          "purchase-signal",
			Conditions:  Conditions{SignalsAny: []string{"purchase"}},
			Actions:     Actions{AddTags: []string{"high-intent"}, SetStage: "qualified", ScoreDelta: 10, AssignQueue: "sales"},
			StopOnMatch: true,
		},
		{
			ID:         "never-reached",
			Conditions: Conditions{},
			Actions:    Actions{ScoreDelta: 100},
		},
	}

	res := Evaluate(snap, rctx, rules)

	if len(res.Matched) != 1 {
		t.Fatalf("Matched = %v, want just purchase-signal", res.Matched)
	}
	if res.Updates.Stage == nil || *res.Updates.Stage != "qualified" {
		t.Errorf("Stage = %v", res.Updates.Stage)
	}
	if res.Updates.Score == nil || *res.Updates.Score != 15 {
		t.Errorf("Score = %v, want 15", res.Updates.Score)
	}
	if res.Updates.AssignQueue == nil || *res.Updates.AssignQueue != "sales" {
		t.Errorf("AssignQueue = %v", res.Updates.AssignQueue)
	}
}

func TestEvaluate_Conditions(t *testing.T) {
	tests := []struct {
		name      string
		snap      Snapshot
		rctx      Context
		cond      Conditions
		wantMatch bool
	}{
		{"vacuous empty conditions", Snapshot{}, Context{}, Conditions{}, true},
		{"text case-insensitive", Snapshot{}, Context{Text: "GOLD plan"}, Conditions{TextIncludes: []string{"gold"}}, true},
		{"text all required", Snapshot{}, Context{Text: "gold"}, Conditions{TextIncludes: []string{"gold", "silver"}}, false},
		{"signals intersect", Snapshot{}, Context{Signals: []string{"a", "b"}}, Conditions{SignalsAny: []string{"b"}}, true},
		{"signals disjoint", Snapshot{}, Context{Signals: []string{"a"}}, Conditions{SignalsAny: []string{"b"}}, false},
		{"tags_all partial", Snapshot{Tags: []string{"x"}}, Context{}, Conditions{TagsAll: []string{"x", "y"}}, false},
		{"stage_in", Snapshot{Stage: "new"}, Context{}, Conditions{StageIn: []string{"new", "qualified"}}, true},
		{"source_in miss", Snapshot{Source: "ads"}, Context{}, Conditions{SourceIn: []string{"organic"}}, false},
		{"min inclusive", Snapshot{Score: 10}, Context{}, Conditions{MinScore: intp(10)}, true},
		{"max inclusive", Snapshot{Score: 10}, Context{}, Conditions{MaxScore: intp(10)}, true},
		{"max exceeded", Snapshot{Score: 11}, Context{}, Conditions{MaxScore: intp(10)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []Rule{{Conditions: tt.cond, Actions: Actions{ScoreDelta: 1}}}
			res := Evaluate(tt.snap, tt.rctx, rules)
			if got := len(res.Matched) == 1; got != tt.wantMatch {
				t.Errorf("match = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

func TestEvaluate_SetScoreWinsOverDelta(t *testing.T) {
	res := Evaluate(Snapshot{Score: 50}, Context{}, []Rule{{
		Actions: Actions{SetScore: intp(7), ScoreDelta: 100},
	}})
	if res.Updates.Score == nil || *res.Updates.Score != 7 {
		t.Errorf("Score = %v, want 7", res.Updates.Score)
	}
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	res := Evaluate(Snapshot{}, Context{}, []Rule{{
		Enabled: boolp(false),
		Actions: Actions{ScoreDelta: 5},
	}})
	if len(res.Matched) != 0 || !res.Updates.Empty() {
		t.Errorf("disabled rule applied: %+v", res)
	}
}

func TestEvaluate_MinimalDiff(t *testing.T) {
	// Actions that restate current values produce an empty diff.
	snap := Snapshot{Stage: "qualified", Tags: []string{"vip"}, Score: 10, Source: "ads"}
	res := Evaluate(snap, Context{}, []Rule{{
		Actions: Actions{SetStage: "qualified", AddTags: []string{"vip"}, SetScore: intp(10), SetSource: "ads"},
	}})
	if len(res.Matched) != 1 {
		t.Fatalf("Matched = %v", res.Matched)
	}
	if !res.Updates.Empty() {
		t.Errorf("Updates should be empty, got %+v", res.Updates)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	snap := Snapshot{Stage: "new", Tags: []string{"a"}}
	rctx := Context{Text: "hello price"}
	rules := []Rule{
		{ID: "r1", Conditions: Conditions{TextIncludes: []string{"price"}}, Actions: Actions{AddTags: []string{"b"}, ScoreDelta: 3}},
		{ID: "r2", Conditions: Conditions{TagsAny: []string{"b"}}, Actions: Actions{SetStage: "qualified"}},
	}

	first := Evaluate(snap, rctx, rules)
	second := Evaluate(snap, rctx, rules)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("evaluation not deterministic:\n first=%+v\nsecond=%+v", first, second)
	}
	// The input snapshot is untouched.
	if !reflect.DeepEqual(snap.Tags, []string{"a"}) {
		t.Errorf("input snapshot mutated: %v", snap.Tags)
	}
}

func TestEvaluate_LaterRuleSeesEarlierMutation(t *testing.T) {
	res := Evaluate(Snapshot{Stage: "new"}, Context{Text: "price"}, []Rule{
		{ID: "r1", Conditions: Conditions{TextIncludes: []string{"price"}}, Actions: Actions{AddTags: []string{"intent"}}},
		{ID: "r2", Conditions: Conditions{TagsAny: []string{"intent"}}, Actions: Actions{SetStage: "qualified"}},
	})
	if len(res.Matched) != 2 {
		t.Fatalf("Matched = %v, want both rules", res.Matched)
	}
	if res.Updates.Stage == nil || *res.Updates.Stage != "qualified" {
		t.Errorf("Stage = %v", res.Updates.Stage)
	}
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `[{"id":"r1","conditions":{"text_includes":["hi"]},"actions":{"score_delta":1}}]`, false},
		{"unknown condition field", `[{"conditions":{"text_matches":["hi"]},"actions":{"score_delta":1}}]`, true},
		{"unknown action field", `[{"conditions":{},"actions":{"boost":5}}]`, true},
		{"no actions", `[{"conditions":{"text_includes":["hi"]},"actions":{}}]`, true},
		{"duplicate id", `[{"id":"r1","actions":{"score_delta":1}},{"id":"r1","actions":{"score_delta":2}}]`, true},
		{"min over max", `[{"conditions":{"min_score":5,"max_score":1},"actions":{"score_delta":1}}]`, true},
		{"not an array", `{"id":"r1"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRules() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
