package leadrules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseRules decodes and validates a rule list. Unknown fields are
// rejected at ingress rather than silently ignored, so a typoed
// condition never becomes a vacuously-true rule.
func ParseRules(raw []byte) ([]Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rules []Rule
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ValidateRules checks structural sanity of a rule list.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.ID != "" {
			if seen[r.ID] {
				return fmt.Errorf("rule %q: duplicate id", r.ID)
			}
			seen[r.ID] = true
		}
		if emptyActions(&r.Actions) {
			return fmt.Errorf("%s: no actions", ruleRef(r, i))
		}
		c := &r.Conditions
		if c.MinScore != nil && c.MaxScore != nil && *c.MinScore > *c.MaxScore {
			return fmt.Errorf("%s: min_score > max_score", ruleRef(r, i))
		}
		for _, tag := range r.Actions.AddTags {
			if tag == "" {
				return fmt.Errorf("%s: empty tag in add_tags", ruleRef(r, i))
			}
		}
	}
	return nil
}

func emptyActions(a *Actions) bool {
	return len(a.AddTags) == 0 && len(a.RemoveTags) == 0 && a.SetStage == "" &&
		a.SetScore == nil && a.ScoreDelta == 0 && a.AssignQueue == "" && a.SetSource == ""
}
