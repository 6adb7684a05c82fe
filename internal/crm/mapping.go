// Package crm maps leads onto an external CRM's field schema and
// delivers them through signed outbound webhooks.
package crm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
)

// targetKeys is the closed set of CRM-side fields a mapping may fill.
// Unknown targets are rejected at ingress.
var targetKeys = map[string]bool{
	"external_id":  true,
	"name":         true,
	"phone":        true,
	"email":        true,
	"company":      true,
	"stage":        true,
	"score":        true,
	"tags":         true,
	"source":       true,
	"created_at":   true,
	"converted_at": true,
}

// sourceFields enumerates the selectors a mapping value may reference.
// "metadata.<key>" selects from lead metadata and is validated by
// prefix.
var sourceFields = map[string]bool{
	"contact.external_id": true,
	"contact.name":        true,
	"contact.phone":       true,
	"contact.email":       true,
	"lead.stage":          true,
	"lead.score":          true,
	"lead.tags":           true,
	"lead.source":         true,
	"lead.created_at":     true,
	"lead.converted_at":   true,
}

// Mapping maps CRM target keys to source selectors.
type Mapping map[string]string

// ParseMapping decodes and validates raw mapping JSON.
func ParseMapping(raw json.RawMessage) (Mapping, error) {
	if len(raw) == 0 {
		return Mapping{}, nil
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "mapping is not a JSON object of strings", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks every target key and source selector against the
// closed sets.
func (m Mapping) Validate() error {
	for target, source := range m {
		if !targetKeys[target] {
			return apperr.Invalid(fmt.Sprintf("unknown target key %q", target), "mapping."+target)
		}
		if strings.HasPrefix(source, "metadata.") {
			if len(source) == len("metadata.") {
				return apperr.Invalid("metadata selector needs a key", "mapping."+target)
			}
			continue
		}
		if !sourceFields[source] {
			return apperr.Invalid(fmt.Sprintf("unknown source selector %q", source), "mapping."+target)
		}
	}
	return nil
}

// Apply resolves every mapped selector against the lead and its
// contact. Selectors that resolve to nothing are omitted rather than
// sent as nulls.
func (m Mapping) Apply(lead *domain.Lead, contact *domain.Contact) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for target, source := range m {
		if v, ok := resolve(source, lead, contact); ok {
			out[target] = v
		}
	}
	return out
}

func resolve(source string, lead *domain.Lead, contact *domain.Contact) (interface{}, bool) {
	if key, ok := strings.CutPrefix(source, "metadata."); ok {
		v, ok := lead.Metadata[key]
		return v, ok
	}
	switch source {
	case "contact.external_id":
		return nonEmpty(contact.ExternalID)
	case "contact.name":
		return nonEmpty(contact.Name)
	case "contact.phone":
		return nonEmpty(contact.Phone)
	case "contact.email":
		return nonEmpty(contact.Email)
	case "lead.stage":
		return nonEmpty(lead.Stage)
	case "lead.score":
		return lead.Score, true
	case "lead.tags":
		return lead.Tags, true
	case "lead.source":
		return nonEmpty(lead.Source)
	case "lead.created_at":
		return lead.CreatedAt.UTC().Format(time.RFC3339), true
	case "lead.converted_at":
		if lead.ConvertedAt == nil {
			return nil, false
		}
		return lead.ConvertedAt.UTC().Format(time.RFC3339), true
	}
	return nil, false
}

func nonEmpty(s string) (interface{}, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}
