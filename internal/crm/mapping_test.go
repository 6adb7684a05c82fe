package crm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
)

func TestParseMapping(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"empty object", `{}`, false},
		{"valid", `{"name":"contact.name","phone":"contact.phone","stage":"lead.stage"}`, false},
		{"metadata selector", `{"company":"metadata.company"}`, false},
		{"unknown target", `{"favorite_color":"contact.name"}`, true},
		{"unknown source", `{"name":"lead.shoe_size"}`, true},
		{"bare metadata", `{"company":"metadata."}`, true},
		{"not an object", `["name"]`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMapping(json.RawMessage(tc.raw))
			if tc.wantErr && apperr.KindOf(err) != apperr.InvalidInput {
				t.Errorf("ParseMapping(%s) error = %v, want invalid input", tc.raw, err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ParseMapping(%s) error = %v", tc.raw, err)
			}
		})
	}
}

func TestMappingApply(t *testing.T) {
	converted := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	lead := &domain.Lead{
		ID:          "lead-1",
		Stage:       "qualified",
		Score:       42,
		Tags:        []string{"vip"},
		Metadata:    map[string]interface{}{"company": "Acme"},
		ConvertedAt: &converted,
	}
	contact := &domain.Contact{Name: "Ada", Phone: "+15550001", Email: ""}

	m := Mapping{
		"name":         "contact.name",
		"phone":        "contact.phone",
		"email":        "contact.email",
		"stage":        "lead.stage",
		"score":        "lead.score",
		"tags":         "lead.tags",
		"company":      "metadata.company",
		"converted_at": "lead.converted_at",
	}
	got := m.Apply(lead, contact)

	if got["name"] != "Ada" || got["phone"] != "+15550001" {
		t.Errorf("contact fields = %v / %v", got["name"], got["phone"])
	}
	if _, ok := got["email"]; ok {
		t.Error("empty email should be omitted")
	}
	if got["stage"] != "qualified" || got["score"] != 42 {
		t.Errorf("lead fields = %v / %v", got["stage"], got["score"])
	}
	if got["company"] != "Acme" {
		t.Errorf("metadata selector = %v, want Acme", got["company"])
	}
	if got["converted_at"] != "2026-08-20T12:00:00Z" {
		t.Errorf("converted_at = %v", got["converted_at"])
	}
}

func TestMappingApply_UnconvertedLeadOmitsTimestamp(t *testing.T) {
	m := Mapping{"converted_at": "lead.converted_at"}
	got := m.Apply(&domain.Lead{}, &domain.Contact{})
	if _, ok := got["converted_at"]; ok {
		t.Error("nil converted_at should be omitted")
	}
}
