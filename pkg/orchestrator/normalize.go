package orchestrator

import (
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/cache"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
)

// crmTruncationNote marks a capped CRM text field.
const crmTruncationNote = "… [truncated]"

// emailBodyFields are the verbose fields cleaned and capped on email
// records before they reach the LLM.
var emailBodyFields = []string{"body", "html_body", "snippet"}

// crmLongFields are the free-text CRM fields capped to a character
// budget.
var crmLongFields = []string{"description", "notes", "comments"}

// normalizeRecord trims a single record in place-of-copy for LLM
// consumption, according to the tool's category.
func normalizeRecord(category string, rec map[string]any, limits config.LimitConfig) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	switch category {
	case config.CategoryEmail:
		for _, field := range emailBodyFields {
			if raw, ok := out[field].(string); ok {
				out[field] = cache.CleanBody(raw, limits.EmailBodyMaxBytes)
			}
		}
	case config.CategoryCRM:
		for _, field := range crmLongFields {
			if raw, ok := out[field].(string); ok {
				out[field] = capRunes(raw, limits.CRMFieldMaxChars)
			}
		}
	}
	return out
}

func normalizeRecords(category string, records []map[string]any, limits config.LimitConfig) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = normalizeRecord(category, rec, limits)
	}
	return out
}

// capRunes truncates s to max runes, appending the truncation note.
func capRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + crmTruncationNote
}
