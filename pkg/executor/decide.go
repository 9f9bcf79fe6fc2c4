// Package executor decides how a plan may proceed (auto-execute,
// confirmation, parameter collection) and drives a Run through its
// status machine step by step.
package executor

import (
	"regexp"
	"strings"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
)

// destructiveRe flags tool names that mutate or destroy data and must
// never run without explicit confirmation.
var destructiveRe = regexp.MustCompile(`(?i)(delete|remove|drop|destroy|purge|wipe)`)

// Decision is the outcome of inspecting a plan before execution.
type Decision struct {
	AutoExecute       bool   `json:"auto_execute"`
	Reason            string `json:"reason"`
	NeedsUserInput    bool   `json:"needs_user_input"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
}

// Decide classifies a plan. Pure: no side effects, same plan in, same
// decision out. Rule order matters: destructive detection precedes
// every auto-execute shortcut.
func Decide(plan []*models.Step) Decision {
	for _, step := range plan {
		if destructiveRe.MatchString(step.ToolCall.Name) {
			return Decision{
				NeedsConfirmation: true,
				Reason:            "plan contains a destructive action (" + step.ToolCall.Name + ")",
			}
		}
	}

	for _, step := range plan {
		if step.Status == models.StepStatusCollectingParameters {
			return Decision{
				NeedsUserInput: true,
				Reason:         "step " + step.StepID + " is missing required parameters",
			}
		}
	}

	if len(plan) == 1 && isReadOnly(plan[0].ToolCall.Name) {
		return Decision{
			AutoExecute: true,
			Reason:      "single read-only step",
		}
	}

	if len(plan) > 1 {
		return Decision{
			NeedsConfirmation: true,
			Reason:            "multi-step plan",
		}
	}

	return Decision{
		NeedsConfirmation: true,
		Reason:            "action requires confirmation",
	}
}

// isReadOnly reports whether a tool belongs to the fetch family, the
// allow-list for unconfirmed execution.
func isReadOnly(toolName string) bool {
	return strings.HasPrefix(toolName, "fetch_") || strings.HasPrefix(toolName, "get_") ||
		strings.HasPrefix(toolName, "list_") || strings.HasPrefix(toolName, "search_")
}
