// Package rules exposes the rule evaluator consumed by the series router
// and the aggregators. The predicate expression language itself is a
// collaborator concern; this package defines the rule configuration shape,
// the evaluation interface, and the completion-criteria parser.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/micsi-dev/mercure/go/task"
)

// ErrMisconfigured marks a rule configuration problem. Units hitting it are
// routed to the error folder with fail_stage "routing".
var ErrMisconfigured = errors.New("rule misconfigured")

// TriggerScope is the aggregation level at which a rule acts.
const (
	ScopeSeries  = "series"
	ScopeStudy   = "study"
	ScopePatient = "patient"
)

// Rule is the configured decision for matching DICOM units.
type Rule struct {
	// Filters are tag equality predicates; all must match for the rule to
	// trigger. An empty filter set never triggers.
	Filters map[string]string `json:"filters"`
	// Action taken once the unit (or its aggregate) is complete.
	Action task.Action `json:"action"`
	// ActionTrigger is the aggregation level at which the action fires.
	ActionTrigger string `json:"action_trigger"`
	// Disabled rules are skipped during evaluation.
	Disabled bool `json:"disabled"`

	// Study completion criteria, used when ActionTrigger is "study".
	StudyTriggerCondition string `json:"study_trigger_condition"`
	StudyTriggerSeries    string `json:"study_trigger_series"`

	// Patient completion criteria, used when ActionTrigger is "patient".
	PatientTriggerCondition  string `json:"patient_trigger_condition"`
	PatientTriggerModalities string `json:"patient_trigger_modalities"`
	PatientTriggerStudies    string `json:"patient_trigger_studies"`
	PatientTriggerSeries     string `json:"patient_trigger_series"`

	// CompleteForceAction selects what happens when the force-completion
	// timeout fires: ignore, proceed, or discard.
	CompleteForceAction string `json:"complete_force_action"`

	// ProcessingModule names the module (or ordered module pipeline) to run
	// for process/both actions.
	ProcessingModule task.TargetNames `json:"processing_module"`
	// ProcessingSettings are overlaid onto each module's settings.
	ProcessingSettings map[string]interface{} `json:"processing_settings,omitempty"`
	// Target names the dispatch target(s) for route/both actions.
	Target task.TargetNames `json:"target"`

	// Notification gates per event kind.
	NotifyReception  bool   `json:"notification_trigger_reception"`
	NotifyCompletion bool   `json:"notification_trigger_completion"`
	NotifyError      bool   `json:"notification_trigger_error"`
	NotificationURL  string `json:"notification_webhook,omitempty"`
}

// Scope returns the rule's action trigger, defaulting to series.
func (r Rule) Scope() string {
	if r.ActionTrigger == "" {
		return ScopeSeries
	}
	return r.ActionTrigger
}

// Validate the rule configuration.
func (r Rule) Validate() error {
	switch r.Action {
	case task.ActionRoute, task.ActionProcess, task.ActionBoth, task.ActionNotification, task.ActionDiscard:
	default:
		return fmt.Errorf("%w: invalid action %q", ErrMisconfigured, r.Action)
	}
	switch r.Scope() {
	case ScopeSeries, ScopeStudy, ScopePatient:
	default:
		return fmt.Errorf("%w: invalid action_trigger %q", ErrMisconfigured, r.ActionTrigger)
	}
	if r.Action == task.ActionRoute || r.Action == task.ActionBoth {
		if len(r.Target) == 0 {
			return fmt.Errorf("%w: action %q requires a target", ErrMisconfigured, r.Action)
		}
	}
	if r.Action == task.ActionProcess || r.Action == task.ActionBoth {
		if len(r.ProcessingModule) == 0 {
			return fmt.Errorf("%w: action %q requires a processing module", ErrMisconfigured, r.Action)
		}
	}
	return nil
}

// Result of evaluating a rule set against the tags of a unit.
type Result struct {
	// Triggered maps each rule name to whether its predicate matched.
	Triggered map[string]bool
	// Discard is set when a triggered rule demands the unit be discarded.
	Discard bool
}

// TriggeredNames returns the names of triggered rules in sorted order.
func (r Result) TriggeredNames() []string {
	var out []string
	for name, hit := range r.Triggered {
		if hit {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluator decides which rules trigger for a set of DICOM tags.
type Evaluator interface {
	Evaluate(tags map[string]string, ruleSet map[string]Rule) (Result, error)
}

// TagFilterEvaluator triggers a rule when every configured tag filter
// matches the received tags, comparing case-insensitively.
type TagFilterEvaluator struct{}

var _ Evaluator = TagFilterEvaluator{}

func (TagFilterEvaluator) Evaluate(tags map[string]string, ruleSet map[string]Rule) (Result, error) {
	var out = Result{Triggered: make(map[string]bool, len(ruleSet))}

	for name, rule := range ruleSet {
		if rule.Disabled {
			continue
		}
		if err := rule.Validate(); err != nil {
			return Result{}, fmt.Errorf("rule %q: %w", name, err)
		}
		var hit = len(rule.Filters) > 0
		for tag, want := range rule.Filters {
			if !strings.EqualFold(strings.TrimSpace(tags[tag]), strings.TrimSpace(want)) {
				hit = false
				break
			}
		}
		out.Triggered[name] = hit
		if hit && rule.Action == task.ActionDiscard {
			out.Discard = true
		}
	}
	return out, nil
}

// SelectAppliedRule picks the winning rule among the triggered ones.
// Rules are considered in sorted name order for determinism; a discard rule
// dominates all others.
func SelectAppliedRule(result Result, ruleSet map[string]Rule) (string, bool) {
	var names = result.TriggeredNames()
	if len(names) == 0 {
		return "", false
	}
	if result.Discard {
		for _, name := range names {
			if ruleSet[name].Action == task.ActionDiscard {
				return name, true
			}
		}
	}
	return names[0], true
}
