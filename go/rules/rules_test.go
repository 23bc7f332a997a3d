package rules

import (
	"testing"

	"github.com/micsi-dev/mercure/go/task"
	"github.com/stretchr/testify/require"
)

func TestTagFilterEvaluator(t *testing.T) {
	var ruleSet = map[string]Rule{
		"ct_route": {
			Filters: map[string]string{"Modality": "CT"},
			Action:  task.ActionRoute,
			Target:  task.TargetNames{"T1"},
		},
		"mr_process": {
			Filters:          map[string]string{"Modality": "MR"},
			Action:           task.ActionProcess,
			ProcessingModule: task.TargetNames{"M1"},
		},
		"junk_discard": {
			Filters: map[string]string{"SeriesDescription": "localizer"},
			Action:  task.ActionDiscard,
		},
		"disabled": {
			Filters:  map[string]string{"Modality": "CT"},
			Action:   task.ActionRoute,
			Target:   task.TargetNames{"T1"},
			Disabled: true,
		},
	}

	result, err := TagFilterEvaluator{}.Evaluate(map[string]string{"Modality": "ct"}, ruleSet)
	require.NoError(t, err)
	require.True(t, result.Triggered["ct_route"])
	require.False(t, result.Triggered["mr_process"])
	require.False(t, result.Discard)
	require.NotContains(t, result.Triggered, "disabled")

	applied, ok := SelectAppliedRule(result, ruleSet)
	require.True(t, ok)
	require.Equal(t, "ct_route", applied)

	// A triggered discard rule dominates.
	result, err = TagFilterEvaluator{}.Evaluate(
		map[string]string{"Modality": "CT", "SeriesDescription": "localizer"}, ruleSet)
	require.NoError(t, err)
	require.True(t, result.Discard)
	applied, ok = SelectAppliedRule(result, ruleSet)
	require.True(t, ok)
	require.Equal(t, "junk_discard", applied)

	// Nothing triggers for an unknown modality.
	result, err = TagFilterEvaluator{}.Evaluate(map[string]string{"Modality": "US"}, ruleSet)
	require.NoError(t, err)
	_, ok = SelectAppliedRule(result, ruleSet)
	require.False(t, ok)
}

func TestEvaluateSurfacesMisconfiguredRules(t *testing.T) {
	var ruleSet = map[string]Rule{
		"no_target": {
			Filters: map[string]string{"Modality": "CT"},
			Action:  task.ActionRoute,
		},
	}
	var _, err = TagFilterEvaluator{}.Evaluate(map[string]string{"Modality": "CT"}, ruleSet)
	require.ErrorIs(t, err, ErrMisconfigured)
}

func TestRuleValidate(t *testing.T) {
	require.Error(t, Rule{Action: "explode"}.Validate())
	require.Error(t, Rule{Action: task.ActionRoute, ActionTrigger: "cohort"}.Validate())
	require.Error(t, Rule{Action: task.ActionBoth, Target: task.TargetNames{"T1"}}.Validate())
	require.NoError(t, Rule{
		Action:           task.ActionBoth,
		ActionTrigger:    ScopeStudy,
		Target:           task.TargetNames{"T1"},
		ProcessingModule: task.TargetNames{"M1"},
	}.Validate())
}
