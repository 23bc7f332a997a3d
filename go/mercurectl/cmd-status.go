package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/micsi-dev/mercure/go/queue"
)

// stageOrder lists the stages in pipeline order for display.
var stageOrder = []string{
	queue.StageIncoming,
	queue.StageStudies,
	queue.StagePatients,
	queue.StageProcessing,
	queue.StageOutgoing,
	queue.StageSuccess,
	queue.StageError,
	queue.StageDiscard,
}

type cmdStatus struct {
	baseConfig
}

func (cmd cmdStatus) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var q = queue.New(provider, discardSink{}, logger)

	status, err := q.Status()
	if err != nil {
		return err
	}
	for _, stage := range stageOrder {
		var s = status[stage]
		fmt.Printf("%-12s %-12s %d\n", stage, colorizeState(s.State), s.Units)
	}
	return nil
}

func colorizeState(state string) string {
	switch state {
	case queue.StateHalted:
		return color.RedString(state)
	case queue.StateSuspending:
		return color.YellowString(state)
	case queue.StateActive:
		return color.CyanString(state)
	default:
		return color.GreenString(state)
	}
}
