package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/micsi-dev/mercure/go/queue"
)

type jobArgs struct {
	Name string `positional-arg-name:"JOB" required:"yes" description:"Name of the unit folder"`
}

type cmdRestart struct {
	baseConfig
	Regenerate    bool    `long:"regenerate" description:"Rebuild the module pipeline from the current rule configuration"`
	SettingsPatch string  `long:"settings-patch" description:"JSON merge patch applied to every step's settings, inline or @file"`
	Args          jobArgs `positional-args:"yes"`
}

func (cmd cmdRestart) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	keeper, err := newEventSink(provider.Snapshot())
	if err != nil {
		return err
	}

	var opts = queue.RestartOptions{RegenerateProcess: cmd.Regenerate}
	if cmd.SettingsPatch != "" {
		patch, err := readPatch(cmd.SettingsPatch)
		if err != nil {
			return err
		}
		opts.SettingsPatch = patch
	}

	var q = queue.New(provider, keeper, logger)
	if err = q.RestartJob(context.Background(), cmd.Args.Name, opts); err != nil {
		return err
	}
	fmt.Printf("restarted %s\n", cmd.Args.Name)
	return nil
}

// readPatch reads an inline JSON merge patch, or the contents of a file when
// prefixed with '@'.
func readPatch(arg string) (json.RawMessage, error) {
	var data = []byte(arg)
	if len(arg) > 0 && arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("reading settings patch: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("settings patch is not valid JSON")
	}
	return data, nil
}

type cmdDelete struct {
	baseConfig
	Stage string  `long:"stage" default:"error" description:"Stage folder holding the job"`
	Force bool    `long:"force" description:"Delete even if the job is locked or its container marker is stale"`
	Args  jobArgs `positional-args:"yes"`
}

func (cmd cmdDelete) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var q = queue.New(provider, discardSink{}, logger)
	if err = q.DeleteJob(context.Background(), cmd.Stage, cmd.Args.Name, cmd.Force); err != nil {
		return err
	}
	fmt.Printf("deleted %s/%s\n", cmd.Stage, cmd.Args.Name)
	return nil
}

type cmdForceComplete struct {
	baseConfig
	Stage string  `long:"stage" default:"studies" choice:"studies" choice:"patients" description:"Aggregation stage of the job"`
	Args  jobArgs `positional-args:"yes"`
}

func (cmd cmdForceComplete) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var q = queue.New(provider, discardSink{}, logger)
	if err = q.ForceComplete(context.Background(), cmd.Stage, cmd.Args.Name); err != nil {
		return err
	}
	fmt.Printf("marked %s/%s for completion\n", cmd.Stage, cmd.Args.Name)
	return nil
}

type stageArgs struct {
	Stage string `positional-arg-name:"STAGE" required:"yes" description:"Stage folder name"`
}

type cmdHalt struct {
	baseConfig
	Args stageArgs `positional-args:"yes"`
}

func (cmd cmdHalt) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var q = queue.New(provider, discardSink{}, logger)
	if err = q.Halt(cmd.Args.Stage); err != nil {
		return err
	}
	fmt.Printf("halted %s\n", cmd.Args.Stage)
	return nil
}

type cmdResume struct {
	baseConfig
	Args stageArgs `positional-args:"yes"`
}

func (cmd cmdResume) Execute(_ []string) error {
	provider, logger, err := cmd.init()
	if err != nil {
		return err
	}
	var q = queue.New(provider, discardSink{}, logger)
	if err = q.Resume(cmd.Args.Stage); err != nil {
		return err
	}
	fmt.Printf("resumed %s\n", cmd.Args.Stage)
	return nil
}
