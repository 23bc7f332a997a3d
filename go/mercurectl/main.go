// mercurectl is the operator command line of the mercure orchestrator: it
// runs the worker loops and the bookkeeper service, and administers the job
// queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/micsi-dev/mercure/go/bookkeeper"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/task"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Run the orchestrator worker loops", `
Run the routing, aggregation, processing, and dispatching loops against the
configured spool folder, until signaled to exit (via SIGTERM). SIGHUP reloads
the configuration between loop passes.
`, &cmdServe{})

	addCmd(parser, "bookkeeper", "Run the bookkeeper service", `
Run the bookkeeper HTTP service, which records task and series events and
answers the archive queries of the operator UI.
`, &cmdBookkeeper{})

	addCmd(parser, "status", "Show the state of every pipeline stage", `
Show the halt state and unit count of every pipeline stage folder.
`, &cmdStatus{})

	addCmd(parser, "restart", "Restart a failed job", `
Return a job from the error folder to the pipeline. A dispatch failure
resumes with the targets which have not succeeded yet; a processing failure
reruns the module pipeline from the as-received snapshot.
`, &cmdRestart{})

	addCmd(parser, "delete", "Delete a job from a stage folder", `
Delete a unit folder. Locked or recently active jobs are refused unless
forced.
`, &cmdDelete{})

	addCmd(parser, "force-complete", "Force completion of an aggregate", `
Mark a study or patient aggregate as complete, so the next aggregator pass
emits it regardless of its completion trigger.
`, &cmdForceComplete{})

	addCmd(parser, "halt", "Suspend scans of a stage", `
Place the halt marker of a stage folder. Workers finish the unit they hold
and stop picking up new ones.
`, &cmdHalt{})

	addCmd(parser, "resume", "Resume scans of a halted stage", `
Remove the halt marker of a stage folder.
`, &cmdResume{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		log.WithField("error", err).Fatal("command failed")
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(fmt.Sprintf("failed to add flags parser command: %v", err))
	}
	return cmd
}

// baseConfig is shared by every command.
type baseConfig struct {
	Config  string `long:"config" short:"c" env:"MERCURE_CONFIG" default:"/etc/mercure/mercure.json" description:"Path to the deployment configuration"`
	Verbose bool   `long:"verbose" short:"v" description:"Enable debug logging"`
}

func (c baseConfig) init() (*config.Provider, ops.Logger, error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	provider, err := config.NewFileProvider(c.Config)
	if err != nil {
		return nil, nil, err
	}
	return provider, ops.StdLogger(), nil
}

// eventSink is the full bookkeeper surface used by the worker loops.
type eventSink interface {
	RegisterTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	SendSeriesEvent(ctx context.Context, ev bookkeeper.SeriesEvent) error
	SendTaskEvent(ctx context.Context, ev bookkeeper.TaskEvent) error
	SendProcessLogs(ctx context.Context, l bookkeeper.ProcessLogs) error
	SendProcessorOutput(ctx context.Context, o bookkeeper.ProcessorOutput) error
}

// newEventSink connects to the configured bookkeeper, or returns a discarding
// sink when none is configured.
func newEventSink(cfg config.Snapshot) (eventSink, error) {
	if cfg.Bookkeeper == "" {
		return discardSink{}, nil
	}
	return bookkeeper.NewClient(cfg.Bookkeeper, cfg.BookkeeperAPIKey)
}

// discardSink drops all events. Used when no bookkeeper is deployed.
type discardSink struct{}

func (discardSink) RegisterTask(context.Context, *task.Task) error                  { return nil }
func (discardSink) UpdateTask(context.Context, *task.Task) error                    { return nil }
func (discardSink) SendSeriesEvent(context.Context, bookkeeper.SeriesEvent) error   { return nil }
func (discardSink) SendTaskEvent(context.Context, bookkeeper.TaskEvent) error       { return nil }
func (discardSink) SendProcessLogs(context.Context, bookkeeper.ProcessLogs) error   { return nil }
func (discardSink) SendProcessorOutput(context.Context, bookkeeper.ProcessorOutput) error {
	return nil
}
