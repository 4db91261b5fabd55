package logline

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the application's output.
	Out io.Writer
}

// Params struct holds all user-customizable parameters.
// Using a single struct for all CLI commands ensures that all flags are distinct
// and that they can be provided either dynamically on a command line, or
// statically in a config file that's reused between command runs.
type Params struct {
	Config *configuration.LoglineConfig
}

// New instantiates an App with default parameters, including standard output.
func New() *App {
	return &App{
		Params: &Params{Config: &configuration.LoglineConfig{}},
		Out:    os.Stdout,
	}
}

// FanOutSource is a metrics API queried once per queue, e.g. CloudWatch or
// Azure Monitor. Unlike a counter source there is no live observation window:
// each query returns a retrospective reading covering the trailing UTC days
// the source inspects.
type FanOutSource interface {
	Name() string
	TrailingDays() int
	ListQueues(ctx context.Context) ([]string, error)
	QueryQueue(ctx context.Context, queue string) (engine.QueryResult, error)
}

func (a *App) validateParams() error {
	if a.Params.Config == nil {
		return errors.New("no configuration loaded")
	}
	if a.Params.Config.CustomerIdentifier == "" {
		return errors.New("customerIdentifier is not set; reports must name whose infrastructure was measured")
	}
	return nil
}
