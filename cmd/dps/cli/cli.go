// Package cli implements the dps command tree.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

// Sentinel errors used by main to pick the exit code.
var (
	// ErrConfig marks a configuration problem (exit code 1).
	ErrConfig = errors.New("configuration error")
	// ErrTransport marks a transport failure at startup (exit code 2).
	ErrTransport = errors.New("transport error")
)

// topicsFlag collects repeated -t flags.
type topicsFlag []string

func (t *topicsFlag) String() string {
	return fmt.Sprintf("%v", []string(*t))
}

func (t *topicsFlag) Set(v string) error {
	if v == "" {
		return errors.New("empty topic")
	}
	*t = append(*t, v)
	return nil
}

// linksFlag collects repeated --link flags.
type linksFlag []string

func (l *linksFlag) String() string {
	return fmt.Sprintf("%v", []string(*l))
}

func (l *linksFlag) Set(v string) error {
	if v == "" {
		return errors.New("empty link address")
	}
	*l = append(*l, v)
	return nil
}

// rootOptions are shared by every subcommand.
type rootOptions struct {
	separator string
	subsRate  int
}

func (o *rootOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.separator, "separator", "/", "topic separator characters")
	fs.IntVar(&o.subsRate, "subs-rate", 1000, "subscription update rate in msecs")
}

func (o *rootOptions) subsRateDuration() time.Duration {
	return time.Duration(o.subsRate) * time.Millisecond
}

// New assembles the dps command tree.
func New() *ffcli.Command {
	var root rootOptions

	rootFs := flag.NewFlagSet("dps", flag.ContinueOnError)
	root.register(rootFs)

	cmd := &ffcli.Command{
		Name:       "dps",
		ShortUsage: "dps <subcommand> [flags]",
		ShortHelp:  "Distributed publish/subscribe mesh node",
		FlagSet:    rootFs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("DPS")},
		Subcommands: []*ffcli.Command{
			startCmd(&root),
			pubCmd(&root),
			subCmd(&root),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	return cmd
}
