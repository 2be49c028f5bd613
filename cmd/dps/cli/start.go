package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/node"
)

func startCmd(root *rootOptions) *ffcli.Command {
	fs := flag.NewFlagSet("dps start", flag.ContinueOnError)
	root.register(fs)
	listen := fs.Int("listen", 0, "port to listen on")
	var links linksFlag
	fs.Var(&links, "link", "peer address to link to (repeatable)")

	return &ffcli.Command{
		Name:       "start",
		ShortUsage: "dps start --listen PORT [--link HOST:PORT]...",
		ShortHelp:  "Run a mesh node until interrupted",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			nd, err := newNode(root, *listen, links)
			if err != nil {
				return err
			}
			defer nd.Shutdown()
			nd.SetNotifyCallback(func(n node.Notify) {
				if lr := n.LinkResult; lr != nil {
					if lr.Err != "" {
						log.Error().Str("addr", lr.Addr).Str("err", lr.Err).Msg("link failed")
					} else {
						log.Info().Str("addr", lr.Addr).Msg("linked")
					}
				}
			})
			fmt.Printf("==> Listening on %s\n", nd.Addr())
			<-ctx.Done()
			return nil
		},
	}
}

// newNode builds a node from the CLI flags, classifying failures for
// the exit code.
func newNode(root *rootOptions, listen int, links []string) (*node.Node, error) {
	if root.separator == "" {
		return nil, fmt.Errorf("%w: empty separator set", ErrConfig)
	}
	if root.subsRate <= 0 {
		return nil, fmt.Errorf("%w: subs-rate must be positive", ErrConfig)
	}
	for _, l := range links {
		if strings.TrimSpace(l) == "" {
			return nil, fmt.Errorf("%w: empty link address", ErrConfig)
		}
	}
	nd, err := node.New(node.Options{
		ListenPort: listen,
		Links:      links,
		Separators: root.separator,
		SubsRate:   root.subsRateDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nd, nil
}
