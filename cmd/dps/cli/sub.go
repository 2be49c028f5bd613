package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/01org/dps-for-iot/node"
)

func subCmd(root *rootOptions) *ffcli.Command {
	fs := flag.NewFlagSet("dps sub", flag.ContinueOnError)
	root.register(fs)
	listen := fs.Int("listen", 0, "port to listen on")
	var links linksFlag
	fs.Var(&links, "link", "peer address to link to (repeatable)")
	var topics topicsFlag
	fs.Var(&topics, "t", "topic to subscribe to (repeatable)")

	return &ffcli.Command{
		Name:       "sub",
		ShortUsage: "dps sub -t TOPIC [-t TOPIC]... [--link HOST:PORT]",
		ShortHelp:  "Subscribe and print matching publications",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(topics) == 0 {
				return fmt.Errorf("%w: at least one -t topic is required", ErrConfig)
			}
			nd, err := newNode(root, *listen, links)
			if err != nil {
				return err
			}
			defer nd.Shutdown()

			nd.SetNotifyCallback(func(n node.Notify) {
				if se := n.SubEvent; se != nil {
					fmt.Printf("==> %s(%d) [%s] %s: %q\n",
						se.PubID, se.SeqNum, strings.Join(se.Topics, " "),
						humanize.Bytes(uint64(len(se.Payload))), se.Payload)
				}
			})
			if err := nd.Subscribe(topics); err != nil {
				return fmt.Errorf("%w: %v", ErrConfig, err)
			}
			fmt.Printf("==> Subscribed to %s on %s\n", strings.Join(topics, " "), nd.Addr())
			<-ctx.Done()
			return nil
		},
	}
}
