package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/01org/dps-for-iot/node"
)

func pubCmd(root *rootOptions) *ffcli.Command {
	fs := flag.NewFlagSet("dps pub", flag.ContinueOnError)
	root.register(fs)
	listen := fs.Int("listen", 0, "port to listen on")
	message := fs.String("m", "", "payload to publish")
	ttl := fs.Int("ttl", 0, "seconds to retain the publication")
	wait := fs.Duration("wait", 2*time.Second, "how long to wait for acknowledgements")
	var links linksFlag
	fs.Var(&links, "link", "peer address to link to (repeatable)")
	var topics topicsFlag
	fs.Var(&topics, "t", "topic to publish (repeatable)")

	return &ffcli.Command{
		Name:       "pub",
		ShortUsage: "dps pub -t TOPIC [-t TOPIC]... [-m PAYLOAD] [--ttl S] [--link HOST:PORT]",
		ShortHelp:  "Publish a payload on a set of topics",
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

			results := make(chan node.Notify, 16)
			nd.SetNotifyCallback(func(n node.Notify) { results <- n })

			// Give the link a moment to exchange interests before
			// publishing, or the fanout is empty.
			if len(links) > 0 {
				waitForLink(ctx, results)
			}

			nd.Publish(topics, []byte(*message), int16(*ttl), true)

			deadline := time.After(*wait)
			for {
				select {
				case n := <-results:
					if pr := n.PubResult; pr != nil {
						if pr.Err != "" {
							return fmt.Errorf("publish: %s", pr.Err)
						}
						fmt.Printf("==> Published %s as %s(%d)\n",
							humanize.Bytes(uint64(len(*message))), pr.PubID, pr.SeqNum)
					}
					if ae := n.AckEvent; ae != nil {
						fmt.Printf("==> Ack for %s(%d): %q\n", ae.PubID, ae.SeqNum, ae.Payload)
					}
				case <-deadline:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func waitForLink(ctx context.Context, results chan node.Notify) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-results:
			if n.LinkResult != nil {
				// Interests flow right after the link completes.
				time.Sleep(100 * time.Millisecond)
				return
			}
		case <-timeout:
			return
		case <-ctx.Done():
			return
		}
	}
}
