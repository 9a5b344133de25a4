package main

import (
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"

	"megagram/chat"
	"megagram/feed"
	"megagram/logging"
)

var (
	watchPeers  []string
	watchGroups []string
	feedAddr    string
)

func init() {
	serveCmd.Flags().StringSliceVar(&watchPeers, "peer", nil,
		"Peer address to keep in sync. Repeatable.")
	serveCmd.Flags().StringSliceVar(&watchGroups, "group", nil,
		"Group id to keep in sync. Repeatable.")
	serveCmd.Flags().StringVar(&feedAddr, "listen", "",
		"Address of the websocket feed. Defaults to the configured feed address.")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep conversations in sync and stream them over a websocket feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(a *app) error {
			memLog, err := logging.NewMemoryLog(jww.LevelDebug, logging.DefaultMemoryLogSize)
			if err != nil {
				return err
			}
			logging.AddListener(memLog.Listen)
			defer logging.ResetListeners()

			interval := time.Duration(a.cfg.PollIntervalSeconds) * time.Second
			poller := chat.NewPoller(a.engine, interval, nil)
			for _, peer := range watchPeers {
				if _, err := poller.Watch(peer, false); err != nil {
					return err
				}
			}
			for _, group := range watchGroups {
				if _, err := poller.Watch(group, true); err != nil {
					return err
				}
			}

			addr := feedAddr
			if addr == "" {
				addr = a.cfg.FeedAddress
			}
			hub := feed.NewHub()
			srv := feed.NewServer(addr, hub, memLog)

			jww.INFO.Printf("serving %d conversations, feed on ws://%s/ws", len(poller.Watched()), addr)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return hub.Run(ctx, a.engine) })
			g.Go(func() error { return poller.Run(ctx) })
			g.Go(func() error { return feed.Serve(ctx, srv) })
			return g.Wait()
		})
	},
}
