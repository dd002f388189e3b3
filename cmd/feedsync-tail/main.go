// feedsync-tail is the operator's window into one feed: it opens a session
// against the configured store, follows the reconciled snapshot as push and
// poll events land, and can send messages through the same optimistic write
// path the dashboards use.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dispatchwire/feedsync/internal/config"
	"github.com/dispatchwire/feedsync/internal/feed"
	"github.com/dispatchwire/feedsync/internal/httpapi"
	"github.com/dispatchwire/feedsync/internal/logging"
	"github.com/dispatchwire/feedsync/internal/memstore"
	"github.com/dispatchwire/feedsync/internal/pgstore"
	"github.com/dispatchwire/feedsync/internal/realtime"
	"github.com/dispatchwire/feedsync/internal/reststore"
)

type options struct {
	storeDSN    string
	realtimeURL string
	realtimeKey string
	profiles    string
	feedID      string
	kind        string
	viewerID    string
	opsAddr     string
	opsToken    string
	logLevel    string
	logJSON     bool
}

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	opts := &options{}
	root := &cobra.Command{
		Use:           "feedsync-tail",
		Short:         "Follow and write to a reconciled feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.storeDSN, "store-dsn", envOr("FEEDSYNC_STORE_DSN", "memory://demo"), "store DSN (postgres://, https://, memory://)")
	flags.StringVar(&opts.realtimeURL, "realtime-url", envOr("FEEDSYNC_REALTIME_URL", ""), "websocket URL of the realtime channel; empty uses the store's own push source")
	flags.StringVar(&opts.realtimeKey, "realtime-key", envOr("FEEDSYNC_REALTIME_KEY", ""), "api key for the realtime channel")
	flags.StringVar(&opts.profiles, "profiles", envOr("FEEDSYNC_PROFILES", ""), "optional YAML file with per-kind tuning overrides")
	flags.StringVar(&opts.feedID, "feed", envOr("FEEDSYNC_FEED_ID", ""), "feed id to open")
	flags.StringVar(&opts.kind, "kind", envOr("FEEDSYNC_FEED_KIND", string(feed.KindOrderChat)), "feed kind: order_chat, support_chat or location")
	flags.StringVar(&opts.viewerID, "viewer", envOr("FEEDSYNC_VIEWER_ID", ""), "viewer id; enables read receipts and unread counting")
	flags.StringVar(&opts.logLevel, "log-level", envOr("FEEDSYNC_LOG_LEVEL", "info"), "log level")
	flags.BoolVar(&opts.logJSON, "log-json", os.Getenv("FEEDSYNC_LOG_JSON") == "true", "log JSON instead of console output")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the feed's reconciled snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), opts)
		},
	}
	tailCmd.Flags().StringVar(&opts.opsAddr, "ops-addr", envOr("FEEDSYNC_OPS_ADDR", ""), "optional listen address for the ops API (health, metrics, snapshots)")
	tailCmd.Flags().StringVar(&opts.opsToken, "ops-token", envOr("FEEDSYNC_OPS_TOKEN", ""), "bearer token guarding the ops API feed routes")

	sendCmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message and wait for the store to confirm it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, args[0])
		},
	}

	root.AddCommand(tailCmd, sendCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "feedsync-tail:", err)
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func setup(opts *options) (feed.Descriptor, feed.Store, feed.EventSource, feed.Profile, error) {
	logging.Init(logging.Config{Level: opts.logLevel, JSONOutput: opts.logJSON})

	desc := feed.Descriptor{FeedID: opts.feedID, Kind: feed.Kind(opts.kind)}
	if err := desc.Validate(); err != nil {
		return feed.Descriptor{}, nil, nil, feed.Profile{}, fmt.Errorf("a valid --feed and --kind are required: %w", err)
	}

	memstore.Register()
	pgstore.Register()
	reststore.Register()

	store, err := feed.BuildStoreFromDSN(opts.storeDSN)
	if err != nil {
		return feed.Descriptor{}, nil, nil, feed.Profile{}, err
	}

	var source feed.EventSource
	if opts.realtimeURL != "" {
		source = realtime.NewSource(opts.realtimeURL, opts.realtimeKey)
	} else {
		source, err = feed.BuildSourceFromDSN(opts.storeDSN)
		if err != nil {
			return feed.Descriptor{}, nil, nil, feed.Profile{}, fmt.Errorf("store has no push source, set --realtime-url: %w", err)
		}
	}

	profiles, err := config.Load(opts.profiles)
	if err != nil {
		return feed.Descriptor{}, nil, nil, feed.Profile{}, err
	}
	return desc, store, source, profiles.For(desc.Kind), nil
}

func runTail(ctx context.Context, opts *options) error {
	desc, store, source, profile, err := setup(opts)
	if err != nil {
		return err
	}
	log := logging.WithComponent("tail")

	sess, err := feed.Open(ctx, desc, feed.Options{
		Store:    store,
		Source:   source,
		Profile:  profile,
		ViewerID: opts.viewerID,
		Logger:   log,
		OnChange: func(items []feed.Item) {
			if len(items) == 0 {
				log.Info().Int("items", 0).Msg("snapshot changed")
				return
			}
			last := items[len(items)-1]
			log.Info().
				Int("items", len(items)).
				Str("last_id", last.ID).
				Str("last_origin", string(last.Origin)).
				Str("last_text", last.Payload.Text).
				Msg("snapshot changed")
		},
		OnWriteFailed: func(f feed.WriteFailure) {
			log.Warn().Err(f.Err).Str("draft", f.Draft.Text).Msg("write rolled back")
		},
		OnExpired: func() {
			log.Warn().Msg("feed expired")
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, it := range sess.Snapshot() {
		log.Info().Str("id", it.ID).Time("created_at", it.CreatedAt).Str("text", it.Payload.Text).Msg("history")
	}

	if opts.opsAddr != "" {
		registry := prometheus.NewRegistry()
		feed.RegisterMetrics(registry)
		ops := httpapi.NewServer(registry, httpapi.ServerConfig{AuthToken: opts.opsToken})
		ops.Attach(sess)
		go func() {
			log.Info().Str("addr", opts.opsAddr).Msg("ops api listening")
			if err := http.ListenAndServe(opts.opsAddr, ops); err != nil {
				log.Error().Err(err).Msg("ops api failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

func runSend(ctx context.Context, opts *options, text string) error {
	desc, store, source, profile, err := setup(opts)
	if err != nil {
		return err
	}
	log := logging.WithComponent("send")

	confirmed := make(chan struct{}, 1)
	failed := make(chan error, 1)
	var tempID string

	sess, err := feed.Open(ctx, desc, feed.Options{
		Store:    store,
		Source:   source,
		Profile:  profile,
		ViewerID: opts.viewerID,
		Logger:   log,
		OnChange: func(items []feed.Item) {
			for _, it := range items {
				if it.Confirmed() && it.Payload.Text == text {
					select {
					case confirmed <- struct{}{}:
					default:
					}
					return
				}
			}
		},
		OnWriteFailed: func(f feed.WriteFailure) {
			if f.ClientTempID == tempID {
				failed <- f.Err
			}
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	sender := opts.viewerID
	if sender == "" {
		sender = "feedsync-tail"
	}
	tempID, err = sess.Send(feed.Payload{Text: text, SenderID: sender, SenderKind: "company_user"})
	if err != nil {
		return err
	}

	select {
	case <-confirmed:
		log.Info().Msg("message confirmed")
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("timed out waiting for confirmation")
	}
}
