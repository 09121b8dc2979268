// Command dispatch runs the aggregation daemon sitting between the
// investigation client and the wiki back ends: the action API, the SQL
// replicas, and the live change stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wikimedia-gadgets/dispatch/internal/api"
	"github.com/wikimedia-gadgets/dispatch/internal/config"
	"github.com/wikimedia-gadgets/dispatch/internal/expander"
	"github.com/wikimedia-gadgets/dispatch/internal/jobs"
	"github.com/wikimedia-gadgets/dispatch/internal/replica"
	"github.com/wikimedia-gadgets/dispatch/internal/revstore"
	"github.com/wikimedia-gadgets/dispatch/internal/sites"
	"github.com/wikimedia-gadgets/dispatch/internal/title"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

func main() {
	root := &cobra.Command{
		Use:           "dispatch",
		Short:         "Aggregation tier for wiki copyright investigations",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	if err := root.Execute(); err != nil {
		var fatal *config.FatalError
		if errors.As(err, &fatal) {
			fmt.Fprintln(os.Stderr, "dispatch: "+fatal.Msg)
			os.Exit(fatal.Code)
		}
		fmt.Fprintln(os.Stderr, "dispatch: "+err.Error())
		os.Exit(1)
	}
}

// serve wires the component graph and blocks until a termination signal.
func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg)
	log := logrus.NewEntry(logger)

	registry := sites.NewRegistry(nil, wikiapi.UserAgent(config.Version), log)
	clients := wikiapi.NewPool(cfg.OAuthToken, config.Version, log)
	replicas := replica.NewPool(log)
	titles := title.NewNormalizer(clients)

	store, err := revstore.NewStore(revstore.Options{Autostart: true}, log)
	if err != nil {
		return err
	}

	env := &jobs.Env{
		Sites:   registry,
		Replica: replicas,
		Clients: clients,
		Titles:  titles,
		Log:     log,
	}

	server := api.New(cfg, registry, env, store, log)
	env.Expander = func(wiki *types.Wiki) *expander.Expander {
		return server.ExpanderFor(wiki)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version":    config.Version,
		"port":       cfg.Port,
		"user_agent": server.UserAgent(),
		"replicas":   replicas.Available(),
	}).Info("dispatch starting")

	defer store.StopStream()
	return server.Run(ctx)
}
