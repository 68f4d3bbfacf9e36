package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/naturenet/naturenet-node/internal/auth"
	"github.com/naturenet/naturenet-node/internal/config"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/server"
	"github.com/naturenet/naturenet-node/internal/supervisor"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow record changes into the dispatcher and run the ops HTTP server and the inactivity sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	dispatcher, err := trigger.NewDispatcher(trigger.Config{
		Bindings:             rt.engine.Bindings(),
		Events:               rt.engine.Events(),
		Logger:               rt.logger,
		RetryMaxRetries:      rt.config.DispatchRetries,
		RetryInitialInterval: rt.config.DispatchRetryDelay,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dispatcher.Close(); closeErr != nil {
			rt.logger.Warn("dispatcher close failed", zap.Error(closeErr))
		}
	}()
	// A backend with a change feed reports writes from every process, including this one, so the commit hook
	// would deliver local writes twice.
	feed, followsFeed := rt.backend.(datastore.ChangeFeed)
	if !followsFeed {
		rt.logger.Warn("record store has no change feed, only writes made by this process trigger rules")
		rt.store.OnCommit(dispatcher.Publish)
	}
	rt.accounts.SetPublisher(dispatcher)

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(rt.config.OperatorSigningSecret),
		Issuer:        rt.config.OperatorIssuer,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:      validator,
		Maintenance: rt.engine,
		Accounts:    rt.accounts,
		Dispatcher:  dispatcher,
		Logger:      rt.logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(rt.logger, supervisor.TreeConfig{})
	tree.AddPipelineService(supervisor.NewRunnerService("dispatcher", supervisor.RunnerFunc(func(ctx context.Context) error {
		// A closed watermill router cannot be started again, so a failed dispatcher takes the tree down.
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Error("dispatcher stopped", zap.Error(err))
			return suture.ErrTerminateSupervisorTree
		}
		return nil
	})))

	rt.logger.Info("propagator starting",
		zap.String("address", rt.config.HTTPAddress),
		zap.String("store_backend", rt.config.StoreBackend),
		zap.Bool("change_feed", followsFeed),
		zap.String("notify_mode", rt.config.NotifyMode))
	errs := tree.ServeBackground(ctx)

	// Ingress and the ops API start once every handler is subscribed.
	select {
	case <-dispatcher.Running():
	case err := <-errs:
		return serveResult(ctx, err)
	case <-ctx.Done():
		return serveResult(ctx, <-errs)
	}

	if followsFeed {
		followConfig := datastore.FollowConfig{
			Consumer:     rt.config.FeedConsumer,
			Collections:  dispatcher.Collections(),
			PollInterval: rt.config.FeedPollInterval,
			Logger:       rt.logger,
		}
		tree.AddPipelineService(supervisor.NewRunnerService("change-feed", supervisor.RunnerFunc(func(ctx context.Context) error {
			return feed.Follow(ctx, followConfig, dispatcher.Publish)
		})))
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, httpShutdownTimeout))
	tree.AddMaintenanceService(supervisor.NewRunnerService("inactivity-sweep", supervisor.RunnerFunc(func(ctx context.Context) error {
		return rt.engine.RunPeriodicSweep(ctx, rt.config.SweepInterval)
	})))

	return serveResult(ctx, <-errs)
}

func serveResult(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func newSweepInactiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-inactive",
		Short: "Mark accounts active or inactive by their last contribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := rt.engine.SweepInactive(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Regenerate comment backlinks, geo entries and image links",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := rt.engine.Repair(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newSeedSitesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-sites <catalog.yaml>",
		Short: "Write the sites of a YAML catalog to /sites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sites, err := config.LoadSiteCatalog(args[0])
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			for _, site := range sites {
				path, err := datastore.NewPath("sites", site.ID)
				if err != nil {
					return err
				}
				fields := map[string]any{"name": site.Name, "description": site.Description}
				if len(site.Location) == 2 {
					fields["l"] = []any{site.Location[0], site.Location[1]}
				}
				if err := rt.store.Update(ctx, path, fields); err != nil {
					return fmt.Errorf("seed site %s: %w", site.ID, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d sites\n", len(sites))
			return err
		},
	}
}

func newIssueOperatorTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-operator-token",
		Short: "Print a signed operator token for the ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.OperatorSigningSecret),
				Issuer:        appConfig.OperatorIssuer,
				TokenTTL:      appConfig.OperatorTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}
