// Copyright 2016 Florin Pățan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gitbot
//
// This is a Slack bot that posts blocked GitLab deployments to a channel and
// lets the people signed in to GitLab approve or reject them from Slack.
//
// Configuration is read from an optional YAML or TOML file and from the
// GITBOT_* environment variables. A .env file in the working directory is
// loaded first.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.opencensus.io/plugin/ochttp"
	"go.uber.org/zap"

	"github.com/gobridge/gitbot/bot"
	"github.com/gobridge/gitbot/config"
	"github.com/gobridge/gitbot/dsl"
	"github.com/gobridge/gitbot/gitlab"
	"github.com/gobridge/gitbot/handlers"
	"github.com/gobridge/gitbot/store"
)

var botVersion = "HEAD"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "gitbot",
	Short:        "Approve blocked GitLab deployments from Slack",
	Version:      botVersion,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Slack and GitLab endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, os.LookupEnv)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse [text...]",
	Short: "Show how the text of a slash command is understood",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dsl.Parse(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%T %s\n", c, c)
		return nil
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	rootCmd.AddCommand(serveCmd, parseCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	opts := store.Options{
		StateTTL: cfg.StateTTL.Duration,
		UserTTL:  cfg.UserTTL.Duration,
	}
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(opts), nil
	case config.DriverSQLite, config.DriverPostgres:
		return store.OpenSQL(ctx, cfg.Driver, cfg.DSN, opts)
	case config.DriverDatastore:
		ds, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("connecting to datastore: %w", err)
		}
		return store.NewDatastore(ds, opts), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &ochttp.Transport{
			Base: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   15 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	httpClient := newHTTPClient()
	gl, err := gitlab.New(httpClient, cfg.GitLab.URL, cfg.GitLab.BotToken, cfg.GitLab.RequestsPerSecond, log.Named("gitlab").Sugar().Debugf)
	if err != nil {
		return err
	}
	oauth := gitlab.NewOAuth(httpClient, cfg.GitLab.URL, cfg.GitLab.AppID, cfg.GitLab.Secret, cfg.RedirectURL(), cfg.GitLab.Scopes)
	chat := slack.New(cfg.Slack.BotToken, slack.OptionHTTPClient(httpClient))

	hlog := log.Named("handlers")
	approval := handlers.PipelineApproval(gl, oauth, st, cfg.Command, hlog)
	b := bot.New(bot.Config{
		SigningSecret: cfg.Slack.SigningSecret,
		WebhookSecret: cfg.GitLab.WebhookSecret,
		Timeout:       cfg.HandlerTimeout.Duration,
		Handlers: bot.Handlers{
			Help:           handlers.Help(cfg.Command),
			Login:          handlers.Login(st, oauth, hlog),
			Status:         handlers.Status(gl, st, st, hlog),
			ProjectHelp:    handlers.ProjectHelp(cfg.Command),
			ProjectConnect: handlers.ProjectConnect(gl, st, cfg.HookURL(), cfg.GitLab.WebhookSecret, hlog),
		},
		Actions: map[string]bot.ActionHandler{
			handlers.ApproveActionID: approval,
			handlers.RejectActionID:  approval,
		},
		Pipelines:  handlers.BlockedPipeline(gl, chat, hlog),
		Projects:   st,
		HTTPClient: httpClient,
		Log:        log.Named("bot"),
	})

	r := mux.NewRouter()
	b.Routes(r)
	r.Handle("/gitlab-oauth-redirect", handlers.GitLabOAuthRedirect(st, st, oauth, gl, b.Responder, cfg.Command, hlog)).Methods(http.MethodGet)
	install := handlers.NewSlackInstaller(httpClient, cfg.Slack.ClientID, cfg.Slack.ClientSecret, cfg.SlackRedirectURL())
	r.Handle("/slack-oauth-redirect", handlers.SlackOAuthRedirect(install, hlog)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           &ochttp.Handler{Handler: r},
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := store.NewSweeper(st, cfg.Store.SweepInterval.Duration, log.Named("store").Sugar().Infof)
	go sweeper.Run(sweepCtx)

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("version", botVersion))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutting down server", zap.Error(err))
		}
	}

	stopSweep()
	b.Wait()
	return nil
}
