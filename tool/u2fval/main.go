/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command u2fval runs the U2F validation server and administers its
// relying party clients.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval"
	"github.com/gravitational/u2fval/lib/attestation"
	"github.com/gravitational/u2fval/lib/config"
	"github.com/gravitational/u2fval/lib/defaults"
	"github.com/gravitational/u2fval/lib/engine"
	"github.com/gravitational/u2fval/lib/storage"
	"github.com/gravitational/u2fval/lib/transaction"
	"github.com/gravitational/u2fval/lib/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("u2fval", "FIDO U2F validation server.")
	app.Version(u2fval.Version)
	configPath := app.Flag("config", "Path to the configuration file.").
		Short('c').Default(defaults.ConfigFilePath).String()
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	runCmd := app.Command("run", "Start the server.")
	runListen := runCmd.Flag("listen", "HTTP listen address.").String()
	runClient := runCmd.Flag("client", "Serve a single client, ignoring the principal header. Dev mode only.").String()

	clientCmd := app.Command("client", "Manage relying party clients.")

	createCmd := clientCmd.Command("create", "Register a new client.")
	createName := createCmd.Arg("name", "Client name.").Required().String()
	createAppID := createCmd.Flag("app-id", "U2F application identifier.").Required().String()
	createFacets := createCmd.Flag("facet", "Valid facet, repeatable.").Required().Strings()

	clientCmd.Command("list", "List client names.")

	showCmd := clientCmd.Command("show", "Show a client.")
	showName := showCmd.Arg("name", "Client name.").Required().String()

	updateCmd := clientCmd.Command("update", "Update a client.")
	updateName := updateCmd.Arg("name", "Client name.").Required().String()
	updateAppID := updateCmd.Flag("app-id", "New U2F application identifier.").String()
	updateFacets := updateCmd.Flag("facet", "New valid facet, repeatable. Replaces the facet list.").Strings()

	deleteCmd := clientCmd.Command("delete", "Delete a client and all of its data.")
	deleteName := deleteCmd.Arg("name", "Client name.").Required().String()

	dbCmd := app.Command("db", "Database administration.")
	dbCmd.Command("init", "Create the database schema.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	initLogger(cfg, *debug)

	store, err := storage.New(storage.Config{DatabaseURI: cfg.DatabaseURI})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	ctx := context.Background()
	switch command {
	case "run":
		if *runListen != "" {
			cfg.ListenAddr = *runListen
		}
		return trace.Wrap(runServer(ctx, cfg, store, *runClient))
	case "client create":
		client, err := store.CreateClient(ctx, *createName, *createAppID, *createFacets)
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("Created client %v\n", client.Name)
		return nil
	case "client list":
		names, err := store.ListClients(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "client show":
		client, err := store.GetClient(ctx, *showName)
		if err != nil {
			return trace.Wrap(err)
		}
		out, err := json.MarshalIndent(map[string]any{
			"name":        client.Name,
			"appId":       client.AppID,
			"validFacets": client.ValidFacets,
		}, "", "  ")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(string(out))
		return nil
	case "client update":
		if err := store.UpdateClient(ctx, *updateName, *updateAppID, *updateFacets); err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("Updated client %v\n", *updateName)
		return nil
	case "client delete":
		if err := store.DeleteClient(ctx, *deleteName); err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("Deleted client %v\n", *deleteName)
		return nil
	case "db init":
		return trace.Wrap(store.Init(ctx))
	}
	return trace.BadParameter("unknown command %q", command)
}

// loadConfig reads the configuration file. A missing file at the default
// location is not an error; the built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if trace.IsNotFound(err) && path == defaults.ConfigFilePath {
			cfg = &config.Config{}
			if err := cfg.CheckAndSetDefaults(); err != nil {
				return nil, trace.Wrap(err)
			}
			return cfg, nil
		}
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func initLogger(cfg *config.Config, debug bool) {
	level := cfg.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func runServer(ctx context.Context, cfg *config.Config, store *storage.Store, staticClient string) error {
	log := slog.With(u2fval.ComponentKey, u2fval.ComponentCLI)

	if err := store.Init(ctx); err != nil {
		return trace.Wrap(err)
	}

	var transactions transaction.Store
	if cfg.UseCache {
		redisStore, err := transaction.NewRedisStore(transaction.RedisConfig{
			Addrs: cfg.CacheServers,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		defer redisStore.Close()
		transactions = redisStore
	} else {
		dbStore, err := transaction.NewDBStore(transaction.DBConfig{Store: store})
		if err != nil {
			return trace.Wrap(err)
		}
		transactions = dbStore
	}

	attestationSvc, err := attestation.New(attestation.Config{
		MetadataPath: cfg.Metadata,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	eng, err := engine.New(engine.Config{
		Store:          store,
		Transactions:   transactions,
		Attestation:    attestationSvc,
		AllowUntrusted: cfg.AllowUntrusted,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.New(web.Config{
		Engine:       eng,
		Store:        store,
		ClientHeader: cfg.ClientHeader,
		StaticClient: staticClient,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		IdleTimeout: defaults.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "Server listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return trace.Wrap(server.Shutdown(shutdownCtx))
}
