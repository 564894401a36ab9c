// Command keystone runs an end-to-end scenario against an in-memory store or
// DynamoDB: create, read, update, a stale update, an indexed lookup, a
// transaction, a paginated query and a delete.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacentio/keystone/dynamo"
	"github.com/jacentio/keystone/memstore"
	"github.com/jacentio/keystone/store"
)

type options struct {
	backend      string
	profile      string
	region       string
	endpoint     string
	entityTable  string
	indexTable   string
	createTables bool
	verbose      bool
}

func main() {
	defaults := dynamo.DefaultConfig()
	var opts options
	flag.StringVar(&opts.backend, "backend", "memory", "Store backend: memory or dynamo")
	flag.StringVar(&opts.profile, "profile", "", "AWS shared config profile")
	flag.StringVar(&opts.region, "region", "", "AWS region")
	flag.StringVar(&opts.endpoint, "endpoint", "", "DynamoDB endpoint override (e.g. http://localhost:8000)")
	flag.StringVar(&opts.entityTable, "entity-table", defaults.EntityTable, "Entity table name")
	flag.StringVar(&opts.indexTable, "index-table", defaults.IndexTable, "Index table name")
	flag.BoolVar(&opts.createTables, "create-tables", false, "Create the tables before and delete them after the run")
	flag.BoolVar(&opts.verbose, "verbose", false, "Log every remote call")
	flag.Parse()

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(context.Background(), opts, &logger); err != nil {
		logger.Error().Err(err).Msg("scenario failed")
		os.Exit(1)
	}
	logger.Info().Msg("scenario passed")
}

func run(ctx context.Context, opts options, logger *zerolog.Logger) error {
	var conn store.Connection
	switch opts.backend {
	case "memory":
		conn = memstore.New(memstore.WithLogger(*logger))
	case "dynamo":
		cfg := dynamo.Config{EntityTable: opts.entityTable, IndexTable: opts.indexTable, Logger: logger}
		c, client, err := dynamo.Open(ctx, dynamo.OpenOptions{
			Profile:  opts.profile,
			Region:   opts.region,
			Endpoint: opts.endpoint,
		}, cfg)
		if err != nil {
			return err
		}
		if opts.createTables {
			if err := dynamo.CreateTables(ctx, client, cfg); err != nil {
				return err
			}
			defer func() {
				if err := dynamo.DeleteTables(context.Background(), client, cfg); err != nil {
					logger.Warn().Err(err).Msg("delete tables")
				}
			}()
		}
		conn = c
	default:
		return fmt.Errorf("unknown backend %q", opts.backend)
	}

	reg := store.NewRegistry()
	reg.MustRegister(store.Kind{
		Name:      "Account",
		Versioned: true,
		PageSize:  2,
		Properties: []store.Property{
			{Name: "Name", StorageName: "name", Type: store.TypeString},
			{Name: "Email", StorageName: "email", Type: store.TypeString, Indexed: true},
			{Name: "Team", StorageName: "team", Type: store.TypeString, Indexed: true},
			{Name: "Balance", StorageName: "balance", Type: store.TypeInt, Optional: true},
		},
	})

	cfg := store.DefaultConfig()
	cfg.Logger = logger
	return scenario(ctx, store.New(conn, reg, cfg), logger)
}

func scenario(ctx context.Context, s *store.Store, logger *zerolog.Logger) error {
	team := "team-" + uuid.NewString()[:8]
	newAccount := func(name string) *store.Entity {
		return store.NewEntity("Account").
			Set("Name", store.String(name)).
			Set("Email", store.String(name+"@"+team+".example")).
			Set("Team", store.String(team))
	}

	alice, err := s.Create(ctx, newAccount("alice"))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger.Info().Stringer("key", alice.Key).Int64("version", alice.Version).Msg("created")

	got, err := s.Get(ctx, alice.Key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !got.Equal(alice) {
		return fmt.Errorf("get: read back %v, wrote %v", got, alice)
	}

	updated, err := s.Update(ctx, got.Clone().Set("Balance", store.Int(100)))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	logger.Info().Stringer("key", updated.Key).Int64("version", updated.Version).Msg("updated")

	_, err = s.Update(ctx, got.Clone().Set("Balance", store.Int(-1)))
	if !errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("stale update: expected version conflict, got %v", err)
	}
	logger.Info().Msg("stale update rejected")

	found, err := s.GetOneBy(ctx, "Account", "Email", store.String("alice@"+team+".example"))
	if err != nil {
		return fmt.Errorf("get one by email: %w", err)
	}
	if !found.Key.Equal(alice.Key) {
		return fmt.Errorf("get one by email: found %s", found.Key)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	for _, name := range []string{"bob", "carol", "dave"} {
		if err := tx.PushSave(newAccount(name)); err != nil {
			tx.Abandon(ctx)
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	if err := tx.PushSave(updated.Clone().Set("Balance", store.Int(50))); err != nil {
		tx.Abandon(ctx)
		return err
	}
	results, err := tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.Info().Int("operations", len(results)).Msg("transaction committed")

	it, err := s.GetBy(ctx, "Account", "Team", store.String(team), 0)
	if err != nil {
		return fmt.Errorf("get by team: %w", err)
	}
	var members []*store.Entity
	for {
		e, err := it.Next(ctx)
		if errors.Is(err, store.ErrIteratorDone) {
			break
		}
		if err != nil {
			return fmt.Errorf("iterate: %w", err)
		}
		members = append(members, e)
	}
	if len(members) != 4 {
		return fmt.Errorf("get by team: found %d accounts, expected 4", len(members))
	}
	logger.Info().Int("accounts", len(members)).Int("pages", it.Pages()).Msg("queried team")

	for _, e := range members {
		if err := s.DeleteEntity(ctx, e); err != nil {
			return fmt.Errorf("delete %s: %w", e.Key, err)
		}
	}
	if _, err := s.Get(ctx, alice.Key); !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get after delete: expected not found, got %v", err)
	}
	logger.Info().Int("accounts", len(members)).Msg("deleted")
	return nil
}
