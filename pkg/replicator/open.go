package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/surrealsync/pkg/config"
	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/persist"
	"github.com/surrealdb/surrealsync/pkg/resume"
	"github.com/surrealdb/surrealsync/pkg/store"
	"github.com/surrealdb/surrealsync/pkg/store/memory"
	"github.com/surrealdb/surrealsync/pkg/store/postgres"
	"github.com/surrealdb/surrealsync/pkg/store/sqlite"
	"github.com/surrealdb/surrealsync/pkg/store/surrealdb"
	"github.com/surrealdb/surrealsync/pkg/validate"
)

const DefaultS3Key = "surrealsync/queue.snapshot"

// Open builds the stores and collaborators named by cfg and returns an
// engine over them. Close the engine to release the stores.
func Open(ctx context.Context, cfg *config.Config, log logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	local, err := OpenLocal(ctx, cfg.Local)
	if err != nil {
		return nil, err
	}
	remote, err := OpenRemote(ctx, cfg.Remote)
	if err != nil {
		_ = local.Close(ctx)
		return nil, err
	}
	closeStores := func() {
		_ = local.Close(ctx)
		_ = remote.Close(ctx)
	}

	tokens, closeTokens, err := OpenTokens(ctx, cfg, local)
	if err != nil {
		closeStores()
		return nil, err
	}
	persistence, err := OpenPersistence(ctx, cfg.Persistence)
	if err != nil {
		closeStores()
		_ = closeTokens()
		return nil, err
	}

	var validator validate.Validator
	if cfg.Schema.Path != "" {
		schema, err := validate.LoadSchema(cfg.Schema.Path)
		if err != nil {
			closeStores()
			_ = closeTokens()
			return nil, err
		}
		validator = validate.NewSchemaValidator(schema)
	}

	e, err := New(Options{
		Config:      cfg,
		Local:       local,
		Remote:      remote,
		Tokens:      tokens,
		Persistence: persistence,
		Validator:   validator,
		Logger:      log,
	})
	if err != nil {
		closeStores()
		_ = closeTokens()
		return nil, err
	}
	e.closeExtra = closeTokens
	return e, nil
}

func OpenLocal(ctx context.Context, cfg config.Local) (store.DocumentStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(memory.Options{DB: "local"}), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("replicator: unknown local driver %q", cfg.Driver)
}

func OpenRemote(ctx context.Context, cfg config.Remote) (store.DocumentStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(memory.Options{DB: "remote"}), nil
	case "surrealdb":
		s, err := surrealdb.Open(ctx, surrealdb.Config{
			Endpoint:         cfg.Endpoint,
			Namespace:        cfg.Namespace,
			Database:         cfg.Database,
			Username:         cfg.Username,
			Password:         cfg.Password,
			Tables:           cfg.Tables,
			PollInterval:     cfg.PollInterval,
			ChangeBatch:      cfg.ChangeBatch,
			DefineChangefeed: cfg.DefineChangefeed,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("replicator: unknown remote driver %q", cfg.Driver)
}

func noopClose() error { return nil }

// OpenTokens returns the resume token store named by cfg. A sqlite token
// store shares the local sqlite database unless it has its own path. The
// returned function releases a database opened just for tokens.
func OpenTokens(ctx context.Context, cfg *config.Config, local store.DocumentStore) (resume.Store, func() error, error) {
	switch cfg.ResumeToken.Kind {
	case "", "memory":
		return resume.NewMemoryStore(), noopClose, nil
	case "file":
		return resume.NewFileStore(cfg.ResumeToken.Path), noopClose, nil
	case "sqlite":
		if db, ok := local.(*sqlite.Store); ok && cfg.ResumeToken.Path == "" {
			return sqlite.NewTokenStore(db, ""), noopClose, nil
		}
		path := cfg.ResumeToken.Path
		if path == "" {
			path = cfg.Local.DSN
		}
		db, err := sqlite.Open(ctx, sqlite.Config{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewTokenStore(db, ""), func() error { return db.Close(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("replicator: unknown resume token kind %q", cfg.ResumeToken.Kind)
}

// OpenPersistence returns the queue persistence named by cfg, or nil for
// none.
func OpenPersistence(ctx context.Context, cfg config.Persistence) (persist.QueuePersistence, error) {
	format, err := persist.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	codec := persist.Codec{Format: format, Compress: cfg.Compress}

	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "file":
		return persist.NewFilePersistence(cfg.Path, codec), nil
	case "s3":
		client, err := persist.NewS3Client(ctx, persist.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Key:             cfg.S3.Key,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		key := cfg.S3.Key
		if key == "" {
			key = DefaultS3Key
		}
		return persist.NewS3Persistence(client, cfg.S3.Bucket, key, codec), nil
	}
	return nil, errors.New("replicator: unknown persistence kind " + cfg.Kind)
}
