package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nexus-im/courier/internal/api"
	"github.com/nexus-im/courier/internal/attachment"
	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/config"
	"github.com/nexus-im/courier/internal/events"
	"github.com/nexus-im/courier/internal/logger"
	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/internal/reconcile"
	"github.com/nexus-im/courier/store/conversation"
	"github.com/nexus-im/courier/store/memstore"
	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/schema"
	"github.com/nexus-im/courier/store/user"
)

type flags struct {
	configPath string
	addr       string
	migrate    bool
	mintToken  string
	devUsers   []string
}

func main() {
	var f flags
	pflag.StringVarP(&f.configPath, "config", "c", "", "path to a config file (yaml, toml or json)")
	pflag.StringVar(&f.addr, "addr", "", "http service address, overrides server.addr")
	pflag.BoolVar(&f.migrate, "migrate", false, "apply the schema and exit")
	pflag.StringVar(&f.mintToken, "mint-token", "", "print a bearer token for the named user and exit")
	pflag.StringSliceVar(&f.devUsers, "dev-users", nil, "with the memory driver, seed these usernames and log their tokens")
	pflag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the three persistence interfaces for one backend.
type stores struct {
	conversations conversation.Store
	messages      message.Store
	users         user.Store
	mem           *memstore.DB
	close         func() error
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}

	log, err := logger.New(logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, f.migrate, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}()
	if f.migrate {
		log.Info("schema applied")
		return nil
	}

	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	if f.mintToken != "" {
		u, err := st.users.GetByUsername(ctx, f.mintToken)
		if err != nil {
			return fmt.Errorf("mint token for %q: %w", f.mintToken, err)
		}
		token, err := authn.GenerateToken(u.ID, u.Username)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	if st.mem != nil {
		for _, name := range f.devUsers {
			u := st.mem.AddUser(user.User{Username: strings.TrimSpace(name)})
			token, err := authn.GenerateToken(u.ID, u.Username)
			if err != nil {
				return err
			}
			log.Info("seeded dev user", zap.String("username", u.Username), zap.String("user_id", u.ID), zap.String("token", token))
		}
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, profile cache degrades to the database", zap.Error(err))
		}
		st.users = user.NewCachedStore(st.users, rdb, cfg.Redis.ProfileCacheTTL, log.Named("profile-cache"))
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.Named("events"))
		log.Info("publishing message events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("closing event publisher", zap.Error(err))
		}
	}()

	blobs, mediaDir, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	svc := messaging.New(st.conversations, st.messages, st.users, attachment.NewSaver(blobs), messaging.Options{
		PollLimit:        cfg.Messaging.PollLimit,
		Location:         cfg.Location,
		DefaultAvatarURL: cfg.Messaging.DefaultAvatarURL,
		Events:           publisher,
		Logger:           log.Named("messaging"),
	})

	reconciler := reconcile.NewHandler(st.conversations, log.Named("reconcile"))
	if _, err := reconciler.Run(ctx); err != nil {
		log.Warn("startup reconciliation failed", zap.Error(err))
	}
	if cfg.Reconcile.Enabled && cfg.Redis.URL != "" {
		worker, err := reconcile.NewWorker(cfg.Redis.URL, cfg.Reconcile.Schedule, reconciler, log.Named("reconcile"))
		if err != nil {
			return err
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error("reconcile worker stopped", zap.Error(err))
			}
		}()
	}

	srv := api.New(svc, authn, log.Named("http"), api.Config{
		PollRPS:      cfg.RateLimit.PollRPS,
		PollBurst:    cfg.RateLimit.PollBurst,
		MediaDir:     mediaDir,
		MediaPrefix:  cfg.Storage.Local.BaseURL,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr), zap.String("database", cfg.Database.Driver))
		errCh <- srv.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStores(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		if migrate {
			return nil, errors.New("--migrate requires the postgres driver")
		}
		log.Warn("using the in-memory store, data is lost on exit")
		mem := memstore.New()
		return &stores{
			conversations: mem.Conversations(),
			messages:      mem.Messages(),
			users:         mem.Users(),
			mem:           mem,
			close:         func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	log.Info("connected to database")

	if migrate || cfg.Database.Migrate {
		if err := schema.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &stores{
		conversations: conversation.NewSQLStore(db),
		messages:      message.NewSQLStore(db),
		users:         user.NewSQLStore(db),
		close:         db.Close,
	}, nil
}

// openBlobStore returns the attachment store and, for local storage, the
// directory the HTTP server should expose.
func openBlobStore(ctx context.Context, cfg *config.Config) (attachment.Store, string, error) {
	switch cfg.Storage.Driver {
	case "s3":
		s3cfg := cfg.Storage.S3
		store, err := attachment.NewS3Store(ctx, s3cfg.Region, s3cfg.Bucket, s3cfg.PublicRead, s3cfg.PresignTTL)
		if err != nil {
			return nil, "", fmt.Errorf("configure s3: %w", err)
		}
		return store, "", nil
	default:
		store, err := attachment.NewDiskStore(cfg.Storage.Local.Dir, cfg.Storage.Local.BaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("configure local storage: %w", err)
		}
		return store, store.Dir(), nil
	}
}
