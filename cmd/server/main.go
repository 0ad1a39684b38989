package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/npezzotti/go-fitsocial/internal/api"
	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/config"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/feed"
	"github.com/npezzotti/go-fitsocial/internal/media"
	"github.com/npezzotti/go-fitsocial/internal/notify"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/server"
	"github.com/npezzotti/go-fitsocial/internal/stats"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/redis/go-redis/v9"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	shutdownTimeout   = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	redisAddr      string
	uploadURL      string
	signingKey     string
	migrate        bool
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", config.DefaultServerAddr, "server address")
	flag.StringVar(&dsn, "dsn", defaultDSN, "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for notification events")
	flag.StringVar(&uploadURL, "upload-url", "", "media upload endpoint")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.BoolVar(&migrate, "migrate", false, "apply database migrations on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[fitsocial] ", log.LstdFlags)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("config: ", err)
	}

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}

	if cfg.Migrate {
		logger.Println("applying migrations...")
		if err := db.Migrate(); err != nil {
			logger.Fatal("migrate: ", err)
		}
	}

	broker := stream.NewBroker(logger)

	listener, err := database.NewChangeListener(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("change listener: ", err)
	}
	listenCtx, stopListening := context.WithCancel(context.Background())
	go listener.Run(listenCtx, broker.Publish, broker.PublishAll)

	var sink notify.MultiSink
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sink = append(sink, notify.NewRedisSink(rdb))
	} else {
		logger.Println("no redis address configured, notification events are dropped")
	}
	trigger := notify.NewTrigger(db, sink, logger)

	var uploader media.Uploader
	if cfg.UploadURL != "" {
		u, err := media.NewHTTPUploader(cfg.UploadURL, nil)
		if err != nil {
			logger.Fatal("media uploader: ", err)
		}
		uploader = u
	}

	svc := server.Services{
		Messages: chat.NewMessageLog(db, broker, uploader, trigger, logger, chat.Options{
			AppendRetries: cfg.AppendRetries,
			MessageLimit:  cfg.MessageLimit,
		}),
		Ledger: chat.NewUnreadLedger(db, broker, logger),
		Feed:   feed.NewService(db, broker, uploader, trigger, logger, cfg.FeedLimit),
		Safety: safety.NewService(db, broker, logger, safety.Options{
			ReportRate:  cfg.ReportRate,
			ReportBurst: cfg.ReportBurst,
		}),
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, svc, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	srv := api.NewFitSocialApp(mux, logger, chatServer, db, svc, api.NewTokenAuth(cfg.SigningKey), cfg)

	statsUpdater.Run()
	go chatServer.Run()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalln("server:", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"fitsocial": func(ctx context.Context) error {
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}

				logger.Println("shutting down chat server...")
				if err := chatServer.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}

				stopListening()
				listener.Close()
				broker.Close()
				statsUpdater.Stop()

				if rdb != nil {
					if err := rdb.Close(); err != nil {
						errs = append(errs, err)
					}
				}
				if err := db.Close(); err != nil {
					errs = append(errs, err)
				}

				logger.Println("shutdown complete")
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	os.Exit(exitCode)
}

// loadConfig layers explicitly set flags over the config file and
// environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	override := func(name string, dst *string, v string) {
		if set[name] || *dst == "" {
			*dst = v
		}
	}
	override("addr", &cfg.ServerAddr, addr)
	override("dsn", &cfg.DatabaseDSN, dsn)
	override("redis-addr", &cfg.RedisAddr, redisAddr)
	override("upload-url", &cfg.UploadURL, uploadURL)
	override("signing-key", &cfg.SigningSecret, signingKey)

	if set["allowed-origins"] {
		cfg.AllowedOrigins = allowedOrigins
	}
	if set["migrate"] {
		cfg.Migrate = migrate
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}
