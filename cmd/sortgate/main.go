package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/parkerroan/sortgate"
	"github.com/parkerroan/sortgate/items"
	"github.com/parkerroan/sortgate/limiter"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Port int `envconfig:"SERVER_PORT" default:"8080"`

	PreThreshold   int           `envconfig:"PRE_THRESHOLD" default:"20"`
	PreWindow      time.Duration `envconfig:"PRE_WINDOW" default:"60s"`
	PreHash        string        `envconfig:"PRE_HASH" default:"xor"`
	ExactThreshold int           `envconfig:"EXACT_THRESHOLD" default:"60"`
	ExactWindow    time.Duration `envconfig:"EXACT_WINDOW" default:"60s"`

	// Empty keeps the list in memory and disables rejection reports.
	RedisURL     string  `envconfig:"REDIS_URL" default:""`
	RedisPrefix  string  `envconfig:"REDIS_PREFIX" default:"sortgate"`
	ReportStream string  `envconfig:"REPORT_STREAM" default:"sortgate:rejections"`
	ReportRate   float64 `envconfig:"REPORT_RATE" default:"10"`

	CacheEntries int64         `envconfig:"CACHE_ENTRIES" default:"1000"`
	CacheTTL     time.Duration `envconfig:"CACHE_TTL" default:"5s"`

	LogLevel slog.Level `envconfig:"LOG_LEVEL" default:"INFO"`
}

func main() {
	loadEnvFile()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	hash, err := preFilterHash(cfg.PreHash)
	if err != nil {
		return err
	}

	gateOpts := []func(*sortgate.Gate){
		sortgate.WithPreFilter(cfg.PreThreshold, cfg.PreWindow, limiter.WithHash(hash)),
		sortgate.WithExact(cfg.ExactThreshold, cfg.ExactWindow),
		sortgate.WithLogger(logger),
	}

	var store items.Store = items.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "ping redis at %s", opts.Addr)
		}

		store = items.NewRedisStore(rdb, items.WithPrefix(cfg.RedisPrefix))
		gateOpts = append(gateOpts,
			sortgate.WithBroker(sortgate.NewRedisMessageBroker(rdb,
				sortgate.WithStream(cfg.ReportStream),
				sortgate.WithCappedStream(10000),
			)),
			sortgate.WithReportLimit(cfg.ReportRate, int(cfg.ReportRate)+1),
		)
	}

	cached, err := items.NewCachedStore(store, cfg.CacheEntries, cfg.CacheTTL)
	if err != nil {
		return err
	}
	defer cached.Close()

	gate := sortgate.New(gateOpts...)
	gate.Start(ctx)

	limit, window := gate.Policy()
	logger.Info("starting server",
		slog.Int("port", cfg.Port),
		slog.String("gate_id", gate.ID()),
		slog.Int("limit", limit),
		slog.Duration("window", window),
		slog.Bool("redis", cfg.RedisURL != ""),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(gate, cached, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newRouter wraps the whole router rather than using mux middleware, which
// only runs for matched routes: 404s and 405s count against the gate too.
func newRouter(gate *sortgate.Gate, store items.Store, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()

	items.RegisterRoutes(r, store, logger)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Logging goes outermost so rejected requests are logged too.
	return LoggingMiddleware(logger)(sortgate.HTTPMiddleware(gate, sortgate.PeerAddr)(r))
}

func preFilterHash(name string) (limiter.AddrHash, error) {
	switch strings.ToLower(name) {
	case "xor", "":
		return limiter.XorAddr, nil
	case "xxhash":
		return limiter.XXHashAddr, nil
	default:
		return nil, errors.Newf("unknown PRE_HASH %q, want xor or xxhash", name)
	}
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(url string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		return opts, errors.Wrap(err, "parse REDIS_URL")
	}
	return &redis.Options{Addr: url}, nil
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and writes it to the response.
func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK, // Default to 200 OK if WriteHeader is not called.
			}
			start := time.Now()

			next.ServeHTTP(recorder, r)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.RequestURI),
				slog.Int("status", recorder.statusCode),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Error loading .env file: %s", err)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn(fmt.Sprintf("Unexpected error looking for .env file: %s", err))
	}
}
