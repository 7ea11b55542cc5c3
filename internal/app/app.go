// Package app はアプリケーションの起動・依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksaito/newsrelay/internal/cache"
	"github.com/ksaito/newsrelay/internal/config"
	"github.com/ksaito/newsrelay/internal/database"
	"github.com/ksaito/newsrelay/internal/dispatch"
	"github.com/ksaito/newsrelay/internal/feed"
	"github.com/ksaito/newsrelay/internal/handler"
	"github.com/ksaito/newsrelay/internal/lock"
	"github.com/ksaito/newsrelay/internal/logger"
	"github.com/ksaito/newsrelay/internal/metrics"
	"github.com/ksaito/newsrelay/internal/middleware"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/scorer"
	"github.com/ksaito/newsrelay/internal/secrets"
	"github.com/ksaito/newsrelay/internal/security"
	"github.com/ksaito/newsrelay/internal/selector"
	"github.com/ksaito/newsrelay/internal/webhook"
	"github.com/ksaito/newsrelay/internal/worker/cleanup"
	"github.com/ksaito/newsrelay/internal/worker/deliver"
	"github.com/ksaito/newsrelay/internal/worker/planner"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開いて疎通確認を行う。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	apiKeyRepo := repository.NewPostgresAPIKeyRepo(db)
	feedRepo := repository.NewPostgresFeedRepo(db)
	bundleRepo := repository.NewPostgresBundleRepo(db)
	webhookRepo := repository.NewPostgresWebhookRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)

	// 3. セキュリティ・暗号化サービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	keyring, err := secrets.NewKeyring(cfg.EncryptionKey, cfg.EncryptionKeyPrevious)
	if err != nil {
		return fmt.Errorf("failed to initialize keyring: %w", err)
	}

	// 4. ドメインサービスの初期化
	scoreClient := scorer.NewClient(cfg.ScorerURL, cfg.ScorerTimeout, slog.Default())
	articleSelector := selector.New(articleRepo, scoreClient, slog.Default())

	feedService := feed.NewService(feedRepo, bundleRepo, feed.Limits{
		MaxFeedsPerUser:   cfg.MaxFeedsPerUser,
		MaxBundlesPerUser: cfg.MaxBundlesPerUser,
		MaxFeedsPerBundle: cfg.MaxFeedsPerBundle,
	})
	webhookService := webhook.NewService(webhookRepo, feedRepo, bundleRepo, jobRepo, keyring, ssrfGuard, webhook.Limits{
		MaxWebhooksPerUser: cfg.MaxWebhooksPerUser,
		MinIntervalMinutes: cfg.MinBatchIntervalMin,
		DefaultMaxFailures: cfg.MaxWebhookFailures,
	})

	dispatcher := dispatch.NewDispatcher(ssrfGuard, sanitizer, cfg.DeliveryTimeout, emailConfig(cfg), slog.Default())

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Collector:         collector,
		APIKeyFinder:      apiKeyRepo,
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,

		FeedService:    feedService,
		BundleService:  feedService,
		WebhookService: webhookService,
		Dispatcher:     dispatcher,

		FeedRepo:    feedRepo,
		BundleRepo:  bundleRepo,
		Articles:    articleSelector,
		RenderCache: cache.New(cfg.FeedCacheTTL),

		Gatherer: registry,
		BaseURL:  cfg.BaseURL,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker は配信ワーカーモードで起動する。
// プランナー・配信ワーカー・クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	feedRepo := repository.NewPostgresFeedRepo(db)
	bundleRepo := repository.NewPostgresBundleRepo(db)
	webhookRepo := repository.NewPostgresWebhookRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)

	// 3. セキュリティ・暗号化サービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	keyring, err := secrets.NewKeyring(cfg.EncryptionKey, cfg.EncryptionKeyPrevious)
	if err != nil {
		return fmt.Errorf("failed to initialize keyring: %w", err)
	}

	// 4. ワーカー依存の初期化
	scoreClient := scorer.NewClient(cfg.ScorerURL, cfg.ScorerTimeout, slog.Default())
	articleSelector := selector.New(articleRepo, scoreClient, slog.Default())
	webhookService := webhook.NewService(webhookRepo, feedRepo, bundleRepo, jobRepo, keyring, ssrfGuard, webhook.Limits{
		MaxWebhooksPerUser: cfg.MaxWebhooksPerUser,
		MinIntervalMinutes: cfg.MinBatchIntervalMin,
		DefaultMaxFailures: cfg.MaxWebhookFailures,
	})
	dispatcher := dispatch.NewDispatcher(ssrfGuard, sanitizer, cfg.DeliveryTimeout, emailConfig(cfg), slog.Default())

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	leaseLock := lock.NewLeaseLock(db)

	deliveryPlanner := planner.NewPlanner(
		webhookRepo, jobRepo, feedRepo, bundleRepo,
		articleSelector, leaseLock, collector, slog.Default(),
		cfg.PlannerLockTTL, cfg.MaxItemsPerBatch,
	)
	deliverer := deliver.NewDeliverer(
		jobRepo, webhookRepo, articleRepo, feedRepo, bundleRepo,
		webhookService, dispatcher, collector, slog.Default(),
		cfg.DeliveryMaxConc, cfg.MaxDeliveryAttempts,
	)
	cleanupJob := cleanup.NewCleanupJob(jobRepo, slog.Default())
	cleanupJob.RetentionDays = cfg.RetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("planner_interval", cfg.PlannerInterval),
		slog.Int("max_concurrent", cfg.DeliveryMaxConc),
		slog.Int("retention_days", cfg.RetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// 配信ワーカーをバックグラウンドで起動
	go deliverer.Start(ctx, cfg.PlannerInterval)

	// プランナーをメインgoroutineで実行（ブロッキング）
	deliveryPlanner.Start(ctx, cfg.PlannerInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// emailConfig はConfigからメール配信設定を組み立てる。
func emailConfig(cfg *config.Config) dispatch.EmailConfig {
	return dispatch.EmailConfig{
		Provider:      cfg.EmailProvider,
		MailgunDomain: cfg.MailgunDomain,
		MailgunAPIKey: cfg.MailgunAPIKey,
		SMTPHost:      cfg.SMTPHost,
		SMTPPort:      cfg.SMTPPort,
		SMTPUser:      cfg.SMTPUser,
		SMTPPassword:  cfg.SMTPPassword,
		From:          cfg.EmailFrom,
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
