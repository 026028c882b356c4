// Package main はDRMホストAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"drm-host-service/config"
	"drm-host-service/internal/arbiter"
	"drm-host-service/internal/clearkey"
	"drm-host-service/internal/handler"
	"drm-host-service/internal/infra"
	"drm-host-service/internal/obs"
	drmplugin "drm-host-service/internal/plugin"
	"drm-host-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	// DB初期化（clearkeyプラグインのライセンスストア用）
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = "sqlite:clearkey.db"
		slog.Warn("DATABASE_URL is not set, using local sqlite store", "dsn", dsn)
	}
	db, err := infra.NewDB(dsn, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	if err := clearkey.Migrate(db); err != nil {
		slog.Error("failed to migrate clearkey store", "error", err)
		os.Exit(1)
	}

	// ライセンス鍵ラッパー初期化（KMS設定があればKMS、無ければローカル）
	var wrapper clearkey.KeyWrapper
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		wrapper = kmsClient
	} else {
		local, err := infra.NewLocalKeyWrapper(cfg.LocalWrapKey)
		if err != nil {
			slog.Error("failed to init local key wrapper", "error", err)
			os.Exit(1)
		}
		wrapper = local
	}

	// DI
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	store := clearkey.NewStore(db, wrapper)
	registry := drmplugin.NewRegistry()
	loader := drmplugin.NewFactoryLoader(registry, cfg.PluginDir,
		drmplugin.WithBuiltin(clearkey.BuiltinPath, clearkey.NewImage(store, cfg.ClearKeyMaxSessions)),
	)
	sessionArbiter := arbiter.NewManager(nil, metrics)
	perms := &usecase.LocalPermissionChecker{AllowedPIDs: cfg.CertAllowedPIDs}
	host := usecase.NewHost(loader, sessionArbiter, perms, metrics)
	defer host.Close()

	h := handler.NewDrmHandler(host)
	router := handler.NewRouter(h, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "plugin_dir", cfg.PluginDir)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
