// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string
	DatabaseURL string
	PluginDir   string
	LogLevel    string

	// クリアキープラグイン設定
	ClearKeyMaxSessions int
	KMSKeyName          string
	LocalWrapKey        string

	// SignRSA許可対象の呼び出し元PID（同一プロセスは常に許可）
	CertAllowedPIDs []int

	// OpenTelemetry設定
	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PluginDir:           getEnv("PLUGIN_DIR", "/vendor/lib/mediadrm"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		ClearKeyMaxSessions: getEnvInt("CLEARKEY_MAX_SESSIONS", 8),
		KMSKeyName:          os.Getenv("KMS_KEY_NAME"),
		LocalWrapKey:        os.Getenv("LOCAL_WRAP_KEY"),
		CertAllowedPIDs:     getEnvInts("DRM_CERT_ALLOWED_PIDS"),
		OtelEnabled:         getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:        getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:     getEnv("OTEL_SERVICE_NAME", "drm-host-service"),
		OtelSamplingRate:    getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvInts はカンマ区切りの整数リストを読み込む。不正な要素は無視する。
func getEnvInts(key string) []int {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []int
	for _, s := range strings.Split(val, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
