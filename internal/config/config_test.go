package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-test"

// withSecret sets the only variable without a valid default.
func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", testSecret)
}

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	withSecret(t)
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	withSecret(t)
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic, got: %v", r)
		}
	}()
	if cfg := MustLoad(); cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default = %q", cfg.APIBasePath)
	}
}

func TestLoad_Defaults(t *testing.T) {
	withSecret(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "linkage.db" || cfg.DB.DSN != "" {
		t.Fatalf("db defaults: %+v", cfg.DB)
	}
	if cfg.Tx.MaxAttempts != 5 || cfg.Tx.InitialBackoff != 20*time.Millisecond {
		t.Fatalf("tx defaults: %+v", cfg.Tx)
	}
	if cfg.Linkage.ReassignBatchSize != 500 || cfg.Linkage.HashIDMaxDraws != 8 {
		t.Fatalf("linkage defaults: %+v", cfg.Linkage)
	}
	if cfg.ResolveRPS != 2 || cfg.ResolveBurst != 5 {
		t.Fatalf("resolver limit defaults: %v %v", cfg.ResolveRPS, cfg.ResolveBurst)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.IdempotencyPurgeEvery != time.Hour {
		t.Fatalf("idempotency defaults: %v %v", cfg.IdempotencyTTL, cfg.IdempotencyPurgeEvery)
	}
	if cfg.OTEL.ServiceName != "linkage-core" || cfg.GinMode != "release" {
		t.Fatalf("otel/gin defaults: %+v %q", cfg.OTEL, cfg.GinMode)
	}
}

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	withSecret(t)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // -> release

	t.Setenv("LOG_LEVEL", "warning") // -> warn
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v2/")

	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://u:p@db/linkage?sslmode=disable")
	t.Setenv("TX_MAX_ATTEMPTS", "9")
	t.Setenv("TX_INITIAL_BACKOFF", "5ms")
	t.Setenv("REASSIGN_BATCH_SIZE", "64")
	t.Setenv("HASHID_MAX_DRAWS", "3")

	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10
	t.Setenv("RESOLVE_RPS", "0.5")
	t.Setenv("RESOLVE_BURST", "2")

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	t.Setenv("IDEMPOTENCY_TTL", "48h")
	t.Setenv("IDEMPOTENCY_PURGE_EVERY", "10m")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("logging/routing unexpected: %+v", cfg)
	}
	if cfg.DB.Driver != "postgres" || !strings.HasPrefix(cfg.DB.DSN, "postgres://") {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}
	if cfg.Tx.MaxAttempts != 9 || cfg.Tx.InitialBackoff != 5*time.Millisecond {
		t.Fatalf("tx unexpected: %+v", cfg.Tx)
	}
	if cfg.Linkage.ReassignBatchSize != 64 || cfg.Linkage.HashIDMaxDraws != 3 {
		t.Fatalf("linkage unexpected: %+v", cfg.Linkage)
	}
	if cfg.JWTSecret != testSecret {
		t.Fatalf("jwt secret not read")
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 || cfg.ResolveRPS != 0.5 || cfg.ResolveBurst != 2 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}
	if cfg.IdempotencyTTL != 48*time.Hour || cfg.IdempotencyPurgeEvery != 10*time.Minute {
		t.Fatalf("idempotency unexpected: %v %v", cfg.IdempotencyTTL, cfg.IdempotencyPurgeEvery)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// Each case triggers exactly one validation error.
func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"zero timeout", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"header bytes", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"postgres without DSN", map[string]string{"DB_DRIVER": "postgres"}, "DB_DSN"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"tx attempts", map[string]string{"TX_MAX_ATTEMPTS": "0"}, "TX_MAX_ATTEMPTS"},
		{"tx backoff", map[string]string{"TX_INITIAL_BACKOFF": "-1ms"}, "TX_INITIAL_BACKOFF"},
		{"batch size", map[string]string{"REASSIGN_BATCH_SIZE": "0"}, "REASSIGN_BATCH_SIZE"},
		{"max draws", map[string]string{"HASHID_MAX_DRAWS": "0"}, "HASHID_MAX_DRAWS"},
		{"short secret", map[string]string{"JWT_SECRET": "short"}, "JWT_SECRET"},
		{"rate rps", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"resolve burst", map[string]string{"RESOLVE_BURST": "0"}, "RESOLVE_BURST"},
		{"hsts", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"purge interval", map[string]string{"IDEMPOTENCY_PURGE_EVERY": "0s"}, "IDEMPOTENCY_PURGE_EVERY"},
		{"otel ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withSecret(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !containsErr(err, tc.want) {
				t.Fatalf("expected %s error, got: %v", tc.want, err)
			}
		})
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); !containsErr(err, "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got: %v", err)
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	t.Setenv("F_BAD", "nope")
	if getfloat("F_VALID", 0) != 3.14 || getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat mismatch")
	}
	t.Setenv("I_VALID", "42")
	t.Setenv("I_BAD", "x")
	if getint("I_VALID", 0) != 42 || getint("I_BAD", 7) != 7 {
		t.Fatalf("getint mismatch")
	}
	t.Setenv("D_VALID", "150ms")
	t.Setenv("D_BAD", "zzz")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond || getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur mismatch")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for i, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"} {
		k := "B_T_" + strconv.Itoa(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for i, v := range []string{"0", "false", "FALSE", " no ", "N", "off", "Off"} {
		k := "B_F_" + strconv.Itoa(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	t.Setenv("B_JUNK", "maybe")
	if !getbool("B_EMPTY", true) || getbool("B_JUNK", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "DB_DRIVER", "DB_DSN", "JWT_SECRET"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

func containsErr(err error, want string) bool {
	return err != nil && strings.Contains(err.Error(), want)
}

func TestLoadTuning_NoSecretNeeded(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TX_MAX_ATTEMPTS", "3")
	t.Setenv("REASSIGN_BATCH_SIZE", "50")

	tx, lk, err := LoadTuning()
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	if tx.MaxAttempts != 3 || tx.InitialBackoff != 20*time.Millisecond {
		t.Fatalf("tx = %+v", tx)
	}
	if lk.ReassignBatchSize != 50 || lk.HashIDMaxDraws != 8 {
		t.Fatalf("linkage = %+v", lk)
	}

	t.Setenv("HASHID_MAX_DRAWS", "0")
	if _, _, err := LoadTuning(); err == nil || !strings.Contains(err.Error(), "HASHID_MAX_DRAWS") {
		t.Fatalf("expected HASHID_MAX_DRAWS error, got %v", err)
	}
}
