package config

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FORMZ_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadCacheResyncInterval(f *testing.F) {
	f.Add("")
	f.Add("1m")
	f.Add("0s")
	f.Add("-1s")
	f.Add("soon")

	f.Fuzz(func(t *testing.T, interval string) {
		if strings.ContainsRune(interval, '\x00') {
			t.Skip()
		}

		setBaseEnv(t)
		t.Setenv("CACHE_RESYNC_INTERVAL", interval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(interval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty CACHE_RESYNC_INTERVAL", err)
			}
			if cfg.CacheResyncInterval != defaultCacheResyncInterval {
				t.Fatalf("CacheResyncInterval = %s, want %s", cfg.CacheResyncInterval, defaultCacheResyncInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for CACHE_RESYNC_INTERVAL=%q", interval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for CACHE_RESYNC_INTERVAL=%q", err, interval)
		}
		if cfg.CacheResyncInterval != parsed {
			t.Fatalf("CacheResyncInterval = %s, want %s", cfg.CacheResyncInterval, parsed)
		}
	})
}

func FuzzLoadStrictRuleOrder(f *testing.F) {
	f.Add("")
	f.Add("true")
	f.Add("0")
	f.Add("yes")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		setBaseEnv(t)
		t.Setenv("STRICT_RULE_ORDER", value)

		cfg, err := Load()
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || cfg.StrictRuleOrder {
				t.Fatalf("Load() = (%t, %v), want (false, nil)", cfg.StrictRuleOrder, err)
			}
			return
		}

		want, parseErr := strconv.ParseBool(trimmed)
		if parseErr != nil {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for STRICT_RULE_ORDER=%q", value)
			}
			return
		}
		if err != nil || cfg.StrictRuleOrder != want {
			t.Fatalf("Load() = (%t, %v), want (%t, nil)", cfg.StrictRuleOrder, err, want)
		}
	})
}
