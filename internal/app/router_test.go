package app

import (
	"testing"

	"keel.dev/keel/internal/config"
)

func TestBuildCORSConfig_EmptyOriginsStayEmpty(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:   nil,
			AllowCredentials: true,
		},
	}

	got := buildCORSConfig(cfg)
	if got.UnsafeAllowAllOrigins {
		t.Fatalf("UnsafeAllowAllOrigins = %v, want false", got.UnsafeAllowAllOrigins)
	}
	if !got.AllowCredentials {
		t.Fatalf("AllowCredentials = %v, want true", got.AllowCredentials)
	}
	if len(got.AllowedOrigins) != 0 {
		t.Fatalf("len(AllowedOrigins) = %d, want 0", len(got.AllowedOrigins))
	}
}

func TestBuildCORSConfig_StripsWildcardUnlessUnsafeFlagEnabled(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:        []string{"*", " https://example.com "},
			AllowCredentials:      true,
			UnsafeAllowAllOrigins: false,
		},
	}

	got := buildCORSConfig(cfg)
	if got.UnsafeAllowAllOrigins {
		t.Fatalf("UnsafeAllowAllOrigins = %v, want false", got.UnsafeAllowAllOrigins)
	}
	if len(got.AllowedOrigins) != 1 || got.AllowedOrigins[0] != "https://example.com" {
		t.Fatalf("AllowedOrigins = %#v, want []string{\"https://example.com\"}", got.AllowedOrigins)
	}
}

func TestBuildCORSConfig_UnsafeAllowAllDisablesCredentials(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:        []string{"*"},
			AllowCredentials:      true,
			UnsafeAllowAllOrigins: true,
		},
	}

	got := buildCORSConfig(cfg)
	if !got.UnsafeAllowAllOrigins {
		t.Fatalf("UnsafeAllowAllOrigins = %v, want true", got.UnsafeAllowAllOrigins)
	}
	if got.AllowCredentials {
		t.Fatalf("AllowCredentials = %v, want false", got.AllowCredentials)
	}
	if len(got.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %#v, want empty", got.AllowedOrigins)
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName(&config.Config{}); got != "keel" {
		t.Fatalf("serviceName() = %q, want keel", got)
	}
	cfg := &config.Config{OTel: config.OTelConfig{ServiceName: "keel-api"}}
	if got := serviceName(cfg); got != "keel-api" {
		t.Fatalf("serviceName() = %q, want keel-api", got)
	}
}
