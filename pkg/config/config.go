// Package config centralizes the environment-sourced settings shared
// by cmd/gateway and cmd/anchor, following the teacher's flat
// os.Getenv-with-default style rather than a struct-tag binding
// library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full set of settings either binary may need. Each
// binary reads only the fields it uses.
type Config struct {
	ListenAddr string

	UpstreamURL       string
	RegistryAddress   string
	RPCURL            string
	FacilitatorKeyHex string

	RedisAddr string

	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string
	ServiceName  string

	DefaultUser  string
	DefaultAgent string

	AdminBearerToken string

	CacheNamespace string

	AnchorMode         string
	AnchorEpochSeconds int
	AnchorBatchSize    int

	MaxBodyBytes int64
}

// Load reads the process environment into a Config, applying the same
// defaults the teacher's main.go hardcodes inline.
func Load() Config {
	return Config{
		ListenAddr: env("LISTEN_ADDR", ":8080"),

		UpstreamURL:       env("UPSTREAM_URL", ""),
		RegistryAddress:   env("REGISTRY_ADDRESS", ""),
		RPCURL:            env("RPC_URL", ""),
		FacilitatorKeyHex: env("FACILITATOR_KEY", ""),

		RedisAddr: env("REDIS_ADDR", "localhost:6379"),

		DatabaseURL: env("DATABASE_URL", ""),

		KafkaBrokers: envList("KAFKA_BROKERS", nil),
		KafkaTopic:   env("KAFKA_TOPIC", "aegis.decisions"),

		OTLPEndpoint: env("OTLP_ENDPOINT", ""),
		ServiceName:  env("SERVICE_NAME", "aegis-gateway"),

		DefaultUser:  env("DEFAULT_USER", ""),
		DefaultAgent: env("DEFAULT_AGENT", ""),

		AdminBearerToken: env("ADMIN_BEARER_TOKEN", ""),

		CacheNamespace: env("CACHE_NAMESPACE", "aegis"),

		AnchorMode:         env("ANCHOR_MODE", "continuous"),
		AnchorEpochSeconds: envInt("ANCHOR_EPOCH_SECONDS", 900),
		AnchorBatchSize:    envInt("ANCHOR_BATCH_SIZE", 20),

		MaxBodyBytes: int64(envInt("MAX_BODY_BYTES", 1<<20)),
	}
}

// RequiredForGateway lists the settings the gateway cannot start
// without, checked by Validate at startup.
func (c Config) RequiredForGateway() map[string]string {
	return map[string]string{
		"UPSTREAM_URL":     c.UpstreamURL,
		"REGISTRY_ADDRESS": c.RegistryAddress,
		"RPC_URL":          c.RPCURL,
	}
}

// RequiredForAnchor lists the settings the standalone anchor binary
// cannot start without.
func (c Config) RequiredForAnchor() map[string]string {
	return map[string]string{
		"REGISTRY_ADDRESS": c.RegistryAddress,
		"RPC_URL":          c.RPCURL,
		"FACILITATOR_KEY":  c.FacilitatorKeyHex,
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envList(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every missing key in required, for a single
// combined startup error rather than failing on the first field.
func Validate(required map[string]string) error {
	var missing []string
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
}
