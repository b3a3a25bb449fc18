package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// loadEnv applies environment overrides. Unset variables leave the
// current value alone; malformed values are reported, not ignored.
func (c *Config) loadEnv() error {
	var problems []string

	readString("INGESTION_HOST", &c.Server.Host)
	readString("INGESTION_UNIX_SOCKET", &c.Server.UnixSocketPath)
	readString("INGESTION_WATCH_DIR", &c.Server.WatchDir)
	readString("INGESTION_DB_PATH", &c.Storage.Path)
	readString("INGESTION_LOG_LEVEL", &c.Logger.Level)
	readInt("INGESTION_PORT", &c.Server.Port, &problems)
	readDuration("INGESTION_SHUTDOWN_GRACE", &c.Server.ShutdownGrace, &problems)

	readBool("INGESTION_REDIS_ENABLED", &c.Redis.Enabled, &problems)
	readString("INGESTION_REDIS_ADDR", &c.Redis.Addr)
	readString("INGESTION_REDIS_PASSWORD", &c.Redis.Password)
	readInt("INGESTION_REDIS_DB", &c.Redis.DB, &problems)

	readBool("INGESTION_TELEMETRY_ENABLED", &c.Telemetry.Enabled, &problems)
	readString("INGESTION_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	readString("INGESTION_ENVIRONMENT", &c.Telemetry.Environment)

	readBool("SECURITY_REQUIRE_API_KEY", &c.Security.RequireAPIKey, &problems)
	readDuration("SECURITY_RATE_LIMIT_WINDOW", &c.Security.RateLimit.Window, &problems)
	readInt("SECURITY_RATE_LIMIT_PER_IP", &c.Security.RateLimit.PerIP, &problems)
	readInt("SECURITY_RATE_LIMIT_PER_KEY", &c.Security.RateLimit.PerKey, &problems)
	readInt("SECURITY_RATE_LIMIT_PER_ENDPOINT", &c.Security.RateLimit.PerEndpoint, &problems)
	readInt("SECURITY_RATE_LIMIT_PER_CONNECTION", &c.Security.RateLimit.PerConnection, &problems)

	if raw, ok := os.LookupEnv("SECURITY_ALLOWLIST_CIDRS"); ok {
		c.Security.Allowlist.CIDRs = splitList(raw)
	}
	readString("SECURITY_ALLOWLIST_FILE", &c.Security.Allowlist.ReloadFile)
	readBool("SECURITY_ALLOW_LOCALHOST", &c.Security.Allowlist.AllowLocalhost, &problems)
	readBool("SECURITY_BLOCK_PRIVATE_NETWORKS", &c.Security.Allowlist.BlockPrivateNetworks, &problems)

	readInt64("SECURITY_MAX_PAYLOAD_BYTES", &c.Security.Payload.MaxBytes, &problems)
	readString("SECURITY_TLS_CERT_FILE", &c.Security.Transport.TLSCertFile)
	readString("SECURITY_TLS_KEY_FILE", &c.Security.Transport.TLSKeyFile)

	readString("SECURITY_AUDIT_DIR", &c.Security.Audit.Dir)
	readInt("SECURITY_AUDIT_RETENTION_DAYS", &c.Security.Audit.RetentionDays, &problems)
	readInt("SECURITY_AUDIT_ANONYMIZE_AFTER_DAYS", &c.Security.Audit.AnonymizeAfterDays, &problems)
	readBool("SECURITY_AUDIT_ALLOW_DELETION", &c.Security.Audit.AllowDataDeletion, &problems)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func readString(name string, dst *string) {
	if raw, ok := os.LookupEnv(name); ok {
		*dst = raw
	}
}

func readInt(name string, dst *int, problems *[]string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: %q is not an integer", name, raw))
		return
	}
	*dst = value
}

func readInt64(name string, dst *int64, problems *[]string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: %q is not an integer", name, raw))
		return
	}
	*dst = value
}

func readBool(name string, dst *bool, problems *[]string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: %q is not a boolean", name, raw))
		return
	}
	*dst = value
}

func readDuration(name string, dst *time.Duration, problems *[]string) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: %q is not a duration", name, raw))
		return
	}
	*dst = value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
