// Package config reads the process-level settings of the credential core
// from environment variables, with sensible defaults for everything except
// the custody passphrase.
package config

import "os"

// Default values
const (
	DefaultDSN       = "loki.db"
	DefaultBaseURL   = "https://localhost:8443"
	DefaultDIDMethod = "loki"
)

// Environment variable names
const (
	EnvDSN        = "LOKI_STORE_DSN"
	EnvBaseURL    = "LOKI_BASE_URL"
	EnvDIDMethod  = "LOKI_DID_METHOD"
	EnvPassphrase = "LOKI_KEY_PASSPHRASE"
)

// DSN returns the store DSN from the environment or the default value.
func DSN() string {
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		return dsn
	}
	return DefaultDSN
}

// BaseURL returns the public base URL used to build artifact ids.
func BaseURL() string {
	if url := os.Getenv(EnvBaseURL); url != "" {
		return url
	}
	return DefaultBaseURL
}

// DIDMethod returns the DID method name minted by the issuer.
func DIDMethod() string {
	if method := os.Getenv(EnvDIDMethod); method != "" {
		return method
	}
	return DefaultDIDMethod
}

// Passphrase returns the custody passphrase. It has no default; an empty
// value is rejected by the key custody service.
func Passphrase() string {
	return os.Getenv(EnvPassphrase)
}
