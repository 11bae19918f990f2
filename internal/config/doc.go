// Package config provides centralized configuration management for the
// OpenProof runtime: the API server, proof and voucher storage backends,
// the voucher relay queue, wallet signature freshness, and relayer tuning
// are all declared in a single JSON file loaded at startup.
package config
