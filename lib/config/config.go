// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads and validates the hostpool service
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/hostpool/hostpool/lib/cloudapi"
)

// DefaultLocation is the key in CapacityTable that applies when no
// row matches the host group's actual location.
const DefaultLocation = "default"

// CapacityRow describes how a VM size maps onto dedicated-host
// hardware in one location: which host SKU to provision, and how many
// VMs of that size one host accepts.
type CapacityRow struct {
	HostSKU    string
	VMsPerHost int
}

// Config is the top-level configuration for the hostpool service.
type Config struct {
	Listen          string
	ManagementToken string
	LogLevel        string
	LogFormat       string

	Azure cloudapi.AzureConfig

	// PostgreSQL connection string for the advisory-lock
	// serialization provider. Empty means locks are process-local
	// (single-node deployments and tests).
	PostgresDSN string

	// VM size name -> dedicated host SKU. A missing entry is a
	// configuration error, not a transient condition.
	HostSKUByVMSize map[string]string

	// location (or "default") -> VM size -> capacity row, used by
	// the bulk provisioner.
	CapacityTable map[string]map[string]CapacityRow

	// Fault-domain count applied when a host group is created
	// lazily during placement.
	DefaultFaultDomainCount int32

	// Tuning knobs.
	MaxLockRetries       int
	MaxCloudOpRetries    int
	MaxRetriesToCreateVM int
	PollIntervalMin      Duration
	PollIntervalMax      Duration
	InUsageTTL           Duration
	AtCapacityTTL        Duration
	MarkedForDeletionTTL Duration
}

// DefaultConfig returns a Config with all tuning knobs set to their
// defaults and no credentials.
func DefaultConfig() Config {
	return Config{
		Listen:                  ":9310",
		LogLevel:                "info",
		LogFormat:               "json",
		DefaultFaultDomainCount: 1,
		MaxLockRetries:          5,
		MaxCloudOpRetries:       5,
		MaxRetriesToCreateVM:    10,
		PollIntervalMin:         Duration(10 * time.Second),
		PollIntervalMax:         Duration(30 * time.Second),
		InUsageTTL:              Duration(10 * time.Minute),
		AtCapacityTTL:           Duration(10 * time.Minute),
		MarkedForDeletionTTL:    Duration(10 * time.Minute),
	}
}

// Load reads, parses, and validates the YAML config file at path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as
// confusing runtime errors.
func (cfg Config) Validate() error {
	if cfg.Azure.SubscriptionID == "" {
		return fmt.Errorf("configuration error: Azure.SubscriptionID is not set")
	}
	if cfg.Azure.ResourceGroup == "" {
		return fmt.Errorf("configuration error: Azure.ResourceGroup is not set")
	}
	if cfg.PollIntervalMin.Duration() > cfg.PollIntervalMax.Duration() {
		return fmt.Errorf("configuration error: PollIntervalMin %v exceeds PollIntervalMax %v", cfg.PollIntervalMin, cfg.PollIntervalMax)
	}
	for loc, rows := range cfg.CapacityTable {
		for size, row := range rows {
			if row.HostSKU == "" {
				return fmt.Errorf("configuration error: CapacityTable[%q][%q] has no HostSKU", loc, size)
			}
			if row.VMsPerHost < 1 {
				return fmt.Errorf("configuration error: CapacityTable[%q][%q] has VMsPerHost %d", loc, size, row.VMsPerHost)
			}
		}
	}
	return nil
}

// HostSKUForVMSize resolves the dedicated host SKU for the given VM
// size from the static mapping table.
func (cfg Config) HostSKUForVMSize(vmSize string) (string, bool) {
	sku, ok := cfg.HostSKUByVMSize[vmSize]
	return sku, ok
}

// CapacityRowFor returns the capacity row for the given location and
// VM size, falling back to the "default" location row.
func (cfg Config) CapacityRowFor(location, vmSize string) (CapacityRow, bool) {
	if rows, ok := cfg.CapacityTable[location]; ok {
		if row, ok := rows[vmSize]; ok {
			return row, true
		}
	}
	if rows, ok := cfg.CapacityTable[DefaultLocation]; ok {
		if row, ok := rows[vmSize]; ok {
			return row, true
		}
	}
	return CapacityRow{}, false
}
