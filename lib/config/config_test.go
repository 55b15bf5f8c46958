// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"
	"path/filepath"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestLoad(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
Listen: ":9000"
ManagementToken: xyzzy
Azure:
  SubscriptionID: sub1
  ResourceGroup: rg1
  Location: eastus
PollIntervalMin: 5s
PollIntervalMax: 15s
HostSKUByVMSize:
  Standard_D2s_v3: DSv3-Type1
CapacityTable:
  default:
    Standard_D2s_v3:
      HostSKU: DSv3-Type1
      VMsPerHost: 32
`), 0o666)
	c.Assert(err, check.IsNil)

	cfg, err := Load(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, ":9000")
	c.Check(cfg.ManagementToken, check.Equals, "xyzzy")
	c.Check(cfg.Azure.SubscriptionID, check.Equals, "sub1")
	c.Check(cfg.PollIntervalMin.Duration(), check.Equals, 5*time.Second)
	c.Check(cfg.PollIntervalMax.Duration(), check.Equals, 15*time.Second)
	// Defaults survive a partial config file.
	c.Check(cfg.MaxLockRetries, check.Equals, 5)
	c.Check(cfg.MaxRetriesToCreateVM, check.Equals, 10)
}

func (s *ConfigSuite) TestValidate(c *check.C) {
	cfg := DefaultConfig()
	c.Check(cfg.Validate(), check.ErrorMatches, `.*SubscriptionID.*`)

	cfg.Azure.SubscriptionID = "sub1"
	c.Check(cfg.Validate(), check.ErrorMatches, `.*ResourceGroup.*`)

	cfg.Azure.ResourceGroup = "rg1"
	c.Check(cfg.Validate(), check.IsNil)

	cfg.PollIntervalMin = Duration(time.Minute)
	c.Check(cfg.Validate(), check.ErrorMatches, `.*PollIntervalMin.*`)
	cfg.PollIntervalMin = Duration(time.Second)

	cfg.CapacityTable = map[string]map[string]CapacityRow{
		"eastus": {"Standard_D2s_v3": {HostSKU: "DSv3-Type1", VMsPerHost: 0}},
	}
	c.Check(cfg.Validate(), check.ErrorMatches, `.*VMsPerHost.*`)

	cfg.CapacityTable["eastus"]["Standard_D2s_v3"] = CapacityRow{VMsPerHost: 32}
	c.Check(cfg.Validate(), check.ErrorMatches, `.*HostSKU.*`)

	cfg.CapacityTable["eastus"]["Standard_D2s_v3"] = CapacityRow{HostSKU: "DSv3-Type1", VMsPerHost: 32}
	c.Check(cfg.Validate(), check.IsNil)
}

func (s *ConfigSuite) TestCapacityRowFor(c *check.C) {
	cfg := DefaultConfig()
	cfg.CapacityTable = map[string]map[string]CapacityRow{
		"eastus": {
			"Standard_D2s_v3": {HostSKU: "DSv3-Type1", VMsPerHost: 32},
		},
		"default": {
			"Standard_D2s_v3": {HostSKU: "DSv3-Type2", VMsPerHost: 48},
			"Standard_E8s_v3": {HostSKU: "ESv3-Type1", VMsPerHost: 8},
		},
	}

	// Exact location match wins over the default row.
	row, ok := cfg.CapacityRowFor("eastus", "Standard_D2s_v3")
	c.Assert(ok, check.Equals, true)
	c.Check(row.HostSKU, check.Equals, "DSv3-Type1")

	// Unlisted location falls back to default.
	row, ok = cfg.CapacityRowFor("westeurope", "Standard_D2s_v3")
	c.Assert(ok, check.Equals, true)
	c.Check(row.HostSKU, check.Equals, "DSv3-Type2")

	// Listed location without the size also falls back.
	row, ok = cfg.CapacityRowFor("eastus", "Standard_E8s_v3")
	c.Assert(ok, check.Equals, true)
	c.Check(row.HostSKU, check.Equals, "ESv3-Type1")

	_, ok = cfg.CapacityRowFor("eastus", "Standard_M128")
	c.Check(ok, check.Equals, false)
}
