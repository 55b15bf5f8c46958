// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)
}

func (s *DurationSuite) TestUnmarshalBareSeconds(c *check.C) {
	var d Duration
	err := json.Unmarshal([]byte(`30`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.Duration(), check.Equals, 30*time.Second)
}

func (s *DurationSuite) TestUnmarshalInvalid(c *check.C) {
	var d Duration
	err := json.Unmarshal([]byte(`"five minutes"`), &d)
	c.Check(err, check.NotNil)
}
