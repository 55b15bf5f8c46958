// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hintstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct{}

func (*StoreSuite) TestExpiry(c *check.C) {
	now := time.Now()
	s := NewStore(prometheus.NewRegistry())
	s.SetTimeProvider(func() time.Time { return now })

	s.Mark(InUsage, "hostA", time.Millisecond)
	c.Check(s.IsSet(InUsage, "hostA"), check.Equals, true)

	// Never unmarked, but past its TTL: reads as absent.
	now = now.Add(2 * time.Millisecond)
	c.Check(s.IsSet(InUsage, "hostA"), check.Equals, false)
}

func (*StoreSuite) TestRemarkExtends(c *check.C) {
	now := time.Now()
	s := NewStore(nil)
	s.SetTimeProvider(func() time.Time { return now })

	s.Mark(AtCapacity, "hostA", time.Minute)
	now = now.Add(30 * time.Second)
	s.Mark(AtCapacity, "hostA", time.Minute)
	now = now.Add(45 * time.Second)
	c.Check(s.IsSet(AtCapacity, "hostA"), check.Equals, true)
	now = now.Add(20 * time.Second)
	c.Check(s.IsSet(AtCapacity, "hostA"), check.Equals, false)
}

func (*StoreSuite) TestCaseInsensitiveKeys(c *check.C) {
	s := NewStore(nil)
	s.Mark(MarkedForDeletion, "/subscriptions/S/hostGroups/G/hosts/HOST-1", time.Minute)
	c.Check(s.IsSet(MarkedForDeletion, "/subscriptions/s/hostgroups/g/hosts/host-1"), check.Equals, true)
	s.Unmark(MarkedForDeletion, "/SUBSCRIPTIONS/S/HOSTGROUPS/G/HOSTS/HOST-1")
	c.Check(s.IsSet(MarkedForDeletion, "/subscriptions/S/hostGroups/G/hosts/HOST-1"), check.Equals, false)
}

func (*StoreSuite) TestKindsIndependent(c *check.C) {
	s := NewStore(nil)
	s.Mark(InUsage, "hostA", time.Minute)
	c.Check(s.IsSet(AtCapacity, "hostA"), check.Equals, false)
	c.Check(s.IsSet(MarkedForDeletion, "hostA"), check.Equals, false)
	c.Check(s.IsSet(InUsage, "hostA"), check.Equals, true)
}

func (*StoreSuite) TestUnmarkAbsent(c *check.C) {
	s := NewStore(nil)
	s.Unmark(InUsage, "neverMarked")
	c.Check(s.IsSet(InUsage, "neverMarked"), check.Equals, false)
}
