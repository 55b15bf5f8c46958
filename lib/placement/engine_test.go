// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/config"
	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/hostpool/hostpool/lib/hintstore"
	"github.com/hostpool/hostpool/lib/lock"
	"github.com/hostpool/hostpool/lib/placement/test"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

const (
	testVMSize  = "Standard_D2s_v3"
	testHostSKU = "DSv3-Type1"
)

var _ = check.Suite(&EngineSuite{})

type EngineSuite struct {
	ctx    context.Context
	cloud  *test.StubControlPlane
	hints  *hintstore.Store
	engine *Engine

	// Number of calls to the engine's (stubbed) sleep.
	sleeps int64
}

func (s *EngineSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cloud = test.NewStubControlPlane(2, testVMSize)
	s.hints = hintstore.NewStore(nil)
	s.sleeps = 0
	s.engine = s.newEngine(s.cloud, s.testConfig())
}

func (s *EngineSuite) testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Azure.SubscriptionID = "sub1"
	cfg.Azure.ResourceGroup = "rg1"
	cfg.Azure.Location = "stub-eastus"
	cfg.HostSKUByVMSize = map[string]string{testVMSize: testHostSKU}
	cfg.CapacityTable = map[string]map[string]config.CapacityRow{
		config.DefaultLocation: {
			testVMSize: {HostSKU: testHostSKU, VMsPerHost: 2},
		},
	}
	cfg.MaxRetriesToCreateVM = 4
	cfg.PollIntervalMin = config.Duration(time.Millisecond)
	cfg.PollIntervalMax = config.Duration(2 * time.Millisecond)
	return cfg
}

func (s *EngineSuite) newEngine(cloud cloudapi.ControlPlane, cfg config.Config) *Engine {
	e := New(cloud, lock.NewMemLocker(), s.hints, cfg, prometheus.NewRegistry())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		atomic.AddInt64(&s.sleeps, 1)
		return ctx.Err()
	}
	return e
}

func (s *EngineSuite) TestCreateHostGroupValidation(c *check.C) {
	_, err := s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{})
	c.Check(err, check.FitsTypeOf, ParamError{})

	_, err = s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{Name: "group1"})
	c.Check(IsConfigError(err), check.Equals, true)

	group, err := s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{Name: "group1", PlatformFaultDomainCount: 3})
	c.Assert(err, check.IsNil)
	c.Check(group.ID, check.Not(check.Equals), "")
}

func (s *EngineSuite) TestSelectHostIdempotent(c *check.C) {
	_, err := s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{Name: "group1", PlatformFaultDomainCount: 1})
	c.Assert(err, check.IsNil)
	for _, name := range []string{"host-b", "host-a"} {
		_, err = s.engine.CreateHost(s.ctx, "group1", cloudapi.Host{Name: name, SKU: testHostSKU})
		c.Assert(err, check.IsNil)
	}

	// With no intervening state change, repeated selection returns
	// the same host: the first by name with spare capacity.
	for i := 0; i < 3; i++ {
		host, found, err := s.engine.selectHost(s.ctx, "group1", testVMSize)
		c.Assert(err, check.IsNil)
		c.Assert(found, check.Equals, true)
		c.Check(host.Name, check.Equals, "host-a")
	}
}

func (s *EngineSuite) TestSelectHostSkipsAtCapacityHint(c *check.C) {
	_, err := s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{Name: "group1", PlatformFaultDomainCount: 1})
	c.Assert(err, check.IsNil)
	hostA, err := s.engine.CreateHost(s.ctx, "group1", cloudapi.Host{Name: "host-a", SKU: testHostSKU})
	c.Assert(err, check.IsNil)
	_, err = s.engine.CreateHost(s.ctx, "group1", cloudapi.Host{Name: "host-b", SKU: testHostSKU})
	c.Assert(err, check.IsNil)

	s.hints.Mark(hintstore.AtCapacity, hostA.ID, time.Minute)
	host, found, err := s.engine.selectHost(s.ctx, "group1", testVMSize)
	c.Assert(err, check.IsNil)
	c.Assert(found, check.Equals, true)
	c.Check(host.Name, check.Equals, "host-b")
}

func (s *EngineSuite) TestHostForVMPlacementCreatesGroupAndHost(c *check.C) {
	hostID, err := s.engine.HostForVMPlacement(s.ctx, "group1", testVMSize)
	c.Assert(err, check.IsNil)
	c.Check(hostID, check.Not(check.Equals), "")

	// Lazily created group carries the configured defaults.
	group, err := s.cloud.GetHostGroup(s.ctx, "group1")
	c.Assert(err, check.IsNil)
	c.Check(group.PlatformFaultDomainCount, check.Equals, int32(1))
	c.Check(group.Location, check.Equals, "stub-eastus")
	c.Check(atomic.LoadInt64(&s.cloud.CreateHostCalls), check.Equals, int64(1))
}

func (s *EngineSuite) TestHostForVMPlacementUnmappedSize(c *check.C) {
	// A nil control plane proves the engine never gets that far: a
	// missing SKU mapping must fail before any cloud call.
	engine := s.newEngine(nil, s.testConfig())
	_, err := engine.HostForVMPlacement(s.ctx, "group1", "Standard_M128")
	c.Check(IsConfigError(err), check.Equals, true)
}

func (s *EngineSuite) TestConcurrentPlacementCreatesOneHost(c *check.C) {
	_, err := s.engine.CreateHostGroup(s.ctx, cloudapi.HostGroup{Name: "group1", PlatformFaultDomainCount: 1})
	c.Assert(err, check.IsNil)

	const callers = 8
	var wg sync.WaitGroup
	hostIDs := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hostIDs[i], errs[i] = s.engine.HostForVMPlacement(s.ctx, "group1", testVMSize)
		}(i)
	}
	wg.Wait()

	// All callers converge on the same host, and the
	// check-then-create critical section ran the create exactly
	// once.
	for i := 0; i < callers; i++ {
		c.Assert(errs[i], check.IsNil)
		c.Check(hostIDs[i], check.Equals, hostIDs[0])
	}
	c.Check(atomic.LoadInt64(&s.cloud.CreateHostCalls), check.Equals, int64(1))
}

func (s *EngineSuite) TestWithGroupLockGivesUpAfterBudget(c *check.C) {
	locker := lock.NewMemLocker()
	c.Assert(locker.Lock(s.ctx, "groupid"), check.IsNil)
	engine := New(s.cloud, locker, s.hints, s.testConfig(), prometheus.NewRegistry())
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		atomic.AddInt64(&s.sleeps, 1)
		return nil
	}

	ran := false
	acquired, err := engine.withGroupLock(s.ctx, "groupid", func() error { ran = true; return nil })
	c.Check(acquired, check.Equals, false)
	c.Check(err, check.IsNil)
	c.Check(ran, check.Equals, false)
	// Backoff between attempts, but not after the last one.
	c.Check(atomic.LoadInt64(&s.sleeps), check.Equals, int64(engine.cfg.MaxLockRetries-1))
}

func (s *EngineSuite) TestPlaceVMHappyPath(c *check.C) {
	vm, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm, check.NotNil)
	c.Check(cloudapi.ProvisioningStateEqual(vm.ProvisioningState, cloudapi.ProvisioningSucceeded), check.Equals, true)
	c.Check(vm.HostID, check.Not(check.Equals), "")

	// The chosen host is flagged in-usage so a concurrent deletion
	// flow leaves it alone.
	c.Check(s.hints.IsSet(hintstore.InUsage, vm.HostID), check.Equals, true)
}

func (s *EngineSuite) TestPlaceVMValidation(c *check.C) {
	_, err := s.engine.PlaceVM(s.ctx, VMSpec{Size: testVMSize, GroupName: "group1"})
	c.Check(err, check.FitsTypeOf, ParamError{})
	_, err = s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", GroupName: "group1"})
	c.Check(err, check.FitsTypeOf, ParamError{})
}

func (s *EngineSuite) TestPlaceVMRetriesOnAllocationFailed(c *check.C) {
	var rejected int64
	s.cloud.CreateVMHook = func(vm cloudapi.VM) error {
		if atomic.AddInt64(&rejected, 1) == 1 {
			return test.CapacityError{}
		}
		return nil
	}

	vm, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm, check.NotNil)
	c.Check(cloudapi.ProvisioningStateEqual(vm.ProvisioningState, cloudapi.ProvisioningSucceeded), check.Equals, true)

	// The first host got an at-capacity hint and a second host was
	// created for the retry.
	c.Check(atomic.LoadInt64(&s.cloud.CreateHostCalls), check.Equals, int64(2))
	hosts, err := s.cloud.ListHosts(s.ctx, "group1")
	c.Assert(err, check.IsNil)
	c.Assert(hosts, check.HasLen, 2)
	for _, host := range hosts {
		if host.ID != vm.HostID {
			c.Check(s.hints.IsSet(hintstore.AtCapacity, host.ID), check.Equals, true)
		}
	}
}

func (s *EngineSuite) TestPlaceVMSecondVMFillsThenGrows(c *check.C) {
	cfg := s.testConfig()
	engine := s.newEngine(s.cloud, cfg)
	s.cloud.SizeCapacity = 1

	vm1, err := engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm1, check.NotNil)

	vm2, err := engine.PlaceVM(s.ctx, VMSpec{Name: "vm2", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm2, check.NotNil)

	c.Check(vm2.HostID, check.Not(check.Equals), vm1.HostID)
	c.Check(atomic.LoadInt64(&s.cloud.CreateHostCalls), check.Equals, int64(2))
}

func (s *EngineSuite) TestPlaceVMExhaustsRetriesWithoutError(c *check.C) {
	// Provisioning never converges: every create lands in Failed,
	// so each poll cycle reassigns the VM to a fresh host until the
	// attempt budget is spent. The caller gets the last observed
	// state, not an error.
	s.cloud.ProvisioningStateOnCreate = cloudapi.ProvisioningFailed

	vm, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm, check.NotNil)
	c.Check(cloudapi.ProvisioningStateEqual(vm.ProvisioningState, cloudapi.ProvisioningFailed), check.Equals, true)

	// MaxRetriesToCreateVM is 4: the initial placement plus one
	// reassignment per remaining Failed observation.
	c.Check(atomic.LoadInt64(&s.cloud.CreateHostCalls), check.Equals, int64(4))
}

func (s *EngineSuite) TestDeleteVMReclaimsEmptyHost(c *check.C) {
	vm, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm, check.NotNil)
	s.hints.Unmark(hintstore.InUsage, vm.HostID)

	err = s.engine.DeleteVM(s.ctx, "vm1")
	c.Assert(err, check.IsNil)

	_, err = s.cloud.GetVM(s.ctx, "vm1")
	c.Check(cloudapi.IsNotFoundError(err), check.Equals, true)
	hosts, err := s.cloud.ListHosts(s.ctx, "group1")
	c.Assert(err, check.IsNil)
	c.Check(hosts, check.HasLen, 0)
	// The tentative pre-delete flag is cleared once the host is
	// actually gone.
	c.Check(s.hints.IsSet(hintstore.MarkedForDeletion, vm.HostID), check.Equals, false)
}

func (s *EngineSuite) TestDeleteVMKeepsBusyHost(c *check.C) {
	vm1, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	vm2, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm2", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)
	c.Assert(vm2.HostID, check.Equals, vm1.HostID)
	s.hints.Unmark(hintstore.InUsage, vm1.HostID)

	err = s.engine.DeleteVM(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	hosts, err := s.cloud.ListHosts(s.ctx, "group1")
	c.Assert(err, check.IsNil)
	c.Check(hosts, check.HasLen, 1)
}

func (s *EngineSuite) TestDeleteVMRespectsInUsageHint(c *check.C) {
	vm, err := s.engine.PlaceVM(s.ctx, VMSpec{Name: "vm1", Size: testVMSize, GroupName: "group1"})
	c.Assert(err, check.IsNil)

	// The in-usage hint from the placement is still live: a
	// concurrent placement may be about to land a VM here, so the
	// host survives even though it is empty after the delete.
	err = s.engine.DeleteVM(s.ctx, "vm1")
	c.Assert(err, check.IsNil)
	hosts, err := s.cloud.ListHosts(s.ctx, "group1")
	c.Assert(err, check.IsNil)
	c.Check(hosts, check.HasLen, 1)
	c.Check(s.hints.IsSet(hintstore.MarkedForDeletion, vm.HostID), check.Equals, true)
}

func (s *EngineSuite) TestDeleteVMWithoutHost(c *check.C) {
	_, err := s.cloud.CreateOrUpdateVM(s.ctx, cloudapi.VM{Name: "vm1", Size: testVMSize})
	c.Assert(err, check.IsNil)
	c.Check(s.engine.DeleteVM(s.ctx, "vm1"), check.IsNil)
}
