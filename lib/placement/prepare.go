// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"context"
	"sync"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/ctxlog"
)

// AllFaultDomains asks PrepareHostGroup to spread capacity across
// every fault domain in the group.
const AllFaultDomains = -1

// maxFaultDomainIndex is the highest single-domain request the
// capacity table supports.
const maxFaultDomainIndex = 2

// domainPlan is one step of a capacity plan: add hostsToAdd hosts in
// the given fault domain. Computed once, consumed once.
type domainPlan struct {
	domain     int32
	hostsToAdd int
}

// PrepareHostGroup pre-provisions enough dedicated hosts in the named
// group to fit vmCount VMs of the given size, spread across the
// requested fault domain (or all of them), without placing any VM.
// It returns the newly created hosts.
func (e *Engine) PrepareHostGroup(ctx context.Context, groupName, vmSize string, vmCount int, faultDomain int) ([]cloudapi.Host, error) {
	if err := requireNonEmpty("hostGroupName", groupName, "vmSize", vmSize); err != nil {
		return nil, err
	}
	if vmCount < 1 {
		return nil, validationErrorf("vmCount must be >= 1, got %d", vmCount)
	}
	// The capacity table supports fault domains 0 through 2 (plus
	// "all"), so anything outside that range is rejected before
	// any control-plane call.
	if faultDomain != AllFaultDomains && (faultDomain < 0 || faultDomain > maxFaultDomainIndex) {
		return nil, validationErrorf("fault domain %d is not in [0, %d]", faultDomain, maxFaultDomainIndex)
	}
	logger := ctxlog.FromContext(ctx).WithField("HostGroup", groupName).WithField("VMSize", vmSize)

	var group cloudapi.HostGroup
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getHostGroup", retryableCloudError, func() error {
		var err error
		group, err = e.cloud.GetHostGroup(ctx, groupName)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Validate the domain request before touching any host, so a
	// bad index costs nothing.
	var domains []int32
	if faultDomain == AllFaultDomains {
		for fd := int32(0); fd < group.PlatformFaultDomainCount; fd++ {
			domains = append(domains, fd)
		}
	} else {
		if int32(faultDomain) >= group.PlatformFaultDomainCount {
			return nil, validationErrorf("fault domain %d is not in [0, %d)", faultDomain, group.PlatformFaultDomainCount)
		}
		domains = []int32{int32(faultDomain)}
	}

	row, ok := e.cfg.CapacityRowFor(group.Location, vmSize)
	if !ok {
		return nil, configErrorf("no capacity table row for VM size %q in location %q or %q", vmSize, group.Location, "default")
	}

	hosts, err := e.hostViews(ctx, groupName, nil)
	if err != nil {
		return nil, err
	}
	availableByDomain := map[int32]int{}
	for _, host := range hosts {
		availableByDomain[host.PlatformFaultDomain] += host.AvailableCapacity[vmSize]
	}

	plan := planFaultDomains(domains, vmCount, availableByDomain, row.VMsPerHost)
	if len(plan) == 0 {
		logger.Info("host group already has enough capacity")
		return nil, nil
	}

	var wg sync.WaitGroup
	var mtx sync.Mutex
	var created []cloudapi.Host
	var errs []string
	for _, step := range plan {
		for i := 0; i < step.hostsToAdd; i++ {
			wg.Add(1)
			go func(fd int32) {
				defer wg.Done()
				name, err := newHostName()
				if err == nil {
					var host cloudapi.Host
					host, err = e.CreateHost(ctx, groupName, cloudapi.Host{
						Name:                name,
						SKU:                 row.HostSKU,
						Location:            group.Location,
						PlatformFaultDomain: fd,
					})
					if err == nil {
						mtx.Lock()
						created = append(created, host)
						mtx.Unlock()
						return
					}
				}
				mtx.Lock()
				errs = append(errs, err.Error())
				mtx.Unlock()
			}(step.domain)
		}
	}
	wg.Wait()
	if len(errs) > 0 {
		return created, aggregateError("bulk host provisioning failed", errs)
	}
	logger.WithField("HostsCreated", len(created)).Info("host group prepared")
	return created, nil
}

// planFaultDomains computes how many hosts to add in each targeted
// domain so every domain can fit its share of vmCount VMs. Both
// divisions round up: promising more headroom than truly exists is
// the unsafe direction.
func planFaultDomains(domains []int32, vmCount int, availableByDomain map[int32]int, vmsPerHost int) []domainPlan {
	needPerDomain := ceilDiv(vmCount, len(domains))
	var plan []domainPlan
	for _, fd := range domains {
		available := availableByDomain[fd]
		if needPerDomain > available {
			plan = append(plan, domainPlan{
				domain:     fd,
				hostsToAdd: ceilDiv(needPerDomain-available, vmsPerHost),
			})
		}
	}
	return plan
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
