// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package placement is the host placement and lifecycle engine: it
// selects dedicated hosts with spare capacity for incoming VMs, grows
// the host pool when capacity runs out, drives VM provisioning to a
// terminal state, and reclaims hosts that become idle.
package placement

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/config"
	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/hostpool/hostpool/lib/hintstore"
	"github.com/hostpool/hostpool/lib/lock"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine coordinates host selection, host pool growth, VM
// provisioning, and host reclamation. It holds no authoritative
// state of its own: cloud-side records are owned by the control
// plane, and the hint store carries only TTL-bounded coordination
// hints.
type Engine struct {
	cloud  cloudapi.ControlPlane
	locker lock.Locker
	hints  *hintstore.Store
	cfg    config.Config

	// sleep is swappable so tests don't wait out real backoff
	// delays.
	sleep func(ctx context.Context, d time.Duration) error

	mtx  sync.Mutex
	rand *rand.Rand

	mHostsCreated     prometheus.Counter
	mHostsDeleted     prometheus.Counter
	mPlacements       *prometheus.CounterVec
	mPlacementSeconds prometheus.Summary
}

// New returns an Engine. reg may be nil.
func New(cloud cloudapi.ControlPlane, locker lock.Locker, hints *hintstore.Store, cfg config.Config, reg *prometheus.Registry) *Engine {
	e := &Engine{
		cloud:  cloud,
		locker: locker,
		hints:  hints,
		cfg:    cfg,
		sleep:  sleepCtx,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.registerMetrics(reg)
	return e
}

func (e *Engine) registerMetrics(reg *prometheus.Registry) {
	e.mHostsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostpool",
		Name:      "hosts_created_total",
		Help:      "Number of dedicated hosts created.",
	})
	e.mHostsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostpool",
		Name:      "hosts_deleted_total",
		Help:      "Number of dedicated hosts deleted.",
	})
	e.mPlacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpool",
		Name:      "vm_placements_total",
		Help:      "Number of VM placement attempts, by outcome.",
	}, []string{"outcome"})
	e.mPlacementSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "hostpool",
		Name:      "host_placement_seconds",
		Help:      "Time from placement request to host assignment.",
	})
	if reg != nil {
		reg.MustRegister(e.mHostsCreated, e.mHostsDeleted, e.mPlacements, e.mPlacementSeconds)
	}
}

// CreateHostGroup creates (or updates) a host group.
func (e *Engine) CreateHostGroup(ctx context.Context, group cloudapi.HostGroup) (cloudapi.HostGroup, error) {
	if err := requireNonEmpty("hostGroupName", group.Name); err != nil {
		return cloudapi.HostGroup{}, err
	}
	if group.PlatformFaultDomainCount < 1 {
		return cloudapi.HostGroup{}, configErrorf("host group %q: PlatformFaultDomainCount must be >= 1", group.Name)
	}
	var created cloudapi.HostGroup
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "createHostGroup", retryableCloudError, func() error {
		var err error
		created, err = e.cloud.CreateOrUpdateHostGroup(ctx, group)
		return err
	})
	return created, err
}

// ListHostGroups returns all host groups in scope.
func (e *Engine) ListHostGroups(ctx context.Context) ([]cloudapi.HostGroup, error) {
	var groups []cloudapi.HostGroup
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "listHostGroups", retryableCloudError, func() error {
		var err error
		groups, err = e.cloud.ListHostGroups(ctx)
		return err
	})
	return groups, err
}

// CreateHost creates one dedicated host in the named group. The
// host's SKU must already be resolved; use HostForVMPlacement or
// PrepareHostGroup to create hosts sized for a VM type.
func (e *Engine) CreateHost(ctx context.Context, groupName string, host cloudapi.Host) (cloudapi.Host, error) {
	if err := requireNonEmpty("hostGroupName", groupName, "hostName", host.Name, "hostSKU", host.SKU); err != nil {
		return cloudapi.Host{}, err
	}
	var created cloudapi.Host
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "createHost", retryableCloudError, func() error {
		var err error
		created, err = e.cloud.CreateOrUpdateHost(ctx, groupName, host)
		return err
	})
	if err == nil {
		e.mHostsCreated.Inc()
	}
	return created, err
}

// HostForVMPlacement returns the id of a host in the named group
// with spare capacity for the given VM size, creating one if
// necessary. The fast path (capacity already exists) takes no lock;
// otherwise the check-then-create critical section runs under the
// distributed lock keyed by the group's cloud identifier, so
// concurrent callers cannot each create a redundant host.
//
// The loop has no intrinsic attempt bound: it ends when a host id is
// obtained or ctx is done. Liveness depends on host creation
// eventually succeeding.
func (e *Engine) HostForVMPlacement(ctx context.Context, groupName, vmSize string) (string, error) {
	if err := requireNonEmpty("hostGroupName", groupName, "vmSize", vmSize); err != nil {
		return "", err
	}
	// Resolved before any control-plane call: a missing mapping is
	// a configuration error, not a transient condition.
	sku, ok := e.cfg.HostSKUForVMSize(vmSize)
	if !ok {
		return "", configErrorf("no host SKU mapping for VM size %q", vmSize)
	}
	logger := ctxlog.FromContext(ctx).WithField("HostGroup", groupName).WithField("VMSize", vmSize)
	start := time.Now()
	var hostID string
	for hostID == "" {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// Fast path: no locking while capacity exists.
		host, found, err := e.selectHost(ctx, groupName, vmSize)
		if err != nil {
			return "", err
		}
		if found {
			hostID = host.ID
			break
		}

		group, err := e.getOrCreateHostGroup(ctx, groupName)
		if err != nil {
			return "", err
		}

		acquired, err := e.withGroupLock(ctx, group.ID, func() error {
			// Double-checked: another caller may have
			// created a host while we waited for the
			// lock.
			host, found, err := e.selectHost(ctx, groupName, vmSize)
			if err != nil {
				return err
			}
			if found {
				hostID = host.ID
				return nil
			}
			name, err := newHostName()
			if err != nil {
				return err
			}
			fd, err := randutil.IntRange(0, int(group.PlatformFaultDomainCount))
			if err != nil {
				return err
			}
			created, err := e.CreateHost(ctx, groupName, cloudapi.Host{
				Name:                name,
				SKU:                 sku,
				Location:            group.Location,
				PlatformFaultDomain: int32(fd),
			})
			if err != nil {
				return err
			}
			logger.WithField("Host", created.Name).Info("created host")
			hostID = created.ID
			return nil
		})
		if IsConfigError(err) || ctx.Err() != nil {
			// A missing SKU mapping cannot self-resolve, so
			// looping on it would spin forever.
			if err == nil {
				err = ctx.Err()
			}
			return "", err
		}
		if err != nil {
			// Swallowed so the lock is released and the
			// outer loop re-polls the selector.
			logger.WithError(err).Warn("error in check-then-create critical section; retrying")
		} else if !acquired {
			logger.Info("could not acquire host group lock; retrying placement cycle")
		}
	}
	elapsed := time.Since(start)
	e.mPlacementSeconds.Observe(elapsed.Seconds())
	if hostID == "" {
		// Unreachable: the critical section either sets hostID
		// or returns an error.
		logger.Error("placement loop exited without a host id")
	}
	logger.WithField("Elapsed", elapsed).WithField("HostID", hostID).Info("host placement complete")
	return hostID, nil
}

// withGroupLock acquires the distributed lock for the given group
// id, retrying contention with a 2s, 4s, ... backoff up to the
// configured budget, and guarantees release on every path. It
// returns acquired=false (and nil error) when the budget is spent
// without acquiring.
func (e *Engine) withGroupLock(ctx context.Context, groupID string, fn func() error) (acquired bool, err error) {
	key := strings.ToLower(groupID)
	for attempt := 1; attempt <= e.cfg.MaxLockRetries; attempt++ {
		err := lock.With(ctx, e.locker, key, fn)
		if err != lock.ErrContended {
			return true, err
		}
		if attempt < e.cfg.MaxLockRetries {
			if err := e.sleep(ctx, backoffDelay(attempt)); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// getOrCreateHostGroup resolves the host group, creating it lazily
// with the configured defaults if it does not exist yet.
func (e *Engine) getOrCreateHostGroup(ctx context.Context, groupName string) (cloudapi.HostGroup, error) {
	var group cloudapi.HostGroup
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getHostGroup", retryableCloudError, func() error {
		var err error
		group, err = e.cloud.GetHostGroup(ctx, groupName)
		return err
	})
	if err == nil {
		return group, nil
	}
	if !cloudapi.IsNotFoundError(err) {
		return cloudapi.HostGroup{}, err
	}
	ctxlog.FromContext(ctx).WithField("HostGroup", groupName).Info("host group not found, creating it")
	return e.CreateHostGroup(ctx, cloudapi.HostGroup{
		Name:                     groupName,
		Location:                 e.cfg.Azure.Location,
		PlatformFaultDomainCount: e.cfg.DefaultFaultDomainCount,
	})
}

// randomPollInterval returns a duration drawn uniformly from the
// configured [PollIntervalMin, PollIntervalMax] window.
func (e *Engine) randomPollInterval() time.Duration {
	min := e.cfg.PollIntervalMin.Duration()
	max := e.cfg.PollIntervalMax.Duration()
	if max <= min {
		return min
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return min + time.Duration(e.rand.Int63n(int64(max-min)))
}
