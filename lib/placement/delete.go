// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"context"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/ctxlog"
	"github.com/hostpool/hostpool/lib/hintstore"
)

// DeleteVM deletes the named VM, then reclaims its host if the host
// is left with no VMs and no concurrent placement has claimed it.
//
// No lock is taken here. The in-usage hint closes most of the window
// where a host could be deleted just as a placement claims it; the
// residual race (and its mirror image, a host kept alive slightly
// longer than needed) is accepted rather than paying for a
// distributed lock on every delete.
func (e *Engine) DeleteVM(ctx context.Context, vmName string) error {
	if err := requireNonEmpty("vmName", vmName); err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx).WithField("VM", vmName)

	var vm cloudapi.VM
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getVM", retryableCloudError, func() error {
		var err error
		vm, err = e.cloud.GetVM(ctx, vmName)
		return err
	})
	if err != nil {
		return err
	}

	err = runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "deleteVM", retryableCloudError, func() error {
		return e.cloud.DeleteVM(ctx, vmName)
	})
	if err != nil {
		return err
	}
	logger.Info("VM deleted")

	if vm.HostID == "" {
		logger.Info("VM had no resolvable host; nothing to reclaim")
		return nil
	}
	groupName, hostName, err := cloudapi.ParseHostID(vm.HostID)
	if err != nil {
		logger.WithError(err).Warn("cannot reclaim host")
		return nil
	}

	var host cloudapi.Host
	err = runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getHost", retryableCloudError, func() error {
		var err error
		host, err = e.cloud.GetHost(ctx, groupName, hostName, true)
		return err
	})
	if err != nil {
		return err
	}
	if len(host.AttachedVMIDs) > 0 {
		return nil
	}

	e.hints.Mark(hintstore.MarkedForDeletion, host.ID, e.cfg.MarkedForDeletionTTL.Duration())
	if e.hints.IsSet(hintstore.InUsage, host.ID) {
		// A concurrent placement just claimed this host. Leave
		// the deletion hint to expire on its own.
		logger.WithField("Host", hostName).Info("host is empty but in use by a concurrent placement; not deleting")
		return nil
	}
	err = runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "deleteHost", retryableCloudError, func() error {
		return e.cloud.DeleteHost(ctx, groupName, hostName)
	})
	if err != nil {
		return err
	}
	e.hints.Unmark(hintstore.MarkedForDeletion, host.ID)
	e.mHostsDeleted.Inc()
	logger.WithField("Host", hostName).Info("reclaimed empty host")
	return nil
}
