// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hostpool/hostpool/lib/cloudapi"
	"github.com/hostpool/hostpool/lib/hintstore"
)

// selectHost returns an existing host in the group with spare
// advertised capacity for the given VM size. Hosts carrying an
// unexpired at-capacity hint are skipped without fetching their
// instance views. Pure read: it never creates or mutates anything,
// and two calls with no intervening state change return the same
// host.
func (e *Engine) selectHost(ctx context.Context, groupName, vmSize string) (cloudapi.Host, bool, error) {
	hosts, err := e.hostViews(ctx, groupName, func(h cloudapi.Host) bool {
		return !e.hints.IsSet(hintstore.AtCapacity, h.ID)
	})
	if err != nil {
		return cloudapi.Host{}, false, err
	}
	for _, host := range hosts {
		if host.AvailableCapacity[vmSize] > 0 {
			return host, true, nil
		}
	}
	return cloudapi.Host{}, false, nil
}

// hostViews lists the hosts in the group, drops the ones rejected by
// keep (if given), and fetches the survivors' live instance views in
// parallel. Results come back sorted by host name so callers scan in
// a stable order.
func (e *Engine) hostViews(ctx context.Context, groupName string, keep func(cloudapi.Host) bool) ([]cloudapi.Host, error) {
	var listed []cloudapi.Host
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "listHosts", retryableCloudError, func() error {
		var err error
		listed, err = e.cloud.ListHosts(ctx, groupName)
		return err
	})
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var mtx sync.Mutex
	var views []cloudapi.Host
	var errs []string
	for _, host := range listed {
		if keep != nil && !keep(host) {
			continue
		}
		wg.Add(1)
		go func(hostName string) {
			defer wg.Done()
			var view cloudapi.Host
			err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getHost", retryableCloudError, func() error {
				var err error
				view, err = e.cloud.GetHost(ctx, groupName, hostName, true)
				return err
			})
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				errs = append(errs, err.Error())
				return
			}
			views = append(views, view)
		}(host.Name)
	}
	wg.Wait()
	if len(errs) > 0 {
		return nil, aggregateError("error fetching host instance views", errs)
	}
	sort.Slice(views, func(i, j int) bool {
		return strings.Compare(views[i].Name, views[j].Name) < 0
	})
	return views, nil
}
