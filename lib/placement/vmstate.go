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

// Outcome classifies one control-plane submission, so the
// retry-vs-propagate decision is a function of the variant rather
// than error string matching.
type Outcome int

const (
	// Placed: the submission was accepted.
	Placed Outcome = iota

	// CapacityExhausted: the control plane reported
	// AllocationFailed, i.e. the chosen host was full. Not a
	// failure of the operation; the state machine tries a
	// different host.
	CapacityExhausted

	// Fatal: anything else, after the transient-retry budget.
	Fatal
)

func classify(err error) Outcome {
	switch {
	case err == nil:
		return Placed
	case cloudapi.IsCapacityError(err):
		return CapacityExhausted
	default:
		return Fatal
	}
}

// VMSpec describes the VM a caller wants placed.
type VMSpec struct {
	Name      string
	Size      string
	GroupName string
	Location  string
	Tags      map[string]string
}

// PlaceVM creates the VM described by spec on a dedicated host with
// spare capacity, retrying on a different host whenever the control
// plane reports the chosen host full, until provisioning reaches
// Succeeded or the attempt budget is spent.
//
// The returned VM is whatever the last create/update call produced;
// it is nil (with a nil error) when every attempt hit capacity
// exhaustion before any create succeeded. Callers must check for
// this.
func (e *Engine) PlaceVM(ctx context.Context, spec VMSpec) (*cloudapi.VM, error) {
	if err := requireNonEmpty("vmName", spec.Name, "vmSize", spec.Size, "hostGroupName", spec.GroupName); err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx).WithField("VM", spec.Name).WithField("VMSize", spec.Size)

	var lastVM *cloudapi.VM
	state := ""
	hostID := ""
	for attempt := 0; attempt < e.cfg.MaxRetriesToCreateVM; attempt++ {
		if cloudapi.ProvisioningStateEqual(state, cloudapi.ProvisioningSucceeded) {
			break
		}
		switch {
		case state == "":
			id, err := e.HostForVMPlacement(ctx, spec.GroupName, spec.Size)
			if err != nil {
				return lastVM, err
			}
			hostID = id
			e.hints.Mark(hintstore.InUsage, hostID, e.cfg.InUsageTTL.Duration())
			vm, outcome, err := e.submitVM(ctx, spec, hostID)
			switch outcome {
			case Placed:
				lastVM = &vm
			case CapacityExhausted:
				// Swallowed: mark the host so the
				// selector skips it, and try again
				// next iteration.
				logger.WithField("HostID", hostID).Info("host reported at capacity during create")
				e.hints.Mark(hintstore.AtCapacity, hostID, e.cfg.AtCapacityTTL.Duration())
				e.mPlacements.WithLabelValues("capacity_exhausted").Inc()
			case Fatal:
				return lastVM, err
			}

		case cloudapi.ProvisioningStateEqual(state, cloudapi.ProvisioningFailed):
			// The assigned host could not fit the VM after
			// all. Flag it, move the VM to a fresh host,
			// and start it.
			logger.WithField("HostID", hostID).Info("provisioning failed, reassigning VM to a different host")
			e.hints.Mark(hintstore.AtCapacity, hostID, e.cfg.AtCapacityTTL.Duration())
			e.mPlacements.WithLabelValues("capacity_exhausted").Inc()
			id, err := e.HostForVMPlacement(ctx, spec.GroupName, spec.Size)
			if err != nil {
				return lastVM, err
			}
			hostID = id
			e.hints.Mark(hintstore.InUsage, hostID, e.cfg.InUsageTTL.Duration())
			err = runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "deallocateVM", retryableCloudError, func() error {
				return e.cloud.DeallocateVM(ctx, spec.Name)
			})
			if err != nil {
				return lastVM, err
			}
			vm, outcome, err := e.submitVM(ctx, spec, hostID)
			switch outcome {
			case Fatal:
				return lastVM, err
			case CapacityExhausted:
				e.hints.Mark(hintstore.AtCapacity, hostID, e.cfg.AtCapacityTTL.Duration())
			case Placed:
				lastVM = &vm
				outcome, err := e.startVM(ctx, spec.Name)
				if outcome == Fatal {
					return lastVM, err
				}
				if outcome == CapacityExhausted {
					e.hints.Mark(hintstore.AtCapacity, hostID, e.cfg.AtCapacityTTL.Duration())
				}
			}

		default:
			// Still creating; give the control plane time
			// to converge.
		}

		if err := e.sleep(ctx, e.randomPollInterval()); err != nil {
			return lastVM, err
		}
		if lastVM != nil {
			var vm cloudapi.VM
			err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "getVM", retryableCloudError, func() error {
				var err error
				vm, err = e.cloud.GetVM(ctx, spec.Name)
				return err
			})
			if err != nil {
				return lastVM, err
			}
			lastVM = &vm
			state = vm.ProvisioningState
		}
	}

	if cloudapi.ProvisioningStateEqual(state, cloudapi.ProvisioningSucceeded) {
		e.mPlacements.WithLabelValues("placed").Inc()
	} else {
		logger.WithField("ProvisioningState", state).Info("placement attempts exhausted without reaching Succeeded")
		e.mPlacements.WithLabelValues("unresolved").Inc()
	}
	return lastVM, nil
}

// submitVM issues the VM create/update call with the VM attached to
// the given host.
func (e *Engine) submitVM(ctx context.Context, spec VMSpec, hostID string) (cloudapi.VM, Outcome, error) {
	var vm cloudapi.VM
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "createOrUpdateVM", retryableCloudError, func() error {
		var err error
		vm, err = e.cloud.CreateOrUpdateVM(ctx, cloudapi.VM{
			Name:     spec.Name,
			Location: spec.Location,
			Size:     spec.Size,
			HostID:   hostID,
			Tags:     spec.Tags,
		})
		return err
	})
	return vm, classify(err), err
}

func (e *Engine) startVM(ctx context.Context, vmName string) (Outcome, error) {
	err := runWithRetry(ctx, e.cfg.MaxCloudOpRetries, "startVM", retryableCloudError, func() error {
		return e.cloud.StartVM(ctx, vmName)
	})
	return classify(err), err
}
