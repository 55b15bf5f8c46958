// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudapi defines the control-plane collaborator contract
// for dedicated host groups, dedicated hosts, and the VMs placed on
// them, along with the Azure implementation.
package cloudapi

import (
	"context"
	"errors"
	"strings"
	"time"
)

// A RateLimitError should be returned by a ControlPlane when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a ControlPlane when the cloud
// service indicates the account cannot create more resources than
// already exist.
type QuotaError interface {
	// If true, don't create more hosts until some existing hosts
	// are destroyed. If false, don't handle the error as a quota
	// error.
	IsQuotaError() bool
	error
}

// A CapacityError is returned when the control plane reports a VM
// provisioning failure attributable to the chosen host being full
// (service error code "AllocationFailed"). It signals "try a
// different host", never a failure of the overall operation.
type CapacityError interface {
	IsCapacityError() bool
	error
}

// IsCapacityError reports whether any error in err's chain is a
// CapacityError.
func IsCapacityError(err error) bool {
	var ce CapacityError
	return errors.As(err, &ce) && ce.IsCapacityError()
}

// A NotFoundError is returned when the requested resource does not
// exist. Not retryable: absence does not self-resolve.
type NotFoundError interface {
	IsNotFoundError() bool
	error
}

// IsNotFoundError reports whether any error in err's chain is a
// NotFoundError.
func IsNotFoundError(err error) bool {
	var nfe NotFoundError
	return errors.As(err, &nfe) && nfe.IsNotFoundError()
}

// HostGroup is a logical collection of dedicated hosts sharing a
// location and fault-domain count.
type HostGroup struct {
	ID                       string
	Name                     string
	Location                 string
	PlatformFaultDomainCount int32
	AvailabilityZone         string

	// Resource ids of the hosts currently in the group, as
	// reported by the control plane.
	HostIDs []string
}

// Host is one dedicated physical server in a host group.
type Host struct {
	ID                  string
	Name                string
	GroupName           string
	Location            string
	SKU                 string
	PlatformFaultDomain int32
	ProvisioningState   string

	// AvailableCapacity maps VM size name to the number of
	// additional VMs of that size this host can still accept, as
	// last reported by the control plane. Only populated when the
	// host was fetched with its instance view; a point-in-time
	// snapshot, not continuously accurate.
	AvailableCapacity map[string]int

	// Resource ids of VMs currently placed on this host.
	AttachedVMIDs []string
}

// VM carries the placement-relevant attributes of a virtual machine.
// Image, disk, and network details are the Azure implementation's
// business (built from its own configuration), not the placement
// engine's.
type VM struct {
	ID                string
	Name              string
	Location          string
	Size              string
	HostID            string
	ProvisioningState string
	Tags              map[string]string
}

// VM provisioning states, as reported by the control plane.
// Comparison is case-insensitive.
const (
	ProvisioningSucceeded = "Succeeded"
	ProvisioningFailed    = "Failed"
	ProvisioningCreating  = "Creating"
)

// ProvisioningStateEqual compares provisioning states
// case-insensitively.
func ProvisioningStateEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// A ControlPlane manages host groups, dedicated hosts, and VMs. All
// methods are goroutine safe and block until the cloud operation
// reaches a terminal state.
type ControlPlane interface {
	CreateOrUpdateHostGroup(ctx context.Context, group HostGroup) (HostGroup, error)
	GetHostGroup(ctx context.Context, name string) (HostGroup, error)
	ListHostGroups(ctx context.Context) ([]HostGroup, error)

	// CreateOrUpdateHost creates the host named host.Name in the
	// given group, with host.SKU hardware in fault domain
	// host.PlatformFaultDomain.
	CreateOrUpdateHost(ctx context.Context, groupName string, host Host) (Host, error)

	// GetHost returns the named host. With includeInstanceView,
	// the result includes live AvailableCapacity numbers.
	GetHost(ctx context.Context, groupName, hostName string, includeInstanceView bool) (Host, error)

	// ListHosts returns all hosts in the named group, without
	// instance views.
	ListHosts(ctx context.Context, groupName string) ([]Host, error)
	DeleteHost(ctx context.Context, groupName, hostName string) error

	CreateOrUpdateVM(ctx context.Context, vm VM) (VM, error)
	GetVM(ctx context.Context, name string) (VM, error)
	DeleteVM(ctx context.Context, name string) error
	DeallocateVM(ctx context.Context, name string) error
	StartVM(ctx context.Context, name string) error
}

// ParseHostID splits a dedicated host resource id into its host group
// and host names. Resource ids look like
// .../hostGroups/<group>/hosts/<host>.
func ParseHostID(id string) (groupName, hostName string, err error) {
	parts := strings.Split(id, "/")
	for i := 0; i+3 < len(parts); i++ {
		if strings.EqualFold(parts[i], "hostGroups") && strings.EqualFold(parts[i+2], "hosts") {
			return parts[i+1], parts[i+3], nil
		}
	}
	return "", "", errors.New("malformed dedicated host resource id: " + id)
}
