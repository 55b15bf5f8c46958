// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides in-memory fakes for testing the placement
// engine without a real control plane.
package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hostpool/hostpool/lib/cloudapi"
)

// CapacityError simulates the control plane's AllocationFailed
// service error.
type CapacityError struct{}

func (CapacityError) Error() string         { return "AllocationFailed: host cannot fit the requested VM" }
func (CapacityError) IsCapacityError() bool { return true }

var _ cloudapi.CapacityError = CapacityError{}

// notFoundError implements cloudapi.NotFoundError.
type notFoundError struct{}

func (notFoundError) Error() string         { return "resource not found" }
func (notFoundError) IsNotFoundError() bool { return true }

// ErrNotFound is returned for missing resources.
var ErrNotFound error = notFoundError{}

// StubControlPlane is an in-memory cloudapi.ControlPlane. Hosts
// created on it advertise SizeCapacity VMs of every size; placing a
// VM decrements the advertised count for its size.
//
// The hook fields, when non-nil, run first in the corresponding
// method and may return an error to inject a failure.
type StubControlPlane struct {
	// VMs of any size one stub host can hold.
	SizeCapacity int

	// VM sizes every stub host advertises capacity for.
	Sizes []string

	// Provisioning state assigned to newly created VMs.
	ProvisioningStateOnCreate string

	CreateHostHook func(groupName string, host cloudapi.Host) error
	CreateVMHook   func(vm cloudapi.VM) error
	GetVMHook      func(name string) error

	// CreateHostCalls counts CreateOrUpdateHost invocations that
	// passed the hook.
	CreateHostCalls int64

	mtx    sync.Mutex
	groups map[string]cloudapi.HostGroup
	hosts  map[string]map[string]*cloudapi.Host
	vms    map[string]*cloudapi.VM
	serial int64
}

// NewStubControlPlane returns an empty control plane whose hosts
// each fit sizeCapacity VMs of each of the given sizes.
func NewStubControlPlane(sizeCapacity int, sizes ...string) *StubControlPlane {
	return &StubControlPlane{
		SizeCapacity:              sizeCapacity,
		Sizes:                     sizes,
		ProvisioningStateOnCreate: cloudapi.ProvisioningSucceeded,
		groups:                    map[string]cloudapi.HostGroup{},
		hosts:                     map[string]map[string]*cloudapi.Host{},
		vms:                       map[string]*cloudapi.VM{},
	}
}

func (s *StubControlPlane) CreateOrUpdateHostGroup(ctx context.Context, group cloudapi.HostGroup) (cloudapi.HostGroup, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	group.ID = "/subscriptions/stub/resourceGroups/stub/providers/Microsoft.Compute/hostGroups/" + group.Name
	s.groups[group.Name] = group
	if s.hosts[group.Name] == nil {
		s.hosts[group.Name] = map[string]*cloudapi.Host{}
	}
	return group, nil
}

func (s *StubControlPlane) GetHostGroup(ctx context.Context, name string) (cloudapi.HostGroup, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	group, ok := s.groups[name]
	if !ok {
		return cloudapi.HostGroup{}, ErrNotFound
	}
	for _, host := range s.hosts[name] {
		group.HostIDs = append(group.HostIDs, host.ID)
	}
	return group, nil
}

func (s *StubControlPlane) ListHostGroups(ctx context.Context) ([]cloudapi.HostGroup, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var groups []cloudapi.HostGroup
	for _, group := range s.groups {
		groups = append(groups, group)
	}
	return groups, nil
}

func (s *StubControlPlane) CreateOrUpdateHost(ctx context.Context, groupName string, host cloudapi.Host) (cloudapi.Host, error) {
	if s.CreateHostHook != nil {
		if err := s.CreateHostHook(groupName, host); err != nil {
			return cloudapi.Host{}, err
		}
	}
	atomic.AddInt64(&s.CreateHostCalls, 1)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.groups[groupName]; !ok {
		return cloudapi.Host{}, ErrNotFound
	}
	host.ID = s.groups[groupName].ID + "/hosts/" + host.Name
	host.GroupName = groupName
	host.ProvisioningState = cloudapi.ProvisioningSucceeded
	if s.hosts[groupName] == nil {
		s.hosts[groupName] = map[string]*cloudapi.Host{}
	}
	stored := host
	s.hosts[groupName][host.Name] = &stored
	return host, nil
}

func (s *StubControlPlane) GetHost(ctx context.Context, groupName, hostName string, includeInstanceView bool) (cloudapi.Host, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	host, ok := s.hosts[groupName][hostName]
	if !ok {
		return cloudapi.Host{}, ErrNotFound
	}
	out := *host
	if includeInstanceView {
		out.AvailableCapacity = s.availableCapacityLocked(host)
	} else {
		out.AvailableCapacity = nil
	}
	out.AttachedVMIDs = s.attachedVMsLocked(host)
	return out, nil
}

func (s *StubControlPlane) ListHosts(ctx context.Context, groupName string) ([]cloudapi.Host, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var hosts []cloudapi.Host
	for _, host := range s.hosts[groupName] {
		out := *host
		out.AvailableCapacity = nil
		out.AttachedVMIDs = s.attachedVMsLocked(host)
		hosts = append(hosts, out)
	}
	return hosts, nil
}

func (s *StubControlPlane) DeleteHost(ctx context.Context, groupName, hostName string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.hosts[groupName][hostName]; !ok {
		return ErrNotFound
	}
	delete(s.hosts[groupName], hostName)
	return nil
}

func (s *StubControlPlane) CreateOrUpdateVM(ctx context.Context, vm cloudapi.VM) (cloudapi.VM, error) {
	if s.CreateVMHook != nil {
		if err := s.CreateVMHook(vm); err != nil {
			return cloudapi.VM{}, err
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if vm.HostID != "" {
		host := s.hostByIDLocked(vm.HostID)
		if host == nil {
			return cloudapi.VM{}, ErrNotFound
		}
		if s.availableCapacityLocked(host)[vm.Size] < 1 {
			return cloudapi.VM{}, CapacityError{}
		}
	}
	s.serial++
	vm.ID = fmt.Sprintf("/subscriptions/stub/resourceGroups/stub/providers/Microsoft.Compute/virtualMachines/%s-%d", vm.Name, s.serial)
	vm.ProvisioningState = s.ProvisioningStateOnCreate
	stored := vm
	s.vms[vm.Name] = &stored
	return vm, nil
}

func (s *StubControlPlane) GetVM(ctx context.Context, name string) (cloudapi.VM, error) {
	if s.GetVMHook != nil {
		if err := s.GetVMHook(name); err != nil {
			return cloudapi.VM{}, err
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	vm, ok := s.vms[name]
	if !ok {
		return cloudapi.VM{}, ErrNotFound
	}
	return *vm, nil
}

func (s *StubControlPlane) DeleteVM(ctx context.Context, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.vms[name]; !ok {
		return ErrNotFound
	}
	delete(s.vms, name)
	return nil
}

func (s *StubControlPlane) DeallocateVM(ctx context.Context, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	vm, ok := s.vms[name]
	if !ok {
		return ErrNotFound
	}
	vm.HostID = ""
	return nil
}

func (s *StubControlPlane) StartVM(ctx context.Context, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.vms[name]; !ok {
		return ErrNotFound
	}
	return nil
}

// SetProvisioningState overrides the stored provisioning state of a
// VM, simulating control-plane convergence.
func (s *StubControlPlane) SetProvisioningState(vmName, state string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if vm, ok := s.vms[vmName]; ok {
		vm.ProvisioningState = state
	}
}

func (s *StubControlPlane) hostByIDLocked(hostID string) *cloudapi.Host {
	for _, hosts := range s.hosts {
		for _, host := range hosts {
			if host.ID == hostID {
				return host
			}
		}
	}
	return nil
}

func (s *StubControlPlane) attachedVMsLocked(host *cloudapi.Host) []string {
	var ids []string
	for _, vm := range s.vms {
		if vm.HostID == host.ID {
			ids = append(ids, vm.ID)
		}
	}
	return ids
}

// availableCapacityLocked computes the advertised capacity snapshot
// for a host. Every size shares one pool of SizeCapacity slots.
func (s *StubControlPlane) availableCapacityLocked(host *cloudapi.Host) map[string]int {
	used := 0
	for _, vm := range s.vms {
		if vm.HostID == host.ID {
			used++
		}
	}
	remaining := s.SizeCapacity - used
	if remaining < 0 {
		remaining = 0
	}
	out := map[string]int{}
	for _, size := range s.Sizes {
		out[size] = remaining
	}
	return out
}
