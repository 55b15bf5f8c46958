// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudapi

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/sirupsen/logrus"
)

// AzureConfig holds the control-plane credentials, scope, and the
// boilerplate (image, network, login) applied to every VM this
// service creates.
type AzureConfig struct {
	SubscriptionID       string
	TenantID             string
	ClientID             string
	ClientSecret         string
	CloudEnvironment     string
	ResourceGroup        string
	Location             string
	Network              string
	NetworkResourceGroup string
	Subnet               string
	ImageResourceGroup   string
	ImageID              string
	AdminUsername        string
	SSHPublicKey         string
}

type hostGroupsClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName, hostGroupName string, parameters compute.DedicatedHostGroup) (compute.DedicatedHostGroup, error)
	get(ctx context.Context, resourceGroupName, hostGroupName string) (compute.DedicatedHostGroup, error)
	listComplete(ctx context.Context, resourceGroupName string) (compute.DedicatedHostGroupListResultIterator, error)
}

type hostGroupsClientImpl struct {
	inner compute.DedicatedHostGroupsClient
}

func (cl *hostGroupsClientImpl) createOrUpdate(ctx context.Context, resourceGroupName, hostGroupName string, parameters compute.DedicatedHostGroup) (compute.DedicatedHostGroup, error) {
	r, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, hostGroupName, parameters)
	return r, wrapAzureError(err)
}

func (cl *hostGroupsClientImpl) get(ctx context.Context, resourceGroupName, hostGroupName string) (compute.DedicatedHostGroup, error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, hostGroupName)
	return r, wrapAzureError(err)
}

func (cl *hostGroupsClientImpl) listComplete(ctx context.Context, resourceGroupName string) (compute.DedicatedHostGroupListResultIterator, error) {
	r, err := cl.inner.ListByResourceGroupComplete(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

type hostsClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName, hostGroupName, hostName string, parameters compute.DedicatedHost) (compute.DedicatedHost, error)
	get(ctx context.Context, resourceGroupName, hostGroupName, hostName string, expand compute.InstanceViewTypes) (compute.DedicatedHost, error)
	delete(ctx context.Context, resourceGroupName, hostGroupName, hostName string) error
	listByGroupComplete(ctx context.Context, resourceGroupName, hostGroupName string) (compute.DedicatedHostListResultIterator, error)
}

type hostsClientImpl struct {
	inner compute.DedicatedHostsClient
}

func (cl *hostsClientImpl) createOrUpdate(ctx context.Context, resourceGroupName, hostGroupName, hostName string, parameters compute.DedicatedHost) (compute.DedicatedHost, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, hostGroupName, hostName, parameters)
	if err != nil {
		return compute.DedicatedHost{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *hostsClientImpl) get(ctx context.Context, resourceGroupName, hostGroupName, hostName string, expand compute.InstanceViewTypes) (compute.DedicatedHost, error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, hostGroupName, hostName, expand)
	return r, wrapAzureError(err)
}

func (cl *hostsClientImpl) delete(ctx context.Context, resourceGroupName, hostGroupName, hostName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, hostGroupName, hostName)
	if err != nil {
		return wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return wrapAzureError(err)
}

func (cl *hostsClientImpl) listByGroupComplete(ctx context.Context, resourceGroupName, hostGroupName string) (compute.DedicatedHostListResultIterator, error) {
	r, err := cl.inner.ListByHostGroupComplete(ctx, resourceGroupName, hostGroupName)
	return r, wrapAzureError(err)
}

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName, vmName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error)
	get(ctx context.Context, resourceGroupName, vmName string) (compute.VirtualMachine, error)
	delete(ctx context.Context, resourceGroupName, vmName string) error
	deallocate(ctx context.Context, resourceGroupName, vmName string) error
	start(ctx context.Context, resourceGroupName, vmName string) error
}

type virtualMachinesClientImpl struct {
	inner compute.VirtualMachinesClient
}

func (cl *virtualMachinesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName, vmName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, vmName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) get(ctx context.Context, resourceGroupName, vmName string) (compute.VirtualMachine, error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, vmName, "")
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) delete(ctx context.Context, resourceGroupName, vmName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, vmName)
	if err != nil {
		return wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) deallocate(ctx context.Context, resourceGroupName, vmName string) error {
	future, err := cl.inner.Deallocate(ctx, resourceGroupName, vmName)
	if err != nil {
		return wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) start(ctx context.Context, resourceGroupName, vmName string) error {
	future, err := cl.inner.Start(ctx, resourceGroupName, vmName)
	if err != nil {
		return wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return wrapAzureError(err)
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName, networkInterfaceName string, parameters network.Interface) (network.Interface, error)
	delete(ctx context.Context, resourceGroupName, networkInterfaceName string) error
}

type interfacesClientImpl struct {
	inner network.InterfacesClient
}

func (cl *interfacesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName, networkInterfaceName string, parameters network.Interface) (network.Interface, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, networkInterfaceName, parameters)
	if err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *interfacesClientImpl) delete(ctx context.Context, resourceGroupName, networkInterfaceName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, networkInterfaceName)
	if err != nil {
		return wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return wrapAzureError(err)
}

// azureControlPlane implements ControlPlane on the Azure dedicated
// hosts API.
type azureControlPlane struct {
	azconfig     AzureConfig
	groupsClient hostGroupsClientWrapper
	hostsClient  hostsClientWrapper
	vmClient     virtualMachinesClientWrapper
	netClient    interfacesClientWrapper
	logger       logrus.FieldLogger
}

// NewAzureControlPlane authenticates with the configured service
// principal and returns a ControlPlane scoped to the configured
// subscription and resource group.
func NewAzureControlPlane(azcfg AzureConfig, logger logrus.FieldLogger) (ControlPlane, error) {
	groupsClient := compute.NewDedicatedHostGroupsClient(azcfg.SubscriptionID)
	hostsClient := compute.NewDedicatedHostsClient(azcfg.SubscriptionID)
	vmClient := compute.NewVirtualMachinesClient(azcfg.SubscriptionID)
	netClient := network.NewInterfacesClient(azcfg.SubscriptionID)

	env := azure.PublicCloud
	if azcfg.CloudEnvironment != "" {
		var err error
		env, err = azure.EnvironmentFromName(azcfg.CloudEnvironment)
		if err != nil {
			return nil, err
		}
	}

	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     azcfg.ClientID,
		ClientSecret: azcfg.ClientSecret,
		TenantID:     azcfg.TenantID,
		Resource:     env.ResourceManagerEndpoint,
		AADEndpoint:  env.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return nil, err
	}

	groupsClient.Authorizer = authorizer
	hostsClient.Authorizer = authorizer
	vmClient.Authorizer = authorizer
	netClient.Authorizer = authorizer

	return &azureControlPlane{
		azconfig:     azcfg,
		groupsClient: &hostGroupsClientImpl{groupsClient},
		hostsClient:  &hostsClientImpl{hostsClient},
		vmClient:     &virtualMachinesClientImpl{vmClient},
		netClient:    &interfacesClientImpl{netClient},
		logger:       logger,
	}, nil
}

func (az *azureControlPlane) CreateOrUpdateHostGroup(ctx context.Context, group HostGroup) (HostGroup, error) {
	location := group.Location
	if location == "" {
		location = az.azconfig.Location
	}
	parameters := compute.DedicatedHostGroup{
		Location: &location,
		DedicatedHostGroupProperties: &compute.DedicatedHostGroupProperties{
			PlatformFaultDomainCount: to.Int32Ptr(group.PlatformFaultDomainCount),
		},
	}
	if group.AvailabilityZone != "" {
		parameters.Zones = &[]string{group.AvailabilityZone}
	}
	r, err := az.groupsClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, group.Name, parameters)
	if err != nil {
		return HostGroup{}, err
	}
	return toHostGroup(r), nil
}

func (az *azureControlPlane) GetHostGroup(ctx context.Context, name string) (HostGroup, error) {
	r, err := az.groupsClient.get(ctx, az.azconfig.ResourceGroup, name)
	if err != nil {
		return HostGroup{}, err
	}
	return toHostGroup(r), nil
}

func (az *azureControlPlane) ListHostGroups(ctx context.Context) ([]HostGroup, error) {
	result, err := az.groupsClient.listComplete(ctx, az.azconfig.ResourceGroup)
	if err != nil {
		return nil, err
	}
	var groups []HostGroup
	for ; result.NotDone(); err = result.NextWithContext(ctx) {
		if err != nil {
			return nil, wrapAzureError(err)
		}
		groups = append(groups, toHostGroup(result.Value()))
	}
	return groups, nil
}

func (az *azureControlPlane) CreateOrUpdateHost(ctx context.Context, groupName string, host Host) (Host, error) {
	location := host.Location
	if location == "" {
		location = az.azconfig.Location
	}
	parameters := compute.DedicatedHost{
		Location: &location,
		Sku:      &compute.Sku{Name: &host.SKU},
		DedicatedHostProperties: &compute.DedicatedHostProperties{
			PlatformFaultDomain: to.Int32Ptr(host.PlatformFaultDomain),
		},
	}
	r, err := az.hostsClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, groupName, host.Name, parameters)
	if err != nil {
		return Host{}, err
	}
	return toHost(r, groupName), nil
}

func (az *azureControlPlane) GetHost(ctx context.Context, groupName, hostName string, includeInstanceView bool) (Host, error) {
	var expand compute.InstanceViewTypes
	if includeInstanceView {
		expand = compute.InstanceView
	}
	r, err := az.hostsClient.get(ctx, az.azconfig.ResourceGroup, groupName, hostName, expand)
	if err != nil {
		return Host{}, err
	}
	return toHost(r, groupName), nil
}

func (az *azureControlPlane) DeleteHost(ctx context.Context, groupName, hostName string) error {
	return az.hostsClient.delete(ctx, az.azconfig.ResourceGroup, groupName, hostName)
}

func (az *azureControlPlane) ListHosts(ctx context.Context, groupName string) ([]Host, error) {
	result, err := az.hostsClient.listByGroupComplete(ctx, az.azconfig.ResourceGroup, groupName)
	if err != nil {
		return nil, err
	}
	var hosts []Host
	for ; result.NotDone(); err = result.NextWithContext(ctx) {
		if err != nil {
			return nil, wrapAzureError(err)
		}
		hosts = append(hosts, toHost(result.Value(), groupName))
	}
	return hosts, nil
}

func (az *azureControlPlane) CreateOrUpdateVM(ctx context.Context, vm VM) (VM, error) {
	location := vm.Location
	if location == "" {
		location = az.azconfig.Location
	}

	tags := map[string]*string{}
	for k, v := range vm.Tags {
		tags[k] = to.StringPtr(v)
	}

	networkResourceGroup := az.azconfig.NetworkResourceGroup
	if networkResourceGroup == "" {
		networkResourceGroup = az.azconfig.ResourceGroup
	}
	nicParameters := network.Interface{
		Location: &location,
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{
				{
					Name: to.StringPtr("ip1"),
					InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
						Subnet: &network.Subnet{
							ID: to.StringPtr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers"+
								"/Microsoft.Network/virtualnetworks/%s/subnets/%s",
								az.azconfig.SubscriptionID,
								networkResourceGroup,
								az.azconfig.Network,
								az.azconfig.Subnet)),
						},
						PrivateIPAllocationMethod: network.Dynamic,
					},
				},
			},
		},
	}
	nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, vm.Name+"-nic", nicParameters)
	if err != nil {
		return VM{}, err
	}

	imageResourceGroup := az.azconfig.ImageResourceGroup
	if imageResourceGroup == "" {
		imageResourceGroup = az.azconfig.ResourceGroup
	}
	imageRef := "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + imageResourceGroup + "/providers/Microsoft.Compute/images/" + az.azconfig.ImageID

	vmParameters := compute.VirtualMachine{
		Location: &location,
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(vm.Size),
			},
			StorageProfile: &compute.StorageProfile{
				ImageReference: &compute.ImageReference{
					ID: to.StringPtr(imageRef),
				},
				OsDisk: &compute.OSDisk{
					OsType:       compute.Linux,
					Name:         to.StringPtr(vm.Name + "-os"),
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{
					{
						ID: nic.ID,
						NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
							Primary: to.BoolPtr(true),
						},
					},
				},
			},
			OsProfile: &compute.OSProfile{
				ComputerName:  &vm.Name,
				AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
				LinuxConfiguration: &compute.LinuxConfiguration{
					DisablePasswordAuthentication: to.BoolPtr(true),
					SSH: &compute.SSHConfiguration{
						PublicKeys: &[]compute.SSHPublicKey{
							{
								Path:    to.StringPtr("/home/" + az.azconfig.AdminUsername + "/.ssh/authorized_keys"),
								KeyData: to.StringPtr(az.azconfig.SSHPublicKey),
							},
						},
					},
				},
			},
		},
	}
	if vm.HostID != "" {
		vmParameters.VirtualMachineProperties.Host = &compute.SubResource{ID: to.StringPtr(vm.HostID)}
	}

	r, err := az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, vm.Name, vmParameters)
	if err != nil {
		// Clean up the NIC so failed attempts can't pile up
		// dangling interfaces, which count against their own
		// quota.
		if delerr := az.netClient.delete(context.Background(), az.azconfig.ResourceGroup, vm.Name+"-nic"); delerr != nil {
			az.logger.WithError(delerr).Warn("error cleaning up NIC after failed create")
		}
		return VM{}, err
	}
	return toVM(r), nil
}

func (az *azureControlPlane) GetVM(ctx context.Context, name string) (VM, error) {
	r, err := az.vmClient.get(ctx, az.azconfig.ResourceGroup, name)
	if err != nil {
		return VM{}, err
	}
	return toVM(r), nil
}

func (az *azureControlPlane) DeleteVM(ctx context.Context, name string) error {
	return az.vmClient.delete(ctx, az.azconfig.ResourceGroup, name)
}

func (az *azureControlPlane) DeallocateVM(ctx context.Context, name string) error {
	return az.vmClient.deallocate(ctx, az.azconfig.ResourceGroup, name)
}

func (az *azureControlPlane) StartVM(ctx context.Context, name string) error {
	return az.vmClient.start(ctx, az.azconfig.ResourceGroup, name)
}

func toHostGroup(r compute.DedicatedHostGroup) HostGroup {
	group := HostGroup{
		ID:       to.String(r.ID),
		Name:     to.String(r.Name),
		Location: to.String(r.Location),
	}
	if r.Zones != nil && len(*r.Zones) > 0 {
		group.AvailabilityZone = (*r.Zones)[0]
	}
	if props := r.DedicatedHostGroupProperties; props != nil {
		if props.PlatformFaultDomainCount != nil {
			group.PlatformFaultDomainCount = *props.PlatformFaultDomainCount
		}
		if props.Hosts != nil {
			for _, h := range *props.Hosts {
				group.HostIDs = append(group.HostIDs, to.String(h.ID))
			}
		}
	}
	return group
}

func toHost(r compute.DedicatedHost, groupName string) Host {
	host := Host{
		ID:        to.String(r.ID),
		Name:      to.String(r.Name),
		GroupName: groupName,
		Location:  to.String(r.Location),
	}
	if r.Sku != nil {
		host.SKU = to.String(r.Sku.Name)
	}
	if props := r.DedicatedHostProperties; props != nil {
		if props.PlatformFaultDomain != nil {
			host.PlatformFaultDomain = *props.PlatformFaultDomain
		}
		host.ProvisioningState = to.String(props.ProvisioningState)
		if props.VirtualMachines != nil {
			for _, vm := range *props.VirtualMachines {
				host.AttachedVMIDs = append(host.AttachedVMIDs, to.String(vm.ID))
			}
		}
		if iv := props.InstanceView; iv != nil && iv.AvailableCapacity != nil && iv.AvailableCapacity.AllocatableVMs != nil {
			host.AvailableCapacity = map[string]int{}
			for _, alloc := range *iv.AvailableCapacity.AllocatableVMs {
				if alloc.VMSize == nil || alloc.Count == nil {
					continue
				}
				host.AvailableCapacity[*alloc.VMSize] = int(*alloc.Count)
			}
		}
	}
	return host
}

func toVM(r compute.VirtualMachine) VM {
	vm := VM{
		ID:       to.String(r.ID),
		Name:     to.String(r.Name),
		Location: to.String(r.Location),
	}
	if r.Tags != nil {
		vm.Tags = map[string]string{}
		for k, v := range r.Tags {
			vm.Tags[k] = to.String(v)
		}
	}
	if props := r.VirtualMachineProperties; props != nil {
		vm.ProvisioningState = to.String(props.ProvisioningState)
		if props.HardwareProfile != nil {
			vm.Size = string(props.HardwareProfile.VMSize)
		}
		if props.Host != nil {
			vm.HostID = to.String(props.Host.ID)
		}
	}
	return vm
}
