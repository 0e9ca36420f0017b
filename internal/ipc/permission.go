package ipc

import "tetherd/internal/model"

// CallerContext is what the IPC layer knows about a caller: its identity
// plus the already-resolved permission grants.
type CallerContext struct {
	UID         int
	PackageName string
	Attribution string

	HasPrivileged         bool // TETHER_PRIVILEGED
	HasWriteSettings      bool // WRITE_SETTINGS
	HasAccessNetworkState bool // ACCESS_NETWORK_STATE
	HasSystemPermission   bool // NETWORK_SETTINGS or NETWORK_STACK
	ProvisioningRequired  bool
	PackageMatchesUID     bool
}

// checkChangePermission applies the change-operation rules: privileged
// capability allows all change operations; WRITE_SETTINGS only when
// provisioning isn't required; a UID/package mismatch always fails
// regardless of capability.
func checkChangePermission(c CallerContext) model.ErrorCode {
	if !c.PackageMatchesUID {
		return model.ErrNoChangeTetheringPermission
	}
	if c.HasPrivileged {
		return model.ErrNone
	}
	if c.HasWriteSettings && !c.ProvisioningRequired {
		return model.ErrNone
	}
	return model.ErrNoChangeTetheringPermission
}

// checkExplicitInterfacePermission implements the rule that requests
// naming an explicit interface, or bypassing entitlement, require
// system-level permission.
func checkExplicitInterfacePermission(c CallerContext) model.ErrorCode {
	if c.HasSystemPermission {
		return model.ErrNone
	}
	return model.ErrNoAccessTetheringPermission
}

// checkCallbackPermission implements the callback-registration rule:
// TETHER_PRIVILEGED or ACCESS_NETWORK_STATE.
func checkCallbackPermission(c CallerContext) model.ErrorCode {
	if c.HasPrivileged || c.HasAccessNetworkState {
		return model.ErrNone
	}
	return model.ErrNoAccessTetheringPermission
}
