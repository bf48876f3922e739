package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Capability represents a permission that a plugin can request.
// Capabilities serialize as snake_case strings in manifests.
type Capability string

// Capabilities a plugin may declare in its manifest.
const (
	// CapabilityReadFiles allows reading vault files.
	CapabilityReadFiles Capability = "read_files"

	// CapabilityWriteFiles allows creating and overwriting vault files.
	CapabilityWriteFiles Capability = "write_files"

	// CapabilityDeleteFiles allows deleting vault files.
	CapabilityDeleteFiles Capability = "delete_files"

	// CapabilityVaultMetadata allows reading metadata about the active vault.
	CapabilityVaultMetadata Capability = "vault_metadata"

	// CapabilityNetwork allows outbound network requests.
	CapabilityNetwork Capability = "network"

	// CapabilityStorage allows use of the plugin's key-value namespace.
	CapabilityStorage Capability = "storage"

	// CapabilityModifyUI allows showing notices and other UI elements.
	CapabilityModifyUI Capability = "modify_ui"

	// CapabilityCommands allows registering commands.
	CapabilityCommands Capability = "commands"

	// CapabilityEditorAccess allows reading editor content.
	CapabilityEditorAccess Capability = "editor_access"

	// CapabilitySystemExec allows executing system commands.
	CapabilitySystemExec Capability = "system_exec"
)

// ErrForbidden is wrapped by every CapabilityError.
var ErrForbidden = errors.New("forbidden")

// ErrUnknownCapability is returned when parsing an unrecognized capability.
var ErrUnknownCapability = errors.New("unknown capability")

// CapabilityInfo provides metadata about a capability.
type CapabilityInfo struct {
	// Name is the capability identifier.
	Name Capability

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the capability allows.
	Description string

	// RiskLevel indicates how dangerous this capability is.
	RiskLevel RiskLevel

	// RequiresUserApproval indicates if the user must explicitly approve.
	RequiresUserApproval bool
}

// RiskLevel indicates the security risk of a capability.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityReadFiles: {
		Name:        CapabilityReadFiles,
		DisplayName: "Read Files",
		Description: "Read files in the active vault",
		RiskLevel:   RiskMedium,
	},
	CapabilityWriteFiles: {
		Name:                 CapabilityWriteFiles,
		DisplayName:          "Write Files",
		Description:          "Create and modify files in the active vault",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	CapabilityDeleteFiles: {
		Name:                 CapabilityDeleteFiles,
		DisplayName:          "Delete Files",
		Description:          "Delete files from the active vault",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	CapabilityVaultMetadata: {
		Name:        CapabilityVaultMetadata,
		DisplayName: "Vault Metadata",
		Description: "Read information about the active vault",
		RiskLevel:   RiskLow,
	},
	CapabilityNetwork: {
		Name:                 CapabilityNetwork,
		DisplayName:          "Network Access",
		Description:          "Make network requests",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	CapabilityStorage: {
		Name:        CapabilityStorage,
		DisplayName: "Storage",
		Description: "Store plugin data in a private namespace",
		RiskLevel:   RiskLow,
	},
	CapabilityModifyUI: {
		Name:        CapabilityModifyUI,
		DisplayName: "Modify UI",
		Description: "Show notices and UI elements",
		RiskLevel:   RiskLow,
	},
	CapabilityCommands: {
		Name:        CapabilityCommands,
		DisplayName: "Commands",
		Description: "Register commands",
		RiskLevel:   RiskLow,
	},
	CapabilityEditorAccess: {
		Name:        CapabilityEditorAccess,
		DisplayName: "Editor Access",
		Description: "Read editor content",
		RiskLevel:   RiskMedium,
	},
	CapabilitySystemExec: {
		Name:                 CapabilitySystemExec,
		DisplayName:          "System Exec",
		Description:          "Execute system commands",
		RiskLevel:            RiskCritical,
		RequiresUserApproval: true,
	},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(cap Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[cap]
	return info, ok
}

// IsValidCapability returns true if the capability is known.
func IsValidCapability(cap Capability) bool {
	_, ok := capabilityRegistry[cap]
	return ok
}

// ParseCapability converts a manifest string into a Capability.
func ParseCapability(s string) (Capability, error) {
	cap := Capability(s)
	if !IsValidCapability(cap) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return cap, nil
}

// UnmarshalJSON rejects capability strings outside the closed set.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	cap, err := ParseCapability(s)
	if err != nil {
		return err
	}
	*c = cap
	return nil
}

// AllCapabilities returns all known capabilities, sorted.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for cap := range capabilityRegistry {
		caps = append(caps, cap)
	}
	sortCapabilities(caps)
	return caps
}

// Assess returns the highest risk level among caps and the capabilities
// that require user approval, sorted. Unknown capabilities are ignored.
func Assess(caps ...Capability) (RiskLevel, []Capability) {
	level := RiskLow
	var approval []Capability
	for _, cap := range caps {
		info, ok := capabilityRegistry[cap]
		if !ok {
			continue
		}
		if info.RiskLevel > level {
			level = info.RiskLevel
		}
		if info.RequiresUserApproval {
			approval = append(approval, cap)
		}
	}
	sortCapabilities(approval)
	return level, approval
}

func sortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}

// CapabilityError is returned when a plugin invokes an operation whose
// capability it was not granted.
type CapabilityError struct {
	Plugin     string
	Capability Capability
	Operation  string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("forbidden: plugin %q lacks capability %q required for %s", e.Plugin, e.Capability, e.Operation)
	}
	return fmt.Sprintf("forbidden: plugin %q lacks capability %q", e.Plugin, e.Capability)
}

// Unwrap returns ErrForbidden.
func (e *CapabilityError) Unwrap() error {
	return ErrForbidden
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(plugin string, cap Capability, operation string) *CapabilityError {
	return &CapabilityError{
		Plugin:     plugin,
		Capability: cap,
		Operation:  operation,
	}
}
