// Package domain holds the workbench entities shared by every layer.
package domain

import "strings"

// SystemTenantName is the wire name for the global scope.
const SystemTenantName = "system"

// Tenant is an optional tenant reference. The zero value is the system
// scope, which owns global and shareable data.
type Tenant struct {
	id string
}

// System returns the global scope.
func System() Tenant { return Tenant{} }

// TenantID returns a tenant-scoped reference. An empty or "system" id yields
// the global scope.
func TenantID(id string) Tenant {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, SystemTenantName) {
		return Tenant{}
	}
	return Tenant{id: id}
}

// IsSystem reports whether t is the global scope.
func (t Tenant) IsSystem() bool { return t.id == "" }

// ID returns the tenant id and false for the system scope.
func (t Tenant) ID() (string, bool) { return t.id, t.id != "" }

// String returns the tenant id or "system".
func (t Tenant) String() string {
	if t.IsSystem() {
		return SystemTenantName
	}
	return t.id
}

// Value returns the tenant id for storage, or nil for the system scope.
func (t Tenant) Value() any {
	if t.IsSystem() {
		return nil
	}
	return t.id
}
