package domain

// Tenant is the tenant resolved for one request.
type Tenant struct {
	Code     string
	Domain   string
	Database string
	// Local tenants authenticate with locally issued tokens instead of the
	// federated identity service.
	Local bool
}

// TenantStatus is the lifecycle state reported by the tenant registry.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
)

// TenantRecord is a tenant registry entry.
type TenantRecord struct {
	Code     string       `json:"code" yaml:"code"`
	Status   TenantStatus `json:"status" yaml:"status"`
	Database string       `json:"database,omitempty" yaml:"database"`
}
