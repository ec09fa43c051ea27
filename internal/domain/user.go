package domain

import "time"

// UserActive is the users.status value of an enabled account.
const UserActive = "active"

// User is a tenant-local user row.
type User struct {
	ID                    int64
	Username              string
	Phone                 string
	PasswordHash          string
	Status                string
	GlobalUserID          string
	AuthSource            string
	DataScope             string // optional override, empty when unset
	PrimaryKindergartenID int64
}

// Active reports whether the user may authenticate.
func (u User) Active() bool { return u.Status == UserActive }

// Identity is a federated identity returned by the identity service.
type Identity struct {
	GlobalUserID string `json:"id"`
	Username     string `json:"username"`
	Phone        string `json:"phone"`
	RealName     string `json:"realName"`
}

// Kindergarten is the minimal view of a kindergarten row the gateway serves.
type Kindergarten struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// TokenPair is the result of a successful login.
type TokenPair struct {
	AccessToken string `json:"token"`
	ExpiresIn   int    `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// Binding links a global identity to its shadow row in a tenant.
type Binding struct {
	GlobalUserID string    `json:"globalUserId"`
	TenantCode   string    `json:"tenantCode"`
	TenantUserID int64     `json:"tenantUserId"`
	LastLoginAt  time.Time `json:"lastLoginAt"`
}
