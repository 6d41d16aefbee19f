package authkit

import "context"

// RoleProvider supplies the roles embedded in access tokens and login
// responses. The default provider returns no roles.
type RoleProvider interface {
	RolesFor(ctx context.Context, accountID string) ([]string, error)
}

type emptyRoleProvider struct{}

func (emptyRoleProvider) RolesFor(ctx context.Context, accountID string) ([]string, error) {
	return []string{}, nil
}

// NewEmptyRoleProvider returns the default provider with no role data.
func NewEmptyRoleProvider() RoleProvider {
	return emptyRoleProvider{}
}
