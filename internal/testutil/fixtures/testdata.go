// Package fixtures holds user records shared by the store and admin test
// suites.
package fixtures

import "github.com/StricklySoft/stricklysoft-identity/pkg/auth"

// Standard user values.
const (
	UserEmail       = "ada@example.com"
	UserSubject     = "00000000-0000-0000-0000-0000000000a1"
	UserDisplayName = "Ada Lovelace"

	AltUserEmail   = "grace@example.com"
	AltUserSubject = "00000000-0000-0000-0000-0000000000b2"

	AdminRole = "admin"
)

// RemoteUser returns a provisioning request for a federated user.
func RemoteUser() auth.NewUser {
	return auth.NewUser{
		Email:       UserEmail,
		Subject:     UserSubject,
		Roles:       []string{auth.DefaultRole},
		DisplayName: UserDisplayName,
		AuthMethod:  auth.KindRemoteUser,
	}
}

// LegacyUser returns a local record with no subject, as created before
// federated login was enabled.
func LegacyUser() auth.NewUser {
	return auth.NewUser{
		Email:      AltUserEmail,
		Roles:      []string{AdminRole},
		AuthMethod: auth.KindLocal,
	}
}
