package auth

import "context"

// Actor is the authenticated caller as seen by the domain services.
type Actor struct {
	UserID   string
	Roles    []string
	ClinicID string
}

func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, a.UserID)
	ctx = context.WithValue(ctx, UserRolesKey, a.Roles)
	ctx = context.WithValue(ctx, ClinicIDKey, a.ClinicID)
	return ctx
}

func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		UserID:   UserIDFromContext(ctx),
		Roles:    RolesFromContext(ctx),
		ClinicID: ClinicIDFromContext(ctx),
	}
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AdministersClinic reports whether the actor is a platform admin or the
// admin of clinicID.
func (a Actor) AdministersClinic(clinicID string) bool {
	if a.HasRole(RoleAdmin) {
		return true
	}
	return a.HasRole(RoleClinicAdmin) && a.ClinicID != "" && a.ClinicID == clinicID
}
