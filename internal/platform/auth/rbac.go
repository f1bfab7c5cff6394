package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Actor is the authenticated principal performing an operation.
type Actor struct {
	ID    string
	Roles []string
}

// Has reports whether the actor holds role. ADMIN holds every role.
func (a Actor) Has(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// SystemActor is used for work triggered by background processing.
var SystemActor = Actor{ID: "system", Roles: []string{RoleSystem}}

// ActorFromContext builds an Actor from the identity placed on ctx by the
// auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{ID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// RequireRole returns middleware that checks the user has at least one of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			for _, required := range roles {
				if actor.Has(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
