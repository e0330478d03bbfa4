package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by Authorize. RoleAdmin satisfies any requirement.
const (
	RoleAdmin     = "admin"
	RoleSubmitter = "hl7:submit"
	RoleOperator  = "hl7:operate"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasRole(RolesFromContext(c.Request().Context()), roles) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// Authorize picks the required role per route: feeder systems submitting
// or decoding messages need RoleSubmitter, everything else RoleOperator.
func Authorize() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			required := RequiredRole(c.Request().Method, c.Path())
			if hasRole(RolesFromContext(c.Request().Context()), []string{required}) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "required role: "+required)
		}
	}
}

// RequiredRole returns the role a route pattern needs.
func RequiredRole(method, routePath string) string {
	if strings.Contains(routePath, "/hl7v2/") {
		return RoleSubmitter
	}
	if method == http.MethodPost && strings.HasSuffix(routePath, "/hl7/messages") {
		return RoleSubmitter
	}
	return RoleOperator
}

func hasRole(userRoles, required []string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
