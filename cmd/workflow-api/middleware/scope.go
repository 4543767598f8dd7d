// Package middleware extracts the caller's tenant scope from the
// X-User-ID/X-Org-ID request headers.
package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflows/common/models"
)

const (
	userHeader = "X-User-ID"
	orgHeader  = "X-Org-ID"
	scopeKey   = "ownerScope"
)

// ExtractScope reads X-User-ID/X-Org-ID into the request context as a
// models.OwnerScope. Both are optional: an unset header scopes to nil,
// which the repository layer treats as "no restriction on this dimension".
func ExtractScope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scope := models.OwnerScope{}
			if v := c.Request().Header.Get(userHeader); v != "" {
				scope.UserID = &v
			}
			if v := c.Request().Header.Get(orgHeader); v != "" {
				scope.OrgID = &v
			}
			c.Set(scopeKey, scope)
			return next(c)
		}
	}
}

// Scope retrieves the OwnerScope set by ExtractScope.
func Scope(c echo.Context) models.OwnerScope {
	if v, ok := c.Get(scopeKey).(models.OwnerScope); ok {
		return v
	}
	return models.OwnerScope{}
}
