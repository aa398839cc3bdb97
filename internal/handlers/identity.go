package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/maneesh/labimport/internal/apperr"
	"go.uber.org/zap"
)

// Headers set by the auth gateway in front of the service
const (
	HeaderUserID          = "X-User-ID"
	HeaderUserEmail       = "X-User-Email"
	HeaderUserPermissions = "X-User-Permissions"
)

// Permission claims checked by route guards
const (
	PermUploadFiles  = "UPLOAD_FILES"
	PermJobRead      = "job:read"
	PermJobUpdate    = "job:update"
	PermJobDelete    = "job:delete"
	PermLookupReport = "lookup:report"
	PermJobAdmin     = "job:admin"
)

// Identity is the authenticated caller
type Identity struct {
	UserID      string
	Email       string
	Permissions map[string]bool
}

// Can reports whether the caller holds perm
func (id Identity) Can(perm string) bool {
	return id.Permissions[perm]
}

type identityKey struct{}

// IdentityFrom returns the caller stored by Authenticate
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func parsePermissions(header string) map[string]bool {
	perms := make(map[string]bool)
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms[p] = true
		}
	}
	return perms
}

// Authenticate rejects requests without a user id header and stores the
// caller's identity on the request context
func Authenticate(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				writeError(w, log, apperr.ErrUnauthenticated)
				return
			}
			id := Identity{
				UserID:      userID,
				Email:       strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
				Permissions: parsePermissions(r.Header.Get(HeaderUserPermissions)),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// Require guards h with a permission claim
func Require(perm string, log *zap.SugaredLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, log, apperr.ErrUnauthenticated)
			return
		}
		if !id.Can(perm) {
			writeError(w, log, apperr.ErrForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}
