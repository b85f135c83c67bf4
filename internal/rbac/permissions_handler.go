package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
)

// PermissionsHandler exposes the role matrix to administrators.
type PermissionsHandler struct {
	rbac Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermUsersManage))
		r.Get("/", h.listRoles)
	})
}

type roleView struct {
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

func (h *PermissionsHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	out := make([]roleView, 0, len(Roles))
	for _, role := range Roles {
		out = append(out, roleView{Role: role, Permissions: Permissions(role)})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}
