package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/cache"
	"github.com/lalith-99/wirechat/internal/middleware"
	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/presence"
	"github.com/lalith-99/wirechat/internal/protocol"
	"github.com/lalith-99/wirechat/internal/registry"
	"github.com/lalith-99/wirechat/internal/repository"
)

// AdminHandler covers the membership mutations that the realtime plane
// must observe immediately: the cache patch happens on the same request
// that commits the change, BEFORE the response — the next broadcast
// sees the new membership, no TTL wait.
type AdminHandler struct {
	memberships repository.MembershipRepository
	users       repository.UserRepository
	members     *cache.Membership
	registry    *registry.Registry
	presence    *presence.Engine
	logger      *zap.Logger
}

func NewAdminHandler(
	memberships repository.MembershipRepository,
	users repository.UserRepository,
	members *cache.Membership,
	reg *registry.Registry,
	pres *presence.Engine,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		memberships: memberships,
		users:       users,
		members:     members,
		registry:    reg,
		presence:    pres,
		logger:      logger,
	}
}

// ownedGroup loads the group and verifies the requesting admin owns it.
// Writes the error response itself and returns nil on failure.
func (h *AdminHandler) ownedGroup(c *gin.Context, admin models.Identity) *models.Group {
	groupID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group ID"})
		return nil
	}
	group, err := h.memberships.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		h.logger.Error("group lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "group lookup failed"})
		return nil
	}
	if group == nil || group.AdminID != admin.ID {
		// Same 404 for "doesn't exist" and "not yours" — don't leak
		// other tenants' group IDs.
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found in your tenant"})
		return nil
	}
	return group
}

// AddMember handles POST /v1/admin/groups/:id/members/:uid.
func (h *AdminHandler) AddMember(c *gin.Context) {
	admin := middleware.GetIdentity(c)
	group := h.ownedGroup(c, admin)
	if group == nil {
		return
	}
	userID, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	if err := h.memberships.AddMember(c.Request.Context(), group.ID, userID); err != nil {
		h.logger.Error("add member failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
		return
	}

	// Synchronous cache patch: group delivery must include this user
	// from the very next message on.
	key := models.ConnKey{Role: models.RoleUser, ID: userID}
	if err := h.members.AddMember(c.Request.Context(), group.ID, key); err != nil {
		h.logger.Error("cache patch failed after add", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
		return
	}

	c.Status(http.StatusNoContent)
}

// RemoveMember handles DELETE /v1/admin/groups/:id/members/:uid.
func (h *AdminHandler) RemoveMember(c *gin.Context) {
	admin := middleware.GetIdentity(c)
	group := h.ownedGroup(c, admin)
	if group == nil {
		return
	}
	userID, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	removed, err := h.memberships.RemoveMember(c.Request.Context(), group.ID, userID)
	if err != nil {
		h.logger.Error("remove member failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove member"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "user is not a member of this group"})
		return
	}

	key := models.ConnKey{Role: models.RoleUser, ID: userID}
	if err := h.members.RemoveMember(c.Request.Context(), group.ID, key); err != nil {
		h.logger.Error("cache patch failed after remove", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove member"})
		return
	}

	// Tell the kicked user (if online) to drop the conversation.
	if payload, err := protocol.NewMemberRemoved(group.ID); err == nil {
		h.registry.Send(key, payload)
	}

	c.Status(http.StatusNoContent)
}

// DeactivateGroup handles DELETE /v1/admin/groups/:id. Soft delete:
// live delivery stops (cache invalidated), history stays readable.
func (h *AdminHandler) DeactivateGroup(c *gin.Context) {
	admin := middleware.GetIdentity(c)
	group := h.ownedGroup(c, admin)
	if group == nil {
		return
	}

	ok, err := h.memberships.DeactivateGroup(c.Request.Context(), admin.ID, group.ID)
	if err != nil || !ok {
		if err != nil {
			h.logger.Error("deactivate group failed", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate group"})
		return
	}

	if err := h.members.InvalidateGroup(c.Request.Context(), group.ID); err != nil {
		h.logger.Error("cache invalidation failed after deactivate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate group"})
		return
	}

	c.Status(http.StatusNoContent)
}

// DeactivateUser handles PATCH /v1/admin/users/:id/deactivate: flips
// the account off, then force-logs-out and evicts any live connection.
func (h *AdminHandler) DeactivateUser(c *gin.Context) {
	admin := middleware.GetIdentity(c)
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	ok, err := h.users.Deactivate(c.Request.Context(), admin.ID, userID)
	if err != nil {
		h.logger.Error("deactivate user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate user"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found in your tenant"})
		return
	}

	key := models.ConnKey{Role: models.RoleUser, ID: userID}
	if payload, err := protocol.NewForceLogout("Your account has been deactivated by the administrator."); err == nil {
		h.registry.Send(key, payload)
	}
	// Evict before closing so the session's own teardown can't race a
	// second offline broadcast; the eviction path runs the disconnect
	// consequences itself.
	if t := h.registry.Evict(key); t != nil {
		t.Close()
		h.presence.HandleDisconnect(c.Request.Context(), models.Identity{
			ID: userID, Role: models.RoleUser, TenantID: admin.ID,
		})
	}

	c.Status(http.StatusNoContent)
}
