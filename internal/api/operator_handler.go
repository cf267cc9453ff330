package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/rtcall/internal/auth"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/repository"
	"github.com/pccr10001/rtcall/pkg/logger"
	"gorm.io/gorm"
)

const roleOperator = "user"

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type operatorRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

type passwordChange struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

// OperatorHandler manages who may control the call agent.
type OperatorHandler struct {
	operators *repository.OperatorRepository
}

func NewOperatorHandler(operators *repository.OperatorRepository) *OperatorHandler {
	return &OperatorHandler{operators: operators}
}

func (h *OperatorHandler) Login(c *gin.Context) {
	var req credentials
	if !bindJSON(c, &req) {
		return
	}
	op, err := h.operators.FindByUsername(req.Username)
	if err != nil || !auth.CheckPassword(op.PasswordHash, req.Password) {
		logger.Log.Warnf("Failed login for %q from %s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	token, err := auth.GenerateToken(op)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": op})
}

func (h *OperatorHandler) ListOperators(c *gin.Context) {
	list, err := h.operators.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *OperatorHandler) CreateOperator(c *gin.Context) {
	var req operatorRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Role == "" {
		req.Role = roleOperator
	}
	if req.Role != roleOperator && req.Role != repository.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or admin"})
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}

	op := model.User{Username: req.Username, PasswordHash: hash, Role: req.Role}
	switch err := h.operators.Create(&op); {
	case errors.Is(err, repository.ErrOperatorExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, op)
	}
}

func (h *OperatorHandler) DeleteOperator(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if self, ok := currentOperator(c); ok && self.ID == uint(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot delete yourself"})
		return
	}

	switch err := h.operators.Delete(uint(id)); {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, repository.ErrLastAdmin):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func (h *OperatorHandler) ChangePassword(c *gin.Context) {
	self, ok := currentOperator(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	var req passwordChange
	if !bindJSON(c, &req) {
		return
	}
	if !auth.CheckPassword(self.PasswordHash, req.OldPassword) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Incorrect old password"})
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}
	if err := h.operators.SetPasswordHash(self.ID, hash); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Password updated"})
}

// currentOperator returns the account AuthMiddleware resolved for this request.
func currentOperator(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get("user")
	if !ok {
		return nil, false
	}
	op, ok := v.(*model.User)
	return op, ok
}

// bindJSON answers 400 and returns false when the body does not bind.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
