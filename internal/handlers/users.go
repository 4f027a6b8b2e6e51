package handlers

import (
	"net/http"
	"strconv"

	"canteen_back/internal/audit"
	"canteen_back/internal/authz"
	"canteen_back/internal/models"
	"canteen_back/internal/response"
	"canteen_back/internal/storage"

	"github.com/gin-gonic/gin"
)

type SetUserRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// SetUserRoleHandler назначает роль пользователю (только администратор)
// @Summary		Назначение роли
// @Description	Назначает пользователю роль student, staff или admin
// @Tags			admin
// @Accept			json
// @Produce		json
// @Param			id		path		string				true	"ID пользователя"
// @Param			role	body		SetUserRoleRequest	true	"Новая роль"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Роль обновлена"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR, INVALID_ROLE)"
// @Failure		404	{object}	response.ErrorResponse	"Пользователь не найден (USER_NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/admin/users/{id}/role [post]
func SetUserRoleHandler(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Неверный идентификатор пользователя",
		})
		return
	}

	var req SetUserRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	role, err := authz.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_ROLE",
			Message: "Допустимые роли: student, staff, admin",
		})
		return
	}

	var user models.User
	if err := storage.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "USER_NOT_FOUND",
			Message: "Пользователь не найден",
		})
		return
	}

	p := principalFrom(c)
	if err := storage.DB.Model(&user).Update("role", string(role)).Error; err != nil {
		audit.Record(audit.Entry{
			UserID:       audit.Actor(p.UserID),
			UserRole:     string(p.Role),
			Action:       string(authz.OpAssignRole),
			Resource:     "user",
			ResourceID:   strconv.Itoa(userID),
			Details:      map[string]interface{}{"attempted_role": req.Role},
			Result:       audit.ResultFailure,
			ErrorMessage: err.Error(),
		})
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка при обновлении роли",
			Details: err.Error(),
		})
		return
	}

	audit.Record(audit.Entry{
		UserID:     audit.Actor(p.UserID),
		UserRole:   string(p.Role),
		Action:     string(authz.OpAssignRole),
		Resource:   "user",
		ResourceID: strconv.Itoa(userID),
		Details:    map[string]interface{}{"new_role": string(role)},
	})

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Роль пользователя успешно обновлена"})
}
