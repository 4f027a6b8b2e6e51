package auth

import (
	"net/http"
	"strings"

	"canteen_back/internal/authz"
	"canteen_back/internal/handlers"
	"canteen_back/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware проверяет валидность access токена и кладёт в контекст
// userID и роль. Роль берётся из токена как факт провайдера идентификации.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, response.ErrorResponse{
				Code:    "NO_AUTH_HEADER",
				Message: "Требуется авторизация",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return handlers.AccessSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, response.ErrorResponse{
				Code:    "INVALID_TOKEN",
				Message: "Неверный или просроченный токен",
			})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.ErrorResponse{
				Code:    "INVALID_TOKEN_CLAIMS",
				Message: "Невозможно прочитать claims токена",
			})
			c.Abort()
			return
		}

		userID, ok := claims["user_id"].(float64)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.ErrorResponse{
				Code:    "INVALID_USER_ID",
				Message: "Невозможно извлечь user_id",
			})
			c.Abort()
			return
		}

		roleStr, _ := claims["role"].(string)
		role, err := authz.ParseRole(roleStr)
		if err != nil {
			// Пользователь без назначенной роли не допускается ни к одной операции.
			c.JSON(http.StatusForbidden, response.ErrorResponse{
				Code:    "NO_ROLE",
				Message: "Роль пользователя не назначена",
			})
			c.Abort()
			return
		}

		c.Set("userID", uint(userID))
		c.Set("userRole", role)
		c.Next()
	}
}

// RequireRoles пропускает запрос только если роль из контекста входит в
// разрешённый набор.
func RequireRoles(roles ...authz.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.MustGet("userRole").(authz.Role)
		if ok {
			for _, allowed := range roles {
				if role == allowed {
					c.Next()
					return
				}
			}
		}
		c.JSON(http.StatusForbidden, response.ErrorResponse{
			Code:    "PERMISSION_DENIED",
			Message: "Недостаточно прав для выполнения операции",
		})
		c.Abort()
	}
}
