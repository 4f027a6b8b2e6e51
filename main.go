package main

import (
	"fmt"
	"log"
	"os"

	_ "canteen_back/docs"
	"canteen_back/internal/auth"
	"canteen_back/internal/authz"
	"canteen_back/internal/handlers"
	"canteen_back/internal/models"
	"canteen_back/internal/storage"
	"canteen_back/internal/tasks"
	"canteen_back/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @Title						Бронирование студенческой столовой
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectDatabase()

	if err := storage.DB.AutoMigrate(&models.User{}, &models.TimeSlot{}, &models.Reservation{}, &models.AuditLog{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.InitRedis()

	tasks.InitScheduler()

	go ws.HubInstance.Run()

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", handlers.Login)
		authGroup.POST("/register", handlers.Register)
		authGroup.POST("/refresh", handlers.RefreshToken)
	}

	api := r.Group("/api", auth.AuthMiddleware())
	{
		api.GET("/slots", handlers.GetTimeSlotsHandler)
		api.GET("/profile/reservations", handlers.GetUserReservationsHandler)

		api.POST("/reservations", handlers.CreateReservationHandler)
		api.POST("/reservations/:id/confirm", handlers.ConfirmReservationHandler)
		api.POST("/reservations/:id/qr", handlers.GenerateQRHandler)
		api.POST("/reservations/:id/cancel", handlers.CancelReservationHandler)
		api.POST("/reservations/:id/modify", handlers.ModifyReservationHandler)

		api.POST("/validate", auth.RequireRoles(authz.RoleStaff, authz.RoleAdmin), handlers.ValidateQRHandler)

		admin := api.Group("/admin", auth.RequireRoles(authz.RoleAdmin))
		{
			admin.POST("/slots", handlers.CreateTimeSlotHandler)
			admin.POST("/slots/:id/deactivate", handlers.DeactivateTimeSlotHandler)
			admin.POST("/users/:id/role", handlers.SetUserRoleHandler)
		}
	}

	slots := r.Group("/api/slots")
	{
		slots.GET("/:id/ws", ws.SlotWebSocketHandler)
	}

	if err := r.Run(":8080"); err != nil {
		log.Fatal("Ошибка запуска сервера...", err.Error())
	}
}
