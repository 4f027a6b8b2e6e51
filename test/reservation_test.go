package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"canteen_back/internal/authz"
	"canteen_back/internal/handlers"
	"canteen_back/internal/models"
	"canteen_back/internal/reservations"
	"canteen_back/internal/storage"
	"canteen_back/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
)

// AuthMiddlewareTest подставляет пользователя и роль из тестовых заголовков.
func AuthMiddlewareTest() gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDStr := c.Request.Header.Get("X-Test-UserID")
		userID := uint(1)
		if userIDStr != "" {
			if id, err := strconv.Atoi(userIDStr); err == nil {
				userID = uint(id)
			}
		}
		role := authz.RoleStudent
		if r, err := authz.ParseRole(c.Request.Header.Get("X-Test-Role")); err == nil {
			role = r
		}
		c.Set("userID", userID)
		c.Set("userRole", role)
		c.Next()
	}
}

func setupTestServer() *httptest.Server {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load("../.env")
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}
	if os.Getenv("QR_SECRET") == "" {
		os.Setenv("QR_SECRET", "test-qr-secret")
	}

	storage.ConnectTestingDatabase()
	storage.DB.Exec("TRUNCATE TABLE users, time_slots, reservations, audit_logs RESTART IDENTITY CASCADE;")

	if err := storage.DB.AutoMigrate(&models.User{}, &models.TimeSlot{}, &models.Reservation{}, &models.AuditLog{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.InitRedis()

	go ws.HubInstance.Run()

	r := gin.Default()

	api := r.Group("/api", AuthMiddlewareTest())
	{
		api.GET("/slots", handlers.GetTimeSlotsHandler)
		api.GET("/profile/reservations", handlers.GetUserReservationsHandler)
		api.POST("/reservations", handlers.CreateReservationHandler)
		api.POST("/reservations/:id/confirm", handlers.ConfirmReservationHandler)
		api.POST("/reservations/:id/qr", handlers.GenerateQRHandler)
		api.POST("/reservations/:id/cancel", handlers.CancelReservationHandler)
		api.POST("/reservations/:id/modify", handlers.ModifyReservationHandler)
		api.POST("/validate", handlers.ValidateQRHandler)
	}

	return httptest.NewServer(r)
}

func createTestUser(t *testing.T, name, role string) models.User {
	user := models.User{
		DisplayName:  name,
		Email:        fmt.Sprintf("%s_%d@example.com", name, time.Now().UnixNano()),
		PasswordHash: "hashed123",
		Role:         role,
		Classe:       "L2-INFO",
	}
	err := storage.DB.Create(&user).Error
	assert.NoError(t, err, "Ошибка создания тестового пользователя")
	return user
}

func createTestSlot(t *testing.T, start time.Time, maxCapacity int) models.TimeSlot {
	slot := models.TimeSlot{
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		Price:       1.5,
		MaxCapacity: maxCapacity,
		IsActive:    true,
	}
	err := storage.DB.Create(&slot).Error
	assert.NoError(t, err, "Ошибка создания тестового слота")
	return slot
}

func doJSON(t *testing.T, method, url string, body interface{}, user models.User) (*http.Response, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		assert.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, &buf)
	assert.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-UserID", fmt.Sprintf("%d", user.ID))
	req.Header.Set("X-Test-Role", user.Role)

	res, err := http.DefaultClient.Do(req)
	assert.NoError(t, err, "Ошибка выполнения запроса %s %s", method, url)

	var payload map[string]interface{}
	json.NewDecoder(res.Body).Decode(&payload)
	res.Body.Close()
	return res, payload
}

func slotReservations(t *testing.T, slotID uint) int {
	var slot models.TimeSlot
	err := storage.DB.First(&slot, slotID).Error
	assert.NoError(t, err)
	return slot.CurrentReservations
}

func TestReservationLifecycle(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "ahmed", "student")
	staff := createTestUser(t, "controleur", "staff")
	slot := createTestSlot(t, time.Now().Add(5*time.Hour), 10)

	// 1. Создание брони студентом.
	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slot.ID,
		"capacity":     2,
		"amount":       3.0,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode, "Студент не смог создать бронь")
	reservationID := payload["reservation_id"].(string)
	assert.Equal(t, 2, slotReservations(t, slot.ID), "Счётчик слота не увеличился")

	// Повторная бронь того же слота должна отклоняться.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slot.ID,
		"capacity":     1,
		"amount":       1.5,
	}, student)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "DUPLICATE_RESERVATION", payload["code"], "Ожидался код DUPLICATE_RESERVATION")
	assert.Equal(t, 2, slotReservations(t, slot.ID), "Откат дубликата должен вернуть счётчик")

	// 2. QR до подтверждения не выпускается.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/qr", nil, student)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "INVALID_STATE", payload["code"])

	// 3. Подтверждение после оплаты.
	res, _ = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/confirm", gin.H{"payment_ref": "pay_42"}, student)
	assert.Equal(t, http.StatusOK, res.StatusCode, "Бронь не подтвердилась")

	// 4. Выпуск QR-токена владельцем.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/qr", nil, student)
	assert.Equal(t, http.StatusOK, res.StatusCode, "QR-токен не выпущен")
	qrToken := payload["qr_token"].(string)
	assert.NotEmpty(t, qrToken)

	// Чужой студент не может выпустить QR по этой брони.
	stranger := createTestUser(t, "autre", "student")
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/qr", nil, stranger)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "PERMISSION_DENIED", payload["code"])

	// 5. Студент не может валидировать талон.
	res, payload = doJSON(t, "POST", ts.URL+"/api/validate", gin.H{"qr_token": qrToken}, student)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "PERMISSION_DENIED", payload["code"])

	// 6. Валидация сотрудником.
	res, payload = doJSON(t, "POST", ts.URL+"/api/validate", gin.H{"qr_token": qrToken}, staff)
	assert.Equal(t, http.StatusOK, res.StatusCode, "Сотрудник не смог принять талон")
	firstUsedAt := payload["used_at"].(string)
	userInfo := payload["user_info"].(map[string]interface{})
	assert.Equal(t, "ahmed", userInfo["name"])

	var reservation models.Reservation
	err := storage.DB.First(&reservation, "id = ?", reservationID).Error
	assert.NoError(t, err)
	assert.Equal(t, reservations.StatusUsed, reservation.Status)
	assert.NotNil(t, reservation.ValidatedBy)
	assert.Equal(t, staff.ID, *reservation.ValidatedBy, "validated_by должен указывать на сотрудника")

	// 7. Повторная валидация того же токена.
	res, payload = doJSON(t, "POST", ts.URL+"/api/validate", gin.H{"qr_token": qrToken}, staff)
	assert.Equal(t, http.StatusConflict, res.StatusCode, "Повторная валидация должна отклоняться")
	assert.Equal(t, "ALREADY_USED", payload["code"])
	assert.Equal(t, firstUsedAt, payload["details"], "Исходное время использования должно сохраняться")

	// 8. Использованную бронь нельзя отменить.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/cancel", nil, student)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "ALREADY_USED", payload["code"])
}

func TestConcurrentCreateSingleSeat(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	user1 := createTestUser(t, "ivan", "student")
	user2 := createTestUser(t, "petr", "student")
	slot := createTestSlot(t, time.Now().Add(5*time.Hour), 1)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i, u := range []models.User{user1, user2} {
		wg.Add(1)
		go func(i int, u models.User) {
			defer wg.Done()
			res, _ := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
				"time_slot_id": slot.ID,
				"capacity":     1,
				"amount":       1.5,
			}, u)
			codes[i] = res.StatusCode
		}(i, u)
	}
	wg.Wait()

	success, full := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			success++
		case http.StatusConflict:
			full++
		}
	}
	assert.Equal(t, 1, success, "Ровно один студент должен получить место")
	assert.Equal(t, 1, full, "Второй студент должен получить SLOT_FULL")
	assert.Equal(t, 1, slotReservations(t, slot.ID), "Слот не должен быть переполнен")
}

func TestConcurrentValidateExactlyOnce(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "sami", "student")
	staff1 := createTestUser(t, "staff1", "staff")
	staff2 := createTestUser(t, "staff2", "staff")
	slot := createTestSlot(t, time.Now().Add(5*time.Hour), 5)

	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slot.ID,
		"capacity":     1,
		"amount":       1.5,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	reservationID := payload["reservation_id"].(string)

	res, _ = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/confirm", nil, student)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/qr", nil, student)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	qrToken := payload["qr_token"].(string)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i, staff := range []models.User{staff1, staff2} {
		wg.Add(1)
		go func(i int, staff models.User) {
			defer wg.Done()
			res, _ := doJSON(t, "POST", ts.URL+"/api/validate", gin.H{"qr_token": qrToken}, staff)
			codes[i] = res.StatusCode
		}(i, staff)
	}
	wg.Wait()

	success, alreadyUsed := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			success++
		case http.StatusConflict:
			alreadyUsed++
		}
	}
	assert.Equal(t, 1, success, "Ровно одна валидация должна пройти")
	assert.Equal(t, 1, alreadyUsed, "Вторая валидация должна получить ALREADY_USED")

	var reservation models.Reservation
	err := storage.DB.First(&reservation, "id = ?", reservationID).Error
	assert.NoError(t, err)
	assert.Equal(t, reservations.StatusUsed, reservation.Status)
	assert.NotNil(t, reservation.UsedAt)
	assert.NotNil(t, reservation.ValidatedBy)
}

func TestCancelRestoresCapacity(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "nour", "student")
	slot := createTestSlot(t, time.Now().Add(5*time.Hour), 10)

	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slot.ID,
		"capacity":     3,
		"amount":       4.5,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	reservationID := payload["reservation_id"].(string)
	assert.Equal(t, 3, slotReservations(t, slot.ID))

	res, _ = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/cancel", gin.H{"reason": "передумал"}, student)
	assert.Equal(t, http.StatusOK, res.StatusCode, "Отмена брони не прошла")
	assert.Equal(t, 0, slotReservations(t, slot.ID), "Отмена должна вернуть счётчик к исходному")

	// Повторная отмена отклоняется.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/cancel", nil, student)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "ALREADY_CANCELLED", payload["code"])

	// Отменённую бронь нельзя подтвердить.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/confirm", nil, student)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "INVALID_STATE", payload["code"])
}

func TestCancelTooLate(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "late", "student")
	// Слот начинается через 90 минут — меньше двухчасового порога.
	slot := createTestSlot(t, time.Now().Add(90*time.Minute), 10)

	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slot.ID,
		"capacity":     1,
		"amount":       1.5,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	reservationID := payload["reservation_id"].(string)

	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/cancel", nil, student)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, "Поздняя отмена должна отклоняться")
	assert.Equal(t, "TOO_LATE_TO_CANCEL", payload["code"])
	assert.Equal(t, 1, slotReservations(t, slot.ID), "Неудачная отмена не должна менять счётчик")
}

func TestModifyAtomicWhenTargetFull(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "amine", "student")
	other := createTestUser(t, "blocker", "student")
	slotA := createTestSlot(t, time.Now().Add(5*time.Hour), 10)
	slotB := createTestSlot(t, time.Now().Add(6*time.Hour), 1)

	// Занимаем единственное место в целевом слоте другим студентом.
	res, _ := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slotB.ID,
		"capacity":     1,
		"amount":       1.5,
	}, other)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slotA.ID,
		"capacity":     2,
		"amount":       3.0,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	reservationID := payload["reservation_id"].(string)
	assert.Equal(t, 2, slotReservations(t, slotA.ID))

	// Перенос в заполненный слот должен провалиться без частичных изменений.
	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/modify", gin.H{
		"new_time_slot_id": slotB.ID,
	}, student)
	assert.Equal(t, http.StatusConflict, res.StatusCode, "Перенос в полный слот должен отклоняться")
	assert.Equal(t, "SLOT_FULL", payload["code"])
	assert.Equal(t, 2, slotReservations(t, slotA.ID), "Счётчик исходного слота не должен измениться")
	assert.Equal(t, 1, slotReservations(t, slotB.ID), "Счётчик целевого слота не должен измениться")

	var reservation models.Reservation
	err := storage.DB.First(&reservation, "id = ?", reservationID).Error
	assert.NoError(t, err)
	assert.Equal(t, slotA.ID, reservation.TimeSlotID, "Бронь должна остаться на исходном слоте")
}

func TestModifySucceeds(t *testing.T) {
	ts := setupTestServer()
	defer ts.Close()

	student := createTestUser(t, "mover", "student")
	slotA := createTestSlot(t, time.Now().Add(5*time.Hour), 10)
	slotB := createTestSlot(t, time.Now().Add(6*time.Hour), 10)

	res, payload := doJSON(t, "POST", ts.URL+"/api/reservations", gin.H{
		"time_slot_id": slotA.ID,
		"capacity":     2,
		"amount":       3.0,
	}, student)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	reservationID := payload["reservation_id"].(string)

	res, payload = doJSON(t, "POST", ts.URL+"/api/reservations/"+reservationID+"/modify", gin.H{
		"new_time_slot_id": slotB.ID,
	}, student)
	assert.Equal(t, http.StatusOK, res.StatusCode, "Перенос брони не прошёл")
	newSlot := payload["new_time_slot"].(map[string]interface{})
	assert.Equal(t, float64(slotB.ID), newSlot["id"])

	assert.Equal(t, 0, slotReservations(t, slotA.ID), "Места исходного слота должны освободиться")
	assert.Equal(t, 2, slotReservations(t, slotB.ID), "Места целевого слота должны быть заняты")

	var reservation models.Reservation
	err := storage.DB.First(&reservation, "id = ?", reservationID).Error
	assert.NoError(t, err)
	assert.Equal(t, slotB.ID, reservation.TimeSlotID)
	assert.Equal(t, slotB.Price*2, reservation.Amount, "Сумма должна пересчитаться по цене нового слота")
}
