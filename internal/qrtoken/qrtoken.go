package qrtoken

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer   = "canteen-api"
	Audience = "canteen-entry"

	// TokenTTL — время жизни QR-токена с момента выпуска.
	TokenTTL = 2 * time.Hour
)

// ErrInvalidToken возвращается при любой ошибке проверки токена:
// неверная подпись, неподдерживаемый алгоритм, чужой issuer/audience,
// истёкший срок или повреждённая структура.
var ErrInvalidToken = errors.New("недействительный QR-токен")

// Claims — состав QR-токена: бронь (sub), владелец, начало слота и
// количество мест.
type Claims struct {
	UserID   uint   `json:"user_id"`
	TimeSlot string `json:"time_slot"` // Начало слота в формате RFC3339
	Capacity int    `json:"capacity"`
	jwt.RegisteredClaims
}

func secret() []byte {
	return []byte(os.Getenv("QR_SECRET"))
}

// Issue выпускает подписанный QR-токен для подтверждённой брони.
func Issue(reservationID string, userID uint, slotStart time.Time, capacity int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		TimeSlot: slotStart.Format(time.RFC3339),
		Capacity: capacity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   reservationID,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

// Verify проверяет подпись и claims токена. Алгоритм зафиксирован (HS256),
// чтобы исключить подмену алгоритма подписи.
func Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
