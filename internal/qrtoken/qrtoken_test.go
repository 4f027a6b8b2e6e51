package qrtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	slotStart := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	token, err := Issue("res-123", 42, slotStart, 2)
	assert.NoError(t, err, "Ошибка выпуска токена")

	claims, err := Verify(token)
	assert.NoError(t, err, "Свежий токен должен проходить проверку")
	assert.Equal(t, "res-123", claims.Subject)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, slotStart.Format(time.RFC3339), claims.TimeSlot)
	assert.Equal(t, 2, claims.Capacity)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	// Токен с истёкшим сроком, подписанный тем же секретом.
	claims := Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "res-expired",
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-3 * time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	assert.NoError(t, err)

	_, err = Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken, "Истёкший токен должен отклоняться")
}

func TestVerifyWrongSignature(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	token, err := Issue("res-123", 42, time.Now().Add(time.Hour), 1)
	assert.NoError(t, err)

	t.Setenv("QR_SECRET", "another-secret")
	_, err = Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "Токен с чужой подписью должен отклоняться")
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "res-123",
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	assert.NoError(t, err)

	_, err = Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken, "Токен с другим алгоритмом подписи должен отклоняться")
}

func TestVerifyRejectsForeignIssuerAndAudience(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	base := jwt.RegisteredClaims{
		Subject:   "res-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	foreignIssuer := base
	foreignIssuer.Issuer = "another-service"
	foreignIssuer.Audience = jwt.ClaimStrings{Audience}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: foreignIssuer}).SignedString([]byte("test-secret"))
	assert.NoError(t, err)
	_, err = Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreignAudience := base
	foreignAudience.Issuer = Issuer
	foreignAudience.Audience = jwt.ClaimStrings{"another-entry"}
	signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: foreignAudience}).SignedString([]byte("test-secret"))
	assert.NoError(t, err)
	_, err = Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMalformed(t *testing.T) {
	t.Setenv("QR_SECRET", "test-secret")

	_, err := Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
