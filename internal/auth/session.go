package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the JWT payload carried by a bot session token. The
// token binds subsequent poll/ping/result calls to the bot identity that
// performed the handshake.
type SessionClaims struct {
	BotID string `json:"bot_id"`
	jwt.RegisteredClaims
}

// GenerateSessionToken issues an HS256 session token for a bot.
func GenerateSessionToken(botID, secretKey string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		BotID: botID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   botID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// ValidateSessionToken parses and verifies a bot session token.
func ValidateSessionToken(tokenString, secretKey string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
