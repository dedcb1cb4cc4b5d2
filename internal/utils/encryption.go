package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword verifies a password against its hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateTurnCredentials derives short-lived TURN REST credentials
// (username "expiry:user", password base64(HMAC-SHA1(secret, username))).
func GenerateTurnCredentials(user, sharedSecret string, ttl time.Duration) (string, string) {
	turnUsername := fmt.Sprintf("%d:%s", time.Now().Add(ttl).Unix(), user)

	mac := hmac.New(sha1.New, []byte(sharedSecret))
	mac.Write([]byte(turnUsername))
	return turnUsername, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
