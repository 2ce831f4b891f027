package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var (
	ErrTooManyArgs = errors.New("too many arguments. expected only 1")
	ErrEmptyToken  = errors.New("token and hash cannot be empty")
)

const (
	DefaultTokenLength = 32 // 256 bits

	fingerprintLength = 12
)

// TokenPair holds an opaque session token and the hash kept server side
type TokenPair struct {
	Token string // value handed to the session holder
	Hash  string // value in storage
}

func generateToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = DefaultTokenLength
	}

	bytes := make([]byte, byteLength)

	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateToken returns a URL-safe random token
func GenerateToken(byteLength ...int) (string, error) {
	if len(byteLength) > 1 {
		return "", ErrTooManyArgs
	}
	if len(byteLength) == 0 {
		return generateToken(DefaultTokenLength)
	}
	return generateToken(byteLength[0])
}

func GenerateHashedToken(byteLength ...int) (*TokenPair, error) {
	token, err := GenerateToken(byteLength...)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		Token: token,
		Hash:  HashToken(token),
	}, nil
}

func VerifyToken(token, storedHash string) (bool, error) {
	if token == "" || storedHash == "" {
		return false, ErrEmptyToken
	}

	tokenHash := HashToken(token)

	// Constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(tokenHash), []byte(storedHash)) == 1, nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Fingerprint is a short, log-safe identifier for a secret value
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	return "sha256:" + HashToken(token)[:fingerprintLength]
}
