package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("invalid session format")
	ErrSignature = errors.New("invalid session signature")
	ErrExpired   = errors.New("session expired")
)

// Encode serializes and signs u. The result is the cookie value and is also
// accepted as a bearer token.
func Encode(u *UserSessionData, secret []byte) (string, error) {
	jsonData, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	value := base64.URLEncoding.EncodeToString(jsonData)
	return value + "|" + computeHMAC(value, secret), nil
}

func decode(raw string, secret []byte, now time.Time) (*UserSessionData, error) {
	value, sig, ok := strings.Cut(raw, "|")
	if !ok || strings.Contains(sig, "|") {
		return nil, ErrMalformed
	}
	if !validateHMAC(value, sig, secret) {
		return nil, ErrSignature
	}
	jsonData, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	var u UserSessionData
	if err := json.Unmarshal(jsonData, &u); err != nil {
		return nil, err
	}
	if now.Unix() > u.ExpiresAt {
		return nil, ErrExpired
	}
	return &u, nil
}
