package server

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrAuthenticationFailure is the single error every failed authentication
// returns, so clients cannot probe for valid usernames.
var ErrAuthenticationFailure = errors.New("authentication failure")

// NewChallenge returns a fresh 40-hex-character challenge string. Challenges
// double as notify channel nonces.
func NewChallenge() string {
	buf := make([]byte, 40)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}

// Authenticate verifies a challenge response: SHA1(challenge + " " + secret)
// in lowercase hex. Unknown users take the same path as wrong passwords.
func Authenticate(user, response, challenge string, secrets map[string]string) error {
	secret, ok := secrets[user]
	if !ok {
		secret = ""
	}
	sum := sha1.Sum([]byte(challenge + " " + secret))
	expected := hex.EncodeToString(sum[:])
	if !ok || subtle.ConstantTimeCompare([]byte(response), []byte(expected)) != 1 {
		return ErrAuthenticationFailure
	}
	return nil
}
