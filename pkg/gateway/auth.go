package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
)

// SecretHeader carries the shared secret on HTTP RPC requests.
const SecretHeader = "X-Claudesky-Secret"

const maxAuthAttempts = 3

// AuthHandler manages shared-secret authentication. WebSocket clients answer
// an HMAC-SHA256 challenge; HTTP callers send the secret in SecretHeader.
// An empty secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether a shared secret is configured
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a random 32-byte challenge, hex encoded
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the challenge response a client must send
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a challenge response in constant time
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// CheckRequest validates the shared secret header of an HTTP request
func (a *AuthHandler) CheckRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(got)) == 1
}

// Challenge issues a fresh challenge to client
func (a *AuthHandler) Challenge(client *Client) (string, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return "", err
	}
	client.mu.Lock()
	client.challenge = challenge
	client.mu.Unlock()
	return challenge, nil
}

// HandleAuthResponse processes a client's challenge response. The second
// return value is true once the client has used up its attempts.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) (AuthResult, bool) {
	client.mu.Lock()
	challenge := client.challenge
	client.mu.Unlock()

	if challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}, false
	}

	if !a.VerifySignature(challenge, signature) {
		client.mu.Lock()
		client.authAttempts++
		attempts := client.authAttempts
		client.mu.Unlock()

		if attempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}, true
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}, false
	}

	client.setAuthenticated()
	return AuthResult{Event: "auth.success", Success: true}, false
}
