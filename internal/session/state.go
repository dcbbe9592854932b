package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidState = errors.New("invalid federated login state")
	ErrStateExpired = errors.New("federated login state expired")
)

// Mode selects how the browser returns from a federated login.
type Mode string

const (
	ModeRedirect Mode = "redirect"
	ModePopup    Mode = "popup"
)

// ParseMode defaults to redirect for anything but "popup".
func ParseMode(s string) Mode {
	if Mode(s) == ModePopup {
		return ModePopup
	}
	return ModeRedirect
}

// FederatedState travels through the provider in the OAuth2 state parameter.
type FederatedState struct {
	Nonce        string `json:"n"`
	SessionID    string `json:"sid"`
	Provider     string `json:"p"`
	Mode         Mode   `json:"m"`
	CodeVerifier string `json:"cv"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// StateCodec encrypts with AES-GCM and signs with HMAC-SHA256.
type StateCodec struct {
	encryptionKey []byte
	hmacKey       []byte
	refKey        []byte
	ttl           time.Duration
	now           func() time.Time
}

// NewStateCodec derives its keys from secret. An empty secret yields
// random keys, so states do not survive a restart.
func NewStateCodec(secret string, ttl time.Duration) (*StateCodec, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	seed := []byte(secret)
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate state secret: %w", err)
		}
	}
	encKey, err := deriveKey(seed, "cashmanager state encryption")
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(seed, "cashmanager state signature")
	if err != nil {
		return nil, err
	}
	refKey, err := deriveKey(seed, "cashmanager session reference")
	if err != nil {
		return nil, err
	}
	return &StateCodec{
		encryptionKey: encKey,
		hmacKey:       macKey,
		refKey:        refKey,
		ttl:           ttl,
		now:           time.Now,
	}, nil
}

// deriveKey expands secret into a 32-byte key bound to label (HKDF-SHA256).
func deriveKey(secret []byte, label string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	return key, nil
}

// SessionRef returns a stable keyed hash of a session id, safe to log,
// publish and store in place of the id itself.
func (c *StateCodec) SessionRef(sid string) string {
	if sid == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.refKey)
	mac.Write([]byte(sid))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// Encode fills in nonce and timestamps, then encrypts and signs the state.
func (c *StateCodec) Encode(state *FederatedState) (string, error) {
	if state == nil || state.SessionID == "" {
		return "", ErrInvalidState
	}
	now := c.now()
	if state.IssuedAt == 0 {
		state.IssuedAt = now.Unix()
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = now.Add(c.ttl).Unix()
	}
	if state.Nonce == "" {
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		state.Nonce = base64.RawURLEncoding.EncodeToString(nonce)
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(ciphertext)
	return base64.RawURLEncoding.EncodeToString(append(mac.Sum(nil), ciphertext...)), nil
}

// Decode verifies, decrypts and checks the expiry of a state token.
func (c *StateCodec) Decode(token string) (*FederatedState, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) < sha256.Size {
		return nil, ErrInvalidState
	}

	signature, ciphertext := data[:sha256.Size], data[sha256.Size:]
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(ciphertext)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, ErrInvalidState
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrInvalidState
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidState
	}

	var state FederatedState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrInvalidState
	}
	if c.now().Unix() > state.ExpiresAt {
		return &state, ErrStateExpired
	}
	return &state, nil
}

func (c *StateCodec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
