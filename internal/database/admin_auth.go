package database

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/damso/damso/internal/database/models"
	"golang.org/x/crypto/argon2"
)

// Admin credential errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet the admin policy")
)

// Admin password policy.
const (
	MinAdminPasswordLen = 10
	MaxAdminPasswordLen = 256
)

// Argon2id parameters for new admin hashes.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// ValidateAdminPassword enforces the operator password policy: at least
// MinAdminPasswordLen characters, at most MaxAdminPasswordLen bytes, and at
// least one letter and one digit.
func ValidateAdminPassword(password string) error {
	if utf8.RuneCountInString(password) < MinAdminPasswordLen {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinAdminPasswordLen)
	}
	if len(password) > MaxAdminPasswordLen {
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeakPassword, MaxAdminPasswordLen)
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return fmt.Errorf("%w: must contain a letter and a digit", ErrWeakPassword)
	}
	return nil
}

// NewAdminAccount builds an active admin with a normalized email and a
// hashed password that passed the policy. Role defaults to "admin".
func NewAdminAccount(email, name, role, password string) (*models.Admin, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("admin email is required")
	}
	if err := ValidateAdminPassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = "admin"
	}
	return &models.Admin{
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		Role:         role,
		IsActive:     true,
	}, nil
}

// AuthenticateAdmin looks up an admin by email and checks the password.
// Unknown emails, disabled accounts and wrong passwords all return
// ErrInvalidCredentials.
func AuthenticateAdmin(ctx context.Context, admins AdminRepository, email, password string) (*models.Admin, error) {
	a, err := admins.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if a == nil || !a.IsActive {
		return nil, ErrInvalidCredentials
	}
	ok, err := CheckPassword(password, a.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("admin %s: %w", a.ID, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// argon2Hash is a decoded $argon2id$ string.
type argon2Hash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (h argon2Hash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key))
}

func (h argon2Hash) matches(password string) bool {
	computed := argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(h.key, computed) == 1
}

// HashPassword hashes a password with Argon2id:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	h := argon2Hash{memory: argon2Memory, time: argon2Time, threads: argon2Threads}
	h.salt = make([]byte, argon2SaltLen)
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h.key = argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, argon2KeyLen)
	return h.String(), nil
}

// CheckPassword reports whether password matches an encoded Argon2id hash.
func CheckPassword(password, encoded string) (bool, error) {
	h, err := parseArgon2Hash(encoded)
	if err != nil {
		return false, err
	}
	return h.matches(password), nil
}

func parseArgon2Hash(encoded string) (argon2Hash, error) {
	var h argon2Hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return h, fmt.Errorf("invalid password hash: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return h, fmt.Errorf("unsupported password hash algorithm %q", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return h, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("unsupported argon2 version %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return h, fmt.Errorf("parsing hash parameters: %w", err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("decoding salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("decoding hash: %w", err)
	}
	if len(h.key) == 0 {
		return h, errors.New("invalid password hash: empty key")
	}
	return h, nil
}
