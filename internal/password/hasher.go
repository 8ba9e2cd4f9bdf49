// Package password implements credential hashing, strength scoring, breach
// lookups and per-account lockout.
package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"
)

const (
	// DefaultMinLength is the minimum accepted password length in characters
	DefaultMinLength = 8
	// DefaultMaxLength is the maximum accepted password length in characters
	DefaultMaxLength = 128
)

// Params are the scrypt cost parameters
type Params struct {
	N          int
	R          int
	P          int
	KeyLength  int
	SaltLength int
}

// DefaultParams returns N=16384 r=8 p=1 with a 64-byte key and 32-byte salt
func DefaultParams() Params {
	return Params{N: 16384, R: 8, P: 1, KeyLength: 64, SaltLength: 32}
}

// Policy bounds password length
type Policy struct {
	MinLength int
	MaxLength int
}

// DefaultPolicy returns the 8..128 character policy
func DefaultPolicy() Policy {
	return Policy{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength}
}

// InvalidInputError is returned when a password cannot be hashed
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid password: " + e.Reason
}

// Hash is a hex-encoded derived key and its salt
type Hash struct {
	Hash string
	Salt string
}

// Hasher derives and verifies scrypt password hashes
type Hasher struct {
	params Params
	policy Policy
}

// NewHasher creates a hasher with the given cost parameters and length policy
func NewHasher(params Params, policy Policy) *Hasher {
	if policy.MinLength <= 0 {
		policy.MinLength = DefaultMinLength
	}
	if policy.MaxLength < policy.MinLength {
		policy.MaxLength = DefaultMaxLength
	}
	return &Hasher{params: params, policy: policy}
}

// Policy returns the length policy enforced by Hash
func (h *Hasher) Policy() Policy { return h.policy }

// Hash derives a key from password using a fresh random salt
func (h *Hasher) Hash(ctx context.Context, password string) (Hash, error) {
	if password == "" {
		return Hash{}, &InvalidInputError{Reason: "password is required"}
	}
	n := utf8.RuneCountInString(password)
	if n < h.policy.MinLength {
		return Hash{}, &InvalidInputError{Reason: fmt.Sprintf("password must be at least %d characters", h.policy.MinLength)}
	}
	if n > h.policy.MaxLength {
		return Hash{}, &InvalidInputError{Reason: fmt.Sprintf("password must be at most %d characters", h.policy.MaxLength)}
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return Hash{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := h.derive(ctx, password, salt)
	if err != nil {
		return Hash{}, err
	}
	return Hash{Hash: hex.EncodeToString(key), Salt: hex.EncodeToString(salt)}, nil
}

// Verify reports whether password matches hash and salt. Malformed input
// yields false without running the KDF.
func (h *Hasher) Verify(ctx context.Context, password, hash, salt string) bool {
	if password == "" || len(hash) != h.params.KeyLength*2 || salt == "" {
		return false
	}
	expected, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	key, err := h.derive(ctx, password, saltBytes)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// derive runs scrypt off the caller's goroutine so a cancelled request can
// stop waiting. The KDF itself runs to completion and is then discarded.
func (h *Hasher) derive(ctx context.Context, password string, salt []byte) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		key, err := scrypt.Key([]byte(password), salt, h.params.N, h.params.R, h.params.P, h.params.KeyLength)
		done <- result{key: key, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", res.err)
		}
		return res.key, nil
	}
}
