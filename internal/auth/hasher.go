// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest plaintext any hasher accepts, in runes.
const MinPasswordLength = 8

// DefaultBcryptCost is the bcrypt work factor used unless configured otherwise.
const DefaultBcryptCost = 10

// OWASP-recommended argon2id parameters.
const (
	argon2Time    = 1         // iterations
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4         // parallelism
	argon2SaltLen = 16        // salt length in bytes
	argon2KeyLen  = 32        // output length in bytes
)

// Upper bounds accepted from stored argon2id hashes. Anything above is
// treated as corrupt rather than attempted.
const (
	argon2MaxMemory = 4 * argon2Memory
	argon2MaxTime   = 4 * argon2Time
	argon2MaxKeyLen = 1024
)

// Supported hash algorithms.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

const argon2idPrefix = "$argon2id$"

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted hash with its parameters embedded.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash should be recomputed with current parameters.
	NeedsUpgrade(hash string) bool
}

func checkStrength(password string) error {
	if n := utf8.RuneCountInString(password); n < MinPasswordLength {
		return oops.Code(CodeWeakInput).
			With("min_length", MinPasswordLength).
			Wrapf(ErrWeakInput, "password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

func corruptHashError(reason string) error {
	return oops.Code(CodeCorruptHash).Wrapf(ErrCorruptHash, "%s", reason)
}

// BcryptHasher implements PasswordHasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher. A cost outside bcrypt's range falls back to DefaultBcryptCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Cost returns the configured work factor.
func (h *BcryptHasher) Cost() int {
	return h.cost
}

// Hash produces a bcrypt hash of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if err := checkStrength(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", oops.Code(CodeWeakInput).
				With("max_bytes", 72).
				Wrapf(ErrWeakInput, "password exceeds 72 bytes")
		}
		return "", oops.Code(CodeInternal).With("operation", "bcrypt hash").Wrap(err)
	}
	return string(hash), nil
}

// Verify checks if the password matches the bcrypt hash.
func (h *BcryptHasher) Verify(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, corruptHashError(err.Error())
	}
}

// NeedsUpgrade returns true if the hash is not bcrypt or was produced with a lower cost.
func (h *BcryptHasher) NeedsUpgrade(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct{}

// NewArgon2idHasher creates a new Argon2idHasher.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{}
}

// Hash produces an argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if err := checkStrength(password); err != nil {
		return "", err
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code(CodeInternal).With("operation", "read salt").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type argon2Params struct {
	memory, time uint32
	threads      uint8
	salt, key    []byte
}

func parseArgon2id(encoded string) (*argon2Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, corruptHashError("invalid hash format")
	}
	if parts[1] != AlgorithmArgon2id {
		return nil, corruptHashError("unsupported hash algorithm: " + parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, corruptHashError("invalid version")
	}
	if version != argon2.Version {
		return nil, corruptHashError(fmt.Sprintf("unsupported argon2 version %d", version))
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return nil, corruptHashError("invalid parameters")
	}
	if threads == 0 || threads > 255 {
		return nil, corruptHashError(fmt.Sprintf("threads value %d out of range", threads))
	}
	if memory == 0 || memory > argon2MaxMemory {
		return nil, corruptHashError(fmt.Sprintf("memory value %d out of range", memory))
	}
	if iterations == 0 || iterations > argon2MaxTime {
		return nil, corruptHashError(fmt.Sprintf("time value %d out of range", iterations))
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, corruptHashError("invalid salt encoding")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, corruptHashError("invalid key encoding")
	}
	if len(key) == 0 || len(key) > argon2MaxKeyLen {
		return nil, corruptHashError(fmt.Sprintf("invalid key length %d", len(key)))
	}

	return &argon2Params{memory: memory, time: iterations, threads: uint8(threads), salt: salt, key: key}, nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	p, err := parseArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

// NeedsUpgrade returns true if the hash is not argon2id or uses weaker parameters.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	p, err := parseArgon2id(hash)
	if err != nil {
		return true
	}
	return p.memory < argon2Memory || p.time < argon2Time
}

// HasherConfig selects the primary algorithm.
type HasherConfig struct {
	Algorithm  string
	BcryptCost int
}

// MultiHasher hashes with a primary algorithm and verifies every supported format,
// so stored hashes can migrate between algorithms on login.
type MultiHasher struct {
	primary   PasswordHasher
	algorithm string
	bcrypt    *BcryptHasher
	argon2id  *Argon2idHasher
}

// NewPasswordHasher builds a hasher from cfg. An empty algorithm selects bcrypt.
func NewPasswordHasher(cfg HasherConfig) (*MultiHasher, error) {
	m := &MultiHasher{
		bcrypt:   NewBcryptHasher(cfg.BcryptCost),
		argon2id: NewArgon2idHasher(),
	}
	switch strings.ToLower(cfg.Algorithm) {
	case "", AlgorithmBcrypt:
		m.primary, m.algorithm = m.bcrypt, AlgorithmBcrypt
	case AlgorithmArgon2id:
		m.primary, m.algorithm = m.argon2id, AlgorithmArgon2id
	default:
		return nil, oops.Code(CodeInvalidInput).
			With("algorithm", cfg.Algorithm).
			Wrapf(ErrInvalidInput, "unsupported password hash algorithm %q", cfg.Algorithm)
	}
	return m, nil
}

// Algorithm returns the primary algorithm name.
func (m *MultiHasher) Algorithm() string {
	return m.algorithm
}

// Hash hashes with the primary algorithm.
func (m *MultiHasher) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

// Verify dispatches on the hash prefix.
func (m *MultiHasher) Verify(password, hash string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, argon2idPrefix):
		return m.argon2id.Verify(password, hash)
	case isBcryptHash(hash):
		return m.bcrypt.Verify(password, hash)
	default:
		return false, corruptHashError("unrecognized hash format")
	}
}

// NeedsUpgrade reports whether hash is in another format than the primary or is weaker.
func (m *MultiHasher) NeedsUpgrade(hash string) bool {
	return m.primary.NeedsUpgrade(hash)
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
