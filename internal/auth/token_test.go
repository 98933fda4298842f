// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toletglobe/credcore/internal/auth"
	"github.com/toletglobe/credcore/pkg/errutil"
)

func TestTokenGenerator_Issue(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gen := auth.NewTokenGenerator(auth.WithTokenClock(func() time.Time { return now }))

	tok, err := gen.Issue(15 * time.Minute)
	require.NoError(t, err)

	assert.Len(t, tok.Plaintext, 64) // 32 bytes hex-encoded
	_, err = hex.DecodeString(tok.Plaintext)
	assert.NoError(t, err)
	assert.Equal(t, gen.Digest(tok.Plaintext), tok.Hash)
	assert.NotEqual(t, tok.Plaintext, tok.Hash)
	assert.Equal(t, now.Add(15*time.Minute), tok.ExpiresAt)

	state := tok.State()
	assert.Equal(t, tok.Hash, state.Hash)
	assert.Equal(t, tok.ExpiresAt, state.ExpiresAt)
}

func TestTokenGenerator_IssueIsUnique(t *testing.T) {
	gen := auth.NewTokenGenerator()
	seen := make(map[string]bool)
	for range 100 {
		tok, err := gen.Issue(time.Hour)
		require.NoError(t, err)
		assert.False(t, seen[tok.Plaintext], "duplicate token issued")
		seen[tok.Plaintext] = true
	}
}

func TestTokenGenerator_IssueRejectsNonPositiveTTL(t *testing.T) {
	_, err := auth.NewTokenGenerator().Issue(0)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
}

func TestDigestToken(t *testing.T) {
	sum := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(sum[:]), auth.DigestToken("abc"))
	assert.Equal(t, auth.DigestToken("abc"), auth.NewTokenGenerator().Digest("abc"))
	assert.NotEqual(t, auth.DigestToken("abc"), auth.DigestToken("abd"))
}

func TestTokenState_ValidAt(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := &auth.TokenState{Hash: "h", ExpiresAt: expiry}

	assert.True(t, st.ValidAt(expiry.Add(-time.Microsecond)))
	assert.False(t, st.ValidAt(expiry))
	assert.False(t, st.ValidAt(expiry.Add(time.Second)))

	var none *auth.TokenState
	assert.False(t, none.ValidAt(expiry))
}
