package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.True(t, VerifyPassword("s3cret", hash))
	require.False(t, VerifyPassword("wrong", hash))
}

func TestHashPassword_Salted(t *testing.T) {
	t.Parallel()
	h1, err := HashPassword("same")
	require.NoError(t, err)
	h2, err := HashPassword("same")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
	require.True(t, VerifyPassword("same", h1))
	require.True(t, VerifyPassword("same", h2))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"argon2id$3$65536$2$notbase64!!$xxx",
		"bcrypt$whatever",
		"argon2id$3$65536",
	}
	for _, h := range cases {
		require.False(t, VerifyPassword("pw", h), "hash %q", h)
	}
}
