package signing

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestIssueAndValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSigner([]byte("topsecret"), WithClock(fixedClock(now)))

	tok := s.Issue("file123", time.Minute)
	assert.Equal(t, now.Add(time.Minute).Unix(), tok.Exp)
	assert.Len(t, tok.Token, 64)
	assert.True(t, s.Validate("file123", tok.Token, tok.Exp))
	assert.True(t, s.ValidateQuery("file123", tok.Token, strconv.FormatInt(tok.Exp, 10)))

	assert.False(t, s.Validate("file124", tok.Token, tok.Exp))
	assert.False(t, s.Validate("file123", tok.Token, tok.Exp+1))
	assert.False(t, s.ValidateQuery("file123", tok.Token, "soon"))
}

func TestValidateRejectsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	s := NewSigner([]byte("topsecret"), WithClock(func() time.Time { return clock }))
	tok := s.Issue("file123", time.Minute)

	clock = now.Add(59 * time.Second)
	assert.True(t, s.Validate("file123", tok.Token, tok.Exp))
	clock = now.Add(time.Minute)
	assert.False(t, s.Validate("file123", tok.Token, tok.Exp))
}

func TestValidateRejectsSingleBitMutation(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	tok := s.Issue("file123", time.Minute)
	raw := []byte(tok.Token)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 1 << bit
			assert.False(t, s.Validate("file123", string(mutated), tok.Exp), "position %d bit %d", i, bit)
		}
	}
	assert.False(t, s.Validate("file123", strings.ToUpper(tok.Token), tok.Exp))
	assert.False(t, s.Validate("file123", tok.Token[:10], tok.Exp))
	assert.False(t, s.Validate("file123", "", tok.Exp))
}

func TestEmptySecretFailsClosed(t *testing.T) {
	s := NewSigner(nil)
	require.False(t, s.Enabled())
	tok := s.Issue("file123", time.Minute)
	assert.False(t, s.Validate("file123", tok.Token, tok.Exp))
}

func TestIssueTTLBounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSigner([]byte("k"), WithClock(fixedClock(now)), WithDefaultTTL(2*time.Minute))
	assert.Equal(t, now.Add(2*time.Minute).Unix(), s.Issue("a", 0).Exp)
	assert.Equal(t, now.Add(2*time.Minute).Unix(), s.Issue("a", -time.Second).Exp)
	assert.Equal(t, now.Add(MaxTTL).Unix(), s.Issue("a", 30*24*time.Hour).Exp)
}

func TestTokenURL(t *testing.T) {
	tok := Token{Token: "abc", Exp: 1700000000}
	assert.Equal(t, "https://cdn.example/attachments/a%2Fb?exp=1700000000&token=abc", tok.URL("https://cdn.example", "a/b"))
}
