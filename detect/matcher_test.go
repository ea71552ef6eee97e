package detect

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordMatcher(t *testing.T) {
	tests := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		{"authentication_failed", "authentication_failed,sshd,", true},
		{"AUTHENTICATION_FAILED", "authentication_failed,sshd,", true},
		{"sshd", "authentication_failed,pam,", false},
		{"web|sshd", "authentication_failed,sshd,", true},
		{"web|ids", "authentication_failed,sshd,", false},
		{"^authentication", "authentication_failed,", true},
		{"^sshd", "authentication_failed,sshd,", false},
		{"sshd,$", "authentication_failed,sshd,", true},
		{"^sshd$", "sshd", true},
		{"^sshd$", "sshd2", false},
		{"!pam", "authentication_failed,sshd,", true},
		{"!sshd", "authentication_failed,sshd,", false},
		{"", "anything", false},
		{"sshd", "", false},
		{"$", "anything", false},
	}

	var m WordMatcher
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.pattern, tt.candidate), "%q vs %q", tt.pattern, tt.candidate)
	}
}

func TestRegexMatcher(t *testing.T) {
	m, err := NewRegexMatcher(time.Second, 16, nil)
	require.NoError(t, err)

	assert.True(t, m.Match(`^Failed password for (\S+) from`, "Failed password for root from 10.0.0.1"))
	assert.False(t, m.Match(`^Accepted`, "Failed password for root"))
	assert.False(t, m.Match("", "anything"))

	assert.True(t, m.Match(`^Accepted`, "Accepted publickey"))
	assert.Equal(t, 2, m.Len(), "patterns are compiled once")
}

func TestRegexMatcher_InvalidPattern(t *testing.T) {
	m, err := NewRegexMatcher(time.Second, 16, nil)
	require.NoError(t, err)

	assert.Error(t, m.Compile("(unclosed"))
	assert.False(t, m.Match("(unclosed", "(unclosed"))
	assert.False(t, m.Match("(unclosed", "(unclosed"), "cached failure still does not match")
	assert.NoError(t, m.Compile(`\d+`))
}

func TestRegexMatcher_Timeout(t *testing.T) {
	m, err := NewRegexMatcher(10*time.Millisecond, 4, nil)
	require.NoError(t, err)

	input := strings.Repeat("a", 40) + "!"
	assert.False(t, m.Match(`^(a+)+$`, input))
}

func TestRegexMatcher_CacheEviction(t *testing.T) {
	m, err := NewRegexMatcher(time.Second, 2, nil)
	require.NoError(t, err)

	m.Match("a", "a")
	m.Match("b", "b")
	m.Match("c", "c")
	assert.Equal(t, 2, m.Len())
}

func TestRegexMatcher_Concurrent(t *testing.T) {
	m, err := NewRegexMatcher(time.Second, 8, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, m.Match(`user (\w+) logged`, "user admin logged in"))
			}
		}()
	}
	wg.Wait()
}
