package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{3, 4, 5}, r.Drain())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())

	r.Push(9)
	assert.Equal(t, []int{9}, r.Snapshot())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"":                         "",
		"  http://host:3000/  ":    "http://host:3000",
		"192.168.1.3:3000":         "http://192.168.1.3:3000",
		"https://chat.example.com": "https://chat.example.com",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestIsHTTPURL(t *testing.T) {
	assert.True(t, IsHTTPURL("http://localhost:3000"))
	assert.True(t, IsHTTPURL("https://chat.example.com"))
	assert.False(t, IsHTTPURL("ws://localhost"))
	assert.False(t, IsHTTPURL("http://"))
	assert.False(t, IsHTTPURL("::"))
}

func TestValidateUsername(t *testing.T) {
	name, err := ValidateUsername("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = ValidateUsername("   ")
	assert.Error(t, err)
	_, err = ValidateUsername("a\nb")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "rel"), ResolvePath("base", "rel"))
	abs := filepath.Join(string(filepath.Separator), "abs", "x")
	assert.Equal(t, abs, ResolvePath("base", abs))
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}
