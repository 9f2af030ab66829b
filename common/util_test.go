package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandName(t *testing.T) {
	a, b := RandName(), RandName()
	assert.Len(t, a, 20)
	assert.NotEqual(t, a, b)

	orig := RandomIDGenerator
	defer func() { RandomIDGenerator = orig }()
	RandomIDGenerator = func(uint) string { return "fixed" }
	assert.Equal(t, "fixed", RandName())
}

func TestReadFromFile(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	// missing file returns input
	out, err := ReadFromFile(filepath.Join(dir, "nothing"))
	assert.Error(err)
	assert.Equal(filepath.Join(dir, "nothing"), out)

	// directory
	out, err = ReadFromFile(dir)
	assert.Error(err)
	assert.Equal(dir, out)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0644))
	out, err = ReadFromFile(empty)
	assert.Error(err)
	assert.Equal(empty, out)

	full := filepath.Join(dir, "full")
	require.NoError(t, os.WriteFile(full, []byte("  node-a\n"), 0644))
	out, err = ReadFromFile(full)
	assert.NoError(err)
	assert.Equal("node-a", out)
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", raw: "  "},
		{name: "single", raw: "Authorization: Bearer x", want: map[string]string{"Authorization": "Bearer x"}},
		{name: "multiple", raw: "A: 1, B:2\nC : 3", want: map[string]string{"A": "1", "B": "2", "C": "3"}},
		{name: "missing colon", raw: "A", wantErr: true},
		{name: "missing key", raw: ": v", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeaders(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	path := filepath.Join(t.TempDir(), "headers")
	require.NoError(t, os.WriteFile(path, []byte("X-Token: abc\n"), 0644))
	got, err := ParseHeaders(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Token": "abc"}, got)
}
