package common

import (
	"encoding/hex"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Package-level RNG; tests can override it.
var PkgRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomIDGenerator generates random hexadecimal string of specified length
// defined as variable for unit tests
var RandomIDGenerator = func(length uint) string {
	return hex.EncodeToString(RandomBytesGenerator(length))
}

var RandomBytesGenerator = func(length uint) []byte {
	x := make([]byte, length)
	PkgRNG.Read(x)
	return x
}

// RandName generates random hexadecimal string
func RandName() string {
	return RandomIDGenerator(10)
}

// ReadFromFile returns the trimmed contents of the file at s. When s is not a
// readable, non-empty file, s itself is returned along with the error.
func ReadFromFile(s string) (string, error) {
	info, err := os.Stat(s)
	if err != nil {
		return s, err
	}
	if info.IsDir() {
		return s, errors.New("supplied path is a directory")
	}
	raw, err := os.ReadFile(s)
	if err != nil {
		return s, err
	}
	txt := strings.TrimSpace(string(raw))
	if txt == "" {
		return s, errors.New("supplied file is empty")
	}
	return txt, nil
}

// ParseHeaders reads "Key: value" pairs separated by commas or newlines.
// The input may also be a path to a file holding them.
func ParseHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if txt, err := ReadFromFile(raw); err == nil {
		raw = txt
	}
	headers := make(map[string]string)
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid header %q", line)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}
