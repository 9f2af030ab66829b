// Package drivers abstracts the object storages closed segments are archived
// to, such as local disk, s3 and gs.
package drivers

import (
	"context"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OSDriver common interface for Object Storage
type OSDriver interface {
	NewSession(path string) OSSession
}

type OSSession interface {
	// SaveData stores data under the session prefix and returns its URI
	SaveData(ctx context.Context, name string, data io.Reader, meta map[string]string, timeout time.Duration) (string, error)
	EndSession()
}

var contentTypes = map[string]string{
	".mp4": "video/mp4",
	".ts":  "video/mp2t",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ParseOSURL returns the driver for an object store URL:
//
//	file:///path or a bare path  local directory
//	memory://name                in-process store
//	s3://key:secret@region/bucket
//	s3+http(s)://key:secret@host:port/bucket
//	gs://bucket?keyfile=/path/to/key.json
func ParseOSURL(input string) (OSDriver, error) {
	u, err := url.Parse(input)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = input
		}
		if dir == "" {
			return nil, errors.Errorf("empty path for local OS %q", input)
		}
		return NewFilesystemDriver(filepath.Clean(dir)), nil
	case "memory":
		return NewMemoryDriver(u.Host), nil
	case "s3":
		pw, ok := u.User.Password()
		if !ok {
			return nil, errors.New("password is required with s3:// OS")
		}
		return NewS3Driver(u.Host, path.Base(u.Path), u.User.Username(), pw)
	case "s3+http", "s3+https":
		pw, ok := u.User.Password()
		if !ok {
			return nil, errors.Errorf("password is required with %s:// OS", u.Scheme)
		}
		endpoint := strings.TrimPrefix(u.Scheme, "s3+") + "://" + u.Host
		dir, bucket := path.Split(strings.TrimSuffix(u.Path, "/"))
		if bucket == "" {
			return nil, errors.Errorf("missing bucket in %q", u.Redacted())
		}
		if dir != "/" && dir != "" {
			endpoint += strings.TrimSuffix(dir, "/")
		}
		return NewCustomS3Driver(endpoint, bucket, u.User.Username(), pw)
	case "gs":
		if u.Host == "" {
			return nil, errors.New("missing bucket with gs:// OS")
		}
		return NewGoogleDriver(u.Host, u.Query().Get("keyfile")), nil
	}
	return nil, errors.Errorf("unrecognized OS scheme: %s", u.Scheme)
}
