package drivers

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/pkg/errors"
)

type filesystem struct {
	workDir string
}

type filesystemSession struct {
	sessName string
	workDir  string
}

func NewFilesystemDriver(workDir string) OSDriver {
	return &filesystem{workDir}
}

func (fs *filesystem) NewSession(session string) OSSession {
	return &filesystemSession{sessName: session, workDir: fs.workDir}
}

func (sess *filesystemSession) EndSession() {}

// SaveData writes to a temporary file first so readers never see a partial
// segment under its final name.
func (sess *filesystemSession) SaveData(ctx context.Context, name string, data io.Reader, meta map[string]string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fname := filepath.Join(sess.workDir, sess.sessName, name)
	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fname)+".*")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), fname)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "save %s", fname)
	}
	glog.V(common.VERBOSE).Infof("Saved to local OS %s", fname)
	return fname, nil
}

// MemoryOS keeps saved objects in process. Used when no durable store is
// wanted and in tests.
type MemoryOS struct {
	name     string
	sessions map[string]*MemorySession
	lock     sync.RWMutex
}

type MemorySession struct {
	os    *MemoryOS
	path  string
	ended bool
	data  map[string][]byte
	meta  map[string]map[string]string
	dLock sync.RWMutex
}

func NewMemoryDriver(name string) *MemoryOS {
	return &MemoryOS{
		name:     name,
		sessions: make(map[string]*MemorySession),
	}
}

func (ostore *MemoryOS) NewSession(path string) OSSession {
	ostore.lock.Lock()
	defer ostore.lock.Unlock()
	if session, ok := ostore.sessions[path]; ok {
		return session
	}
	session := &MemorySession{
		os:   ostore,
		path: path,
		data: make(map[string][]byte),
		meta: make(map[string]map[string]string),
	}
	ostore.sessions[path] = session
	return session
}

// EndSession drops everything saved in the session
func (ostore *MemorySession) EndSession() {
	ostore.dLock.Lock()
	ostore.ended = true
	ostore.data = make(map[string][]byte)
	ostore.meta = make(map[string]map[string]string)
	ostore.dLock.Unlock()

	ostore.os.lock.Lock()
	delete(ostore.os.sessions, ostore.path)
	ostore.os.lock.Unlock()
}

func (ostore *MemorySession) SaveData(ctx context.Context, name string, data io.Reader, meta map[string]string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return "", err
	}
	ostore.dLock.Lock()
	defer ostore.dLock.Unlock()
	if ostore.ended {
		return "", errors.New("session ended")
	}
	ostore.data[name] = buf.Bytes()
	ostore.meta[name] = meta
	return "memory://" + path.Join(ostore.os.name, ostore.path, name), nil
}
