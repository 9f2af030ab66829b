package drivers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/pkg/errors"
)

const (
	timeoutMultiplier  = 1.5
	archiveQueueLength = 32
)

var ErrArchiverStopped = errors.New("archiver stopped")

// ArchiveJob is one closed segment file to copy into the object store.
type ArchiveJob struct {
	LocalPath string
	// Object name; the base of LocalPath when empty
	Name string
	Meta map[string]string
}

func (j ArchiveJob) name() string {
	if j.Name != "" {
		return j.Name
	}
	return filepath.Base(j.LocalPath)
}

// ArchiveResult receives the outcome of every job. It runs on the worker
// goroutine.
type ArchiveResult func(job ArchiveJob, uri string, took time.Duration, err error)

// Archiver uploads jobs in order on a single worker, retrying each one with
// a growing per-try timeout.
type Archiver struct {
	session        OSSession
	maxRetries     int
	initialTimeout time.Duration
	maxTimeout     time.Duration
	onResult       ArchiveResult

	queue    chan ArchiveJob
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewArchiver(session OSSession, maxRetries int, initialTimeout, maxTimeout time.Duration, onResult ArchiveResult) *Archiver {
	if maxRetries < 1 {
		panic("maxRetries should be greater than zero")
	}
	a := &Archiver{
		session:        session,
		maxRetries:     maxRetries,
		initialTimeout: initialTimeout,
		maxTimeout:     maxTimeout,
		onResult:       onResult,
		queue:          make(chan ArchiveJob, archiveQueueLength),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go a.workerLoop()
	return a
}

// Save queues a job without blocking.
func (a *Archiver) Save(job ArchiveJob) error {
	select {
	case <-a.quit:
		return ErrArchiverStopped
	default:
	}
	select {
	case a.queue <- job:
		return nil
	default:
		return errors.Errorf("archive queue full, dropping %s", job.LocalPath)
	}
}

// Stop finishes the queued jobs, or abandons them once ctx is done, and ends
// the session.
func (a *Archiver) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.quit) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) workerLoop() {
	defer close(a.done)
	defer a.session.EndSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case job := <-a.queue:
			a.upload(ctx, job)
		case <-a.quit:
			for {
				select {
				case job := <-a.queue:
					a.upload(ctx, job)
				default:
					return
				}
			}
		}
	}
}

func (a *Archiver) upload(ctx context.Context, job ArchiveJob) {
	var (
		uri string
		err error
	)
	name := job.name()
	timeout := a.initialTimeout
	start := time.Now()
	for try := 0; try < a.maxRetries; try++ {
		glog.V(common.VERBOSE).Infof("Start archiving name=%s path=%s try=%d", name, job.LocalPath, try)
		uri, err = a.saveFile(ctx, name, job, timeout)
		if err == nil || os.IsNotExist(errors.Cause(err)) {
			break
		}
		timeout = time.Duration(float64(timeout) * timeoutMultiplier)
		if timeout > a.maxTimeout {
			timeout = a.maxTimeout
		}
	}
	took := time.Since(start)
	if err != nil {
		glog.Errorf("Error archiving name=%s path=%s took=%s err=%q", name, job.LocalPath, took, err)
	} else {
		glog.V(common.DEBUG).Infof("Archived name=%s uri=%s took=%s", name, uri, took)
	}
	if a.onResult != nil {
		a.onResult(job, uri, took, err)
	}
}

func (a *Archiver) saveFile(ctx context.Context, name string, job ArchiveJob, timeout time.Duration) (string, error) {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		return "", errors.Wrap(err, "open segment")
	}
	defer f.Close()
	return a.session.SaveData(ctx, name, f, job.Meta, timeout)
}
