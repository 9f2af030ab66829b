package drivers

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
)

type gsOS struct {
	bucket  string
	keyFile string
}

type gsSession struct {
	gos *gsOS
	key string

	lock   sync.Mutex
	client *storage.Client
}

func gsHost(bucket string) string {
	return fmt.Sprintf("https://%s.storage.googleapis.com", bucket)
}

// NewGoogleDriver uploads with the service account in keyFile, or with the
// application default credentials when keyFile is empty.
func NewGoogleDriver(bucket, keyFile string) OSDriver {
	return &gsOS{bucket: bucket, keyFile: keyFile}
}

func (os *gsOS) NewSession(path string) OSSession {
	return &gsSession{gos: os, key: path}
}

func (os *gsOS) clientOptions() []option.ClientOption {
	if os.keyFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(os.keyFile)}
}

func (os *gsSession) getClient(ctx context.Context) (*storage.Client, error) {
	os.lock.Lock()
	defer os.lock.Unlock()
	if os.client != nil {
		return os.client, nil
	}
	client, err := storage.NewClient(ctx, os.gos.clientOptions()...)
	if err != nil {
		glog.Errorf("Error creating GCP client err=%v", err)
		return nil, err
	}
	os.client = client
	return client, nil
}

func (os *gsSession) EndSession() {
	os.lock.Lock()
	defer os.lock.Unlock()
	if os.client != nil {
		os.client.Close()
		os.client = nil
	}
}

func (os *gsSession) SaveData(ctx context.Context, name string, data io.Reader, meta map[string]string, timeout time.Duration) (string, error) {
	client, err := os.getClient(ctx)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	keyname := path.Join(os.key, name)
	glog.V(common.VERBOSE).Infof("Saving to GS %s/%s", os.gos.bucket, keyname)
	wr := client.Bucket(os.gos.bucket).Object(keyname).NewWriter(ctx)
	if len(meta) > 0 {
		wr.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			wr.Metadata[k] = v
		}
	}
	wr.ContentType = contentType(name)
	_, err = io.Copy(wr, data)
	err2 := wr.Close()
	if err != nil {
		return "", err
	}
	if err2 != nil {
		return "", err2
	}
	uri := gsHost(os.gos.bucket) + "/" + keyname
	glog.V(common.VERBOSE).Infof("Saved to GS %s", uri)
	return uri, nil
}
