package drivers

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/pkg/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// region used when an s3-compatible store does not need one
const defaultS3Region = "us-east-1"

type s3OS struct {
	host               string
	region             string
	bucket             string
	awsAccessKeyID     string
	awsSecretAccessKey string
	uploader           *s3manager.Uploader
}

type s3Session struct {
	os  *s3OS
	key string
}

func s3Host(bucket string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
}

func NewS3Driver(region, bucket, accessKey, accessKeySecret string) (OSDriver, error) {
	os := &s3OS{
		host:               s3Host(bucket),
		region:             region,
		bucket:             bucket,
		awsAccessKeyID:     accessKey,
		awsSecretAccessKey: accessKeySecret,
	}
	cfg := aws.NewConfig().WithRegion(region)
	return os, os.initUploader(cfg)
}

// NewCustomS3Driver is for S3-compatible stores other than S3 itself
func NewCustomS3Driver(host, bucket, accessKey, accessKeySecret string) (OSDriver, error) {
	os := &s3OS{
		host:               host,
		region:             defaultS3Region,
		bucket:             bucket,
		awsAccessKeyID:     accessKey,
		awsSecretAccessKey: accessKeySecret,
	}
	cfg := aws.NewConfig().
		WithRegion(os.region).
		WithEndpoint(host).
		WithS3ForcePathStyle(true)
	return os, os.initUploader(cfg)
}

func (os *s3OS) initUploader(cfg *aws.Config) error {
	if os.awsAccessKeyID != "" {
		creds := credentials.NewStaticCredentials(os.awsAccessKeyID, os.awsSecretAccessKey, "")
		cfg = cfg.WithCredentials(creds)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return errors.Wrap(err, "create s3 session")
	}
	os.uploader = s3manager.NewUploader(sess)
	return nil
}

func (os *s3OS) NewSession(path string) OSSession {
	return &s3Session{os: os, key: path}
}

func (os *s3Session) EndSession() {}

func (os *s3Session) SaveData(ctx context.Context, name string, data io.Reader, meta map[string]string, timeout time.Duration) (string, error) {
	key := path.Join(os.key, name)
	glog.V(common.VERBOSE).Infof("Saving to S3 bucket=%s key=%s", os.os.bucket, key)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	input := &s3manager.UploadInput{
		Bucket:      aws.String(os.os.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType(name)),
	}
	if len(meta) > 0 {
		input.Metadata = aws.StringMap(meta)
	}
	out, err := os.os.uploader.UploadWithContext(ctx, input)
	if err != nil {
		glog.Errorf("Save S3 error bucket=%s key=%s err=%q", os.os.bucket, key, err)
		return "", err
	}
	uri := out.Location
	if uri == "" {
		uri = os.os.host + "/" + key
	}
	glog.V(common.VERBOSE).Infof("Saved to S3 %s", uri)
	return uri, nil
}
