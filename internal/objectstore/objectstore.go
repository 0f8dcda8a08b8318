// Package objectstore stores artifact files on local disk or in an S3 compatible bucket.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hexops/foreman/internal/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// UploadPrefix is where authorized uploads are staged before they are accepted.
const UploadPrefix = "tmp/uploads"

// Local stores objects as files under Dir.
type Local struct {
	Dir string
}

// Path returns the file path of an object key.
func (l *Local) Path(key string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

// UploadDir is the staging directory handed to the upload proxy.
func (l *Local) UploadDir() string {
	return l.Path(UploadPrefix)
}

// Put copies r into the object key.
func (l *Local) Put(key string, r io.Reader) (int64, error) {
	dst := l.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, errors.Wrap(err, "MkdirAll")
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrap(err, "Create")
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	return n, errors.Wrap(err, "Copy")
}

// Move renames a file into the object key.
func (l *Local) Move(src, key string) error {
	dst := l.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	return errors.Wrap(os.Rename(src, dst), "Rename")
}

// Open opens an object for reading.
func (l *Local) Open(key string) (*os.File, error) {
	f, err := os.Open(l.Path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// Remove deletes an object. Removing a missing object is not an error.
func (l *Local) Remove(key string) error {
	err := os.Remove(l.Path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "Remove")
}

// Config describes an S3 compatible bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Remote stores objects in a bucket.
type Remote struct {
	bucket string
	client *minio.Client
	core   *minio.Core
}

// NewRemote creates a client for the configured bucket. No request is made until an object is
// accessed; presigning is done offline when Region is set.
func NewRemote(cfg Config) (*Remote, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("object store requires Endpoint and Bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio.New")
	}
	return &Remote{bucket: cfg.Bucket, client: client, core: &minio.Core{Client: client}}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (r *Remote) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return errors.Wrap(err, "BucketExists")
	}
	if exists {
		return nil
	}
	return errors.Wrap(r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}), "MakeBucket")
}

// MultipartUpload describes a presigned multipart upload.
type MultipartUpload struct {
	PartSize    int64    `json:"PartSize"`
	PartURLs    []string `json:"PartURLs"`
	CompleteURL string   `json:"CompleteURL"`
	AbortURL    string   `json:"AbortURL"`
}

// Upload is the set of presigned URLs an upload proxy needs to put a file straight into the
// bucket.
type Upload struct {
	ID               string            `json:"ID"`
	Timeout          int               `json:"Timeout"`
	GetURL           string            `json:"GetURL"`
	StoreURL         string            `json:"StoreURL"`
	DeleteURL        string            `json:"DeleteURL"`
	MultipartUpload  *MultipartUpload  `json:"MultipartUpload,omitempty"`
	CustomPutHeaders bool              `json:"CustomPutHeaders"`
	PutHeaders       map[string]string `json:"PutHeaders"`
}

// UploadKey is the object key of a staged upload.
func UploadKey(id string) string {
	return path.Join(UploadPrefix, id)
}

// ValidUploadID reports whether id looks like an ID returned by PresignUpload.
func ValidUploadID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// PresignUpload reserves a staging object and presigns the URLs needed to upload, read back
// and delete it. When maxSize is positive and a part size is given, a multipart upload is
// started and each part URL is presigned.
func (r *Remote) PresignUpload(ctx context.Context, expiry time.Duration, multipart bool, maxSize, partSize int64) (*Upload, error) {
	id := uuid.New().String()
	key := UploadKey(id)

	get, err := r.client.Presign(ctx, "GET", r.bucket, key, expiry, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Presign(GET)")
	}
	del, err := r.client.Presign(ctx, "DELETE", r.bucket, key, expiry, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Presign(DELETE)")
	}
	upload := &Upload{
		ID:               id,
		Timeout:          int(expiry / time.Second),
		GetURL:           get.String(),
		DeleteURL:        del.String(),
		CustomPutHeaders: true,
		PutHeaders:       map[string]string{"Content-Type": "application/octet-stream"},
	}

	if multipart && maxSize > 0 && partSize > 0 {
		uploadID, err := r.core.NewMultipartUpload(ctx, r.bucket, key, minio.PutObjectOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "NewMultipartUpload")
		}
		parts := (maxSize + partSize - 1) / partSize
		mp := &MultipartUpload{PartSize: partSize}
		for part := int64(1); part <= parts; part++ {
			u, err := r.client.Presign(ctx, "PUT", r.bucket, key, expiry, url.Values{
				"partNumber": {strconv.FormatInt(part, 10)},
				"uploadId":   {uploadID},
			})
			if err != nil {
				return nil, errors.Wrap(err, "Presign(part)")
			}
			mp.PartURLs = append(mp.PartURLs, u.String())
		}
		complete, err := r.client.Presign(ctx, "POST", r.bucket, key, expiry, url.Values{"uploadId": {uploadID}})
		if err != nil {
			return nil, errors.Wrap(err, "Presign(complete)")
		}
		abort, err := r.client.Presign(ctx, "DELETE", r.bucket, key, expiry, url.Values{"uploadId": {uploadID}})
		if err != nil {
			return nil, errors.Wrap(err, "Presign(abort)")
		}
		mp.CompleteURL, mp.AbortURL = complete.String(), abort.String()
		upload.MultipartUpload = mp
		return upload, nil
	}

	store, err := r.client.PresignedPutObject(ctx, r.bucket, key, expiry)
	if err != nil {
		return nil, errors.Wrap(err, "PresignedPutObject")
	}
	upload.StoreURL = store.String()
	return upload, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Stat returns an object's metadata, or ErrNotFound.
func (r *Remote) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, errors.Wrap(err, "StatObject")
	}
	return ObjectInfo{Key: key, Size: info.Size}, nil
}

// Open streams an object.
func (r *Remote) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "GetObject")
	}
	return obj, nil
}

// Put uploads size bytes from r to key.
func (r *Remote) Put(ctx context.Context, key string, rd io.Reader, size int64) error {
	_, err := r.client.PutObject(ctx, r.bucket, key, rd, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return errors.Wrap(err, "PutObject")
}

// Move copies an object to a new key and deletes the original.
func (r *Remote) Move(ctx context.Context, src, dst string) error {
	_, err := r.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: r.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: r.bucket, Object: src},
	)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return errors.Wrap(err, "CopyObject")
	}
	return r.Remove(ctx, src)
}

// Remove deletes an object.
func (r *Remote) Remove(ctx context.Context, key string) error {
	return errors.Wrap(r.client.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{}), "RemoveObject")
}

// DownloadURL presigns a GET for an object which makes the client save it as filename.
func (r *Remote) DownloadURL(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", ContentDisposition(filename))
	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, expiry, params)
	if err != nil {
		return "", errors.Wrap(err, "PresignedGetObject")
	}
	return u.String(), nil
}

// ContentDisposition is an attachment disposition naming filename.
func ContentDisposition(filename string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		strings.ReplaceAll(filename, `"`, `\"`), url.PathEscape(filename))
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchUpload", "NotFound":
		return true
	}
	return false
}
