package storage

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid"

	"mathviz/internal/apperr"
)

// LocalStore keeps artifacts on the local filesystem. Development stand-in
// for S3 with the same key shape and prefix authorization.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Put(_ context.Context, userID, localPath, _ string) (PutResult, error) {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	key := fmt.Sprintf("%s/%s.mp4", userID, id.String())
	dst := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return PutResult{}, apperr.Wrap(apperr.KindUploadFailed, err, "create dirs")
	}
	src, err := os.Open(localPath)
	if err != nil {
		return PutResult{}, apperr.Wrap(apperr.KindUploadFailed, err, "open artifact")
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return PutResult{}, apperr.Wrap(apperr.KindUploadFailed, err, "create object")
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return PutResult{}, apperr.Wrap(apperr.KindUploadFailed, err, "write object")
	}
	return PutResult{ObjectKey: key, URL: "file://" + dst}, nil
}

func (l *LocalStore) Get(_ context.Context, userID, objectKey string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(objectKey, userID+"/") {
		return nil, 0, apperr.New(apperr.KindForbidden, "object key is not owned by caller")
	}
	path := filepath.Join(l.baseDir, filepath.Clean(objectKey))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperr.New(apperr.KindNotFound, "object %s not found", objectKey)
		}
		return nil, 0, apperr.Wrap(apperr.KindUploadFailed, err, "open object")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperr.Wrap(apperr.KindUploadFailed, err, "stat object")
	}
	return f, info.Size(), nil
}

func (l *LocalStore) Delete(_ context.Context, userID, objectKey string) error {
	if !strings.HasPrefix(objectKey, userID+"/") {
		return apperr.New(apperr.KindForbidden, "object key is not owned by caller")
	}
	path := filepath.Join(l.baseDir, filepath.Clean(objectKey))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.KindNotFound, "object %s not found", objectKey)
		}
		return apperr.Wrap(apperr.KindUploadFailed, err, "remove object")
	}
	return nil
}
