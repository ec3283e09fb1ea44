package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Archiver copies a finished download directory into a bucket under <prefix>/<task id>.
type Archiver struct {
	svc    Service
	bucket string
	prefix string
	logger *logrus.Logger
}

func NewArchiver(svc Service, bucket, keyPrefix string, logger *logrus.Logger) *Archiver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Archiver{
		svc:    svc,
		bucket: bucket,
		prefix: strings.Trim(keyPrefix, "/"),
		logger: logger,
	}
}

func (a *Archiver) Archive(ctx context.Context, taskID, localPath string) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("task id is required")
	}
	logger := a.logger.WithField("task_id", taskID)
	opts := UploadOptions{
		Bucket:           a.bucket,
		KeyPrefix:        path.Join(a.prefix, taskID),
		ProgressCallback: newUploadProgressLogger(logger),
	}

	logger.Infof("archive started from %s", localPath)
	dest, err := a.svc.UploadDirectory(ctx, localPath, opts)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", localPath, err)
	}
	logger.Infof("archived to %s", dest)
	return dest, nil
}

// List returns archived objects, optionally narrowed to a key prefix below the archive root.
func (a *Archiver) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return a.svc.ListObjects(ctx, a.bucket, path.Join(a.prefix, strings.TrimLeft(prefix, "/")))
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("archive progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
