package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/micsi-dev/mercure/go/config"
	"github.com/micsi-dev/mercure/go/ops"
	"github.com/micsi-dev/mercure/go/spool"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// dcmsendTimeout caps how long a DICOM association may stall, in seconds.
const dcmsendTimeout = 60

// Sender delivers the files of one unit folder to a target.
type Sender interface {
	Send(ctx context.Context, target config.Target, folder, name string, logger ops.Logger) error
}

// DefaultSenders returns the sender registry keyed by target type.
func DefaultSenders() map[string]Sender {
	return map[string]Sender{
		config.TargetDICOM:  &DICOMSender{},
		config.TargetFolder: &FolderSender{},
		config.TargetGCS:    &GCSSender{},
	}
}

// DICOMSender performs a C-STORE of the unit's images through dcmsend.
type DICOMSender struct {
	// Executable overrides the dcmsend binary, for tests.
	Executable string
}

func (s *DICOMSender) Send(ctx context.Context, target config.Target, folder, name string, logger ops.Logger) error {
	var bin = s.Executable
	if bin == "" {
		bin = "dcmsend"
	}
	var cmd = exec.CommandContext(ctx, bin, dcmsendArgs(target, folder)...)
	var forwarder = ops.NewLogForwardWriter("dcmsend", log.InfoLevel, logger)
	var tail bytes.Buffer
	cmd.Stdout = io.MultiWriter(forwarder, &tail)
	cmd.Stderr = cmd.Stdout

	var err = cmd.Run()
	_ = forwarder.Close()
	if err != nil {
		return fmt.Errorf("dcmsend to %s:%d failed: %w (%s)",
			target.Host, target.Port, err, tailExcerpt(tail.Bytes()))
	}
	return nil
}

// dcmsendArgs builds the dcmsend invocation. Study and patient units keep
// their images in per-series subfolders, so the scan must recurse (+r).
func dcmsendArgs(target config.Target, folder string) []string {
	var args = []string{
		target.Host, strconv.Itoa(target.Port),
		"+sd", folder,
		"+r",
		"+sp", "*" + spool.DCMSuffix,
		"-to", strconv.Itoa(dcmsendTimeout),
		"-nuc",
	}
	if target.AESource != "" {
		args = append(args, "-aet", target.AESource)
	}
	if target.AETitle != "" {
		args = append(args, "-aec", target.AETitle)
	}
	return args
}

// FolderSender copies the unit into a subfolder of the target folder.
type FolderSender struct{}

func (FolderSender) Send(_ context.Context, target config.Target, folder, name string, _ ops.Logger) error {
	var dest = filepath.Join(target.Folder, name)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading %s: %w", folder, err)
	}
	for _, entry := range entries {
		if skipDispatchEntry(entry.Name()) {
			continue
		}
		var from = filepath.Join(folder, entry.Name())
		var to = filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err = spool.CopyTree(from, to); err != nil {
				return err
			}
		} else if err = spool.CopyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

// GCSSender uploads the unit into a Google Cloud Storage bucket. The client
// is created on first use, so deployments without gs targets need no
// credentials.
type GCSSender struct {
	mu     sync.Mutex
	client *storage.Client
}

func (s *GCSSender) Send(ctx context.Context, target config.Target, folder, name string, logger ops.Logger) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	var bucket = client.Bucket(target.Bucket)

	return filepath.WalkDir(folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != folder && skipDispatchEntry(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if skipDispatchEntry(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(folder, p)
		if err != nil {
			return err
		}
		var object = path.Join(target.Prefix, name, filepath.ToSlash(rel))
		if err = uploadObject(ctx, bucket, object, p); err != nil {
			return err
		}
		logger.Log(log.DebugLevel, log.Fields{"bucket": target.Bucket, "object": object}, "uploaded object")
		return nil
	})
}

func (s *GCSSender) getClient(ctx context.Context) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func uploadObject(ctx context.Context, bucket *storage.BucketHandle, object, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer src.Close()

	var w = bucket.Object(object).NewWriter(ctx)
	if _, err = io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading %s: %w", object, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("uploading %s: %w", object, err)
	}
	return nil
}

// skipDispatchEntry lists unit content which never leaves the spool.
func skipDispatchEntry(name string) bool {
	switch name {
	case spool.LockFile, spool.ProcessingFile, spool.AsReceivedDir, spool.InDir, spool.InputFilesDir:
		return true
	}
	return false
}

func tailExcerpt(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(bytes.TrimSpace(b))
}
