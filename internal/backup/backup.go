// Package backup ships encrypted SQLite snapshots to S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/dukerupert/glowcore/internal/database"
)

var (
	ErrNotConfigured = errors.New("backup not configured")
	ErrUnsupported   = errors.New("backup supports sqlite only")
	ErrInProgress    = errors.New("backup already running")
)

// snapshotSuffix marks objects written by Run: zstd-compressed, then sealed.
const snapshotSuffix = ".db.zst.enc"

// The zstd encoder and decoder are safe for concurrent use.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// s3Client is the subset of *s3.Client the manager uses.
type s3Client interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Sealer encrypts snapshot bytes. *secret.Sealer satisfies it.
type Sealer interface {
	Enabled() bool
	SealBytes(plaintext []byte) ([]byte, error)
	OpenBytes(data []byte) ([]byte, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3        S3Config
	Prefix    string
	Interval  time.Duration
	Retention time.Duration
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status is the manager state reported to operators.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Snapshot describes one uploaded backup.
type Snapshot struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	running  bool
	callback StatusCallback

	db     *database.DB
	sealer Sealer
	client s3Client
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager. Without complete S3 settings or an enabled
// sealer it stays disabled and every operation returns ErrNotConfigured.
func NewManager(cfg Config, db *database.DB, sealer Sealer, callback StatusCallback, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	m := &Manager{
		cfg:      cfg,
		db:       db,
		sealer:   sealer,
		callback: callback,
		logger:   logger,
		now:      time.Now,
		status:   Status{State: StateDisabled},
	}
	if cfg.S3.complete() && sealer != nil && sealer.Enabled() {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// Start runs a backup followed by retention cleanup every Interval.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
					continue
				}
				if n, err := m.Prune(ctx); err != nil {
					m.logger.Error("backup retention cleanup failed", "error", err)
				} else if n > 0 {
					m.logger.Info("deleted expired backups", "count", n)
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Run snapshots the database with VACUUM INTO, compresses and seals it, and
// uploads it.
// Only one run is in flight at a time.
func (m *Manager) Run(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	client := m.client
	if client == nil {
		m.mu.Unlock()
		return nil, ErrNotConfigured
	}
	if m.running {
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.db.Dialect() != database.DialectSQLite {
		return nil, ErrUnsupported
	}

	prev := m.Status()
	m.setStatus(Status{State: StateRunning, LastBackup: prev.LastBackup, LastKey: prev.LastKey})

	snap, err := m.upload(ctx, client)
	if err != nil {
		m.setStatus(Status{State: StateError, LastBackup: prev.LastBackup, LastKey: prev.LastKey, Error: err.Error()})
		return nil, err
	}

	m.setStatus(Status{State: StateIdle, LastBackup: &snap.CreatedAt, LastKey: snap.Key})
	m.logger.Info("backup uploaded", "key", snap.Key, "bytes", snap.SizeBytes)
	return snap, nil
}

func (m *Manager) upload(ctx context.Context, client s3Client) (*Snapshot, error) {
	created := m.now().UTC()
	tmpDir, err := os.MkdirTemp("", "glowcore-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbCopy := filepath.Join(tmpDir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, dbCopy); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(dbCopy)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	sealed, err := m.sealer.SealBytes(enc.EncodeAll(plaintext, nil))
	if err != nil {
		return nil, fmt.Errorf("seal snapshot: %w", err)
	}

	key := m.cfg.Prefix + "glowcore-" + created.Format("20060102T150405Z") + snapshotSuffix
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return nil, fmt.Errorf("upload to s3: %w", err)
	}
	return &Snapshot{Key: key, SizeBytes: int64(len(sealed)), CreatedAt: created}, nil
}

// List returns the snapshots under the configured prefix, oldest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return nil, ErrNotConfigured
	}

	var out []Snapshot
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, snapshotSuffix) {
				continue
			}
			out = append(out, Snapshot{
				Key:       key,
				SizeBytes: aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}
	return out, nil
}

// Prune deletes snapshots older than Retention. The newest snapshot is kept
// regardless of age.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= 1 {
		return 0, nil
	}

	newest := snaps[0]
	for _, s := range snaps[1:] {
		if s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	cutoff := m.now().Add(-m.cfg.Retention)
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	deleted := 0
	for _, s := range snaps {
		if s.Key == newest.Key || !s.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(s.Key),
		}); err != nil {
			m.logger.Warn("delete expired backup", "key", s.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Restore downloads the snapshot at key, decrypts it and writes it to dst
// after an integrity check. The running database is never touched; the
// operator swaps the file in while the service is stopped.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return ErrNotConfigured
	}

	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer obj.Body.Close()

	sealed, err := io.ReadAll(obj.Body)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	compressed, err := m.sealer.OpenBytes(sealed)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}
	dec, err := zstdDecoder()
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	plaintext, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress backup: %w", err)
	}
	if err := os.WriteFile(dst, plaintext, 0o600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	if err := checkIntegrity(ctx, dst); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
