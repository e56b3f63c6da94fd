package taskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lumigen-ai/lumigen/internal/models"
)

// ErrNotFound is returned for task ids this deployment has never recorded.
var ErrNotFound = errors.New("task metadata not found")

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	Prefix       string
}

// Store keeps one JSON GenerationTask record per task id in object storage.
// It is deliberately independent of the relational database: the webhook
// validates task ids against it even if the database row is missing or lags.
type Store struct {
	cfg    Config
	client *s3.Client
}

func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tasks"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Store{cfg: cfg, client: s3.New(options)}, nil
}

func (s *Store) key(taskID string) string {
	return path.Join(strings.Trim(s.cfg.Prefix, "/"), taskID+".json")
}

// Get fetches the metadata record for taskID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(taskID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task metadata: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read task metadata: %w", err)
	}

	var task models.GenerationTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	return &task, nil
}

// Put writes the metadata record, overwriting any previous version.
func (s *Store) Put(ctx context.Context, task *models.GenerationTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(task.TaskID)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put task metadata: %w", err)
	}
	return nil
}
