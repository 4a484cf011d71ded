// Package stage is the holding area for uploaded notebook content. A
// staged upload lives as a content-addressed blob in object storage,
// indexed by an opaque token in Redis with a TTL. Change request
// creation consumes tokens; anything never consumed simply expires.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notehub/api/internal/util"

	"github.com/redis/go-redis/v9"
)

var ErrStageNotFound = errors.New("staged upload not found or expired")

// Record is the Redis-side index entry for one staged upload.
type Record struct {
	Token      string    `json:"token"`
	BlobKey    string    `json:"blob_key"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type Service struct {
	client *redis.Client
	blobs  ObjectStore
	ttl    time.Duration
	prefix string
}

func NewService(client *redis.Client, blobs ObjectStore, ttl time.Duration) *Service {
	return &Service{
		client: client,
		blobs:  blobs,
		ttl:    ttl,
		prefix: "stage:",
	}
}

func (s *Service) key(token string) string {
	return s.prefix + token
}

// Put stores raw notebook bytes and returns the stage record. The blob
// key is the content hash, so identical uploads share one object.
func (s *Service) Put(ctx context.Context, raw []byte, uploadedBy string) (Record, error) {
	sum := sha256.Sum256(raw)
	blobKey := hex.EncodeToString(sum[:])

	if err := s.blobs.Put(ctx, blobKey, raw); err != nil {
		return Record{}, fmt.Errorf("store staged blob: %w", err)
	}

	record := Record{
		Token:      util.NewToken(),
		BlobKey:    blobKey,
		Size:       int64(len(raw)),
		UploadedBy: uploadedBy,
		CreatedAt:  time.Now(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("marshal stage record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(record.Token), encoded, s.ttl).Err(); err != nil {
		return Record{}, fmt.Errorf("index staged upload: %w", err)
	}
	return record, nil
}

// Get resolves a stage token to its record without consuming it.
func (s *Service) Get(ctx context.Context, token string) (Record, error) {
	encoded, err := s.client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrStageNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup stage token: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal stage record: %w", err)
	}
	return record, nil
}

// Consume resolves a token, fetches the blob, and drops the index entry.
// The blob itself stays; other tokens may still reference the same hash.
func (s *Service) Consume(ctx context.Context, token string) ([]byte, Record, error) {
	record, err := s.Get(ctx, token)
	if err != nil {
		return nil, Record{}, err
	}
	raw, err := s.blobs.Get(ctx, record.BlobKey)
	if err != nil {
		return nil, Record{}, fmt.Errorf("fetch staged blob: %w", err)
	}
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return nil, Record{}, fmt.Errorf("drop stage token: %w", err)
	}
	return raw, record, nil
}
