// Package attachments hands out pre-signed URLs for client-side-encrypted
// blobs. The server stores and serves opaque ciphertext only; attachment keys
// travel inside message envelopes, so this package is as relay-blind as the
// envelope path.
package attachments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	uploadURLTTL   = 15 * time.Minute
	downloadURLTTL = time.Hour
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type Service struct {
	client *minio.Client
	bucket string
	region string
}

// UploadGrant is a pre-signed PUT URL plus the storage key the client must
// reference from its message envelope.
type UploadGrant struct {
	UploadURL  string    `json:"upload_url"`
	StorageKey string    `json:"storage_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DownloadGrant is a pre-signed GET URL for one encrypted blob.
type DownloadGrant struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewService(cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	s := &Service{client: client, bucket: cfg.Bucket, region: cfg.Region}
	if err := s.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return err
		}
		log.Printf("[Attachments] Created bucket: %s", s.bucket)
	}
	return nil
}

// GrantUpload returns a pre-signed PUT URL for a new encrypted blob. Keys are
// namespaced per conversation so retention policy can sweep whole rooms.
func (s *Service) GrantUpload(ctx context.Context, conversationID uuid.UUID) (*UploadGrant, error) {
	storageKey := fmt.Sprintf("%s/%s.bin", conversationID, uuid.New())

	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, storageKey, uploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate upload URL: %w", err)
	}

	return &UploadGrant{
		UploadURL:  presigned.String(),
		StorageKey: storageKey,
		ExpiresAt:  time.Now().Add(uploadURLTTL),
	}, nil
}

// GrantDownload returns a pre-signed GET URL for an existing encrypted blob.
func (s *Service) GrantDownload(ctx context.Context, storageKey string) (*DownloadGrant, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, storageKey, downloadURLTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate download URL: %w", err)
	}

	return &DownloadGrant{
		DownloadURL: presigned.String(),
		ExpiresAt:   time.Now().Add(downloadURLTTL),
	}, nil
}

// Delete removes one encrypted blob, used by retention sweeps.
func (s *Service) Delete(ctx context.Context, storageKey string) error {
	err := s.client.RemoveObject(ctx, s.bucket, storageKey, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
