// Package files fetches job payloads (sources, inputs) from object
// storage. Objects with a .zst suffix are transparently compressed.
package files

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const compressedSuffix = ".zst"

type FileStorage struct {
	cl      *minio.Client
	bucket  string
	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

type Config struct {
	Url      string
	Login    string
	Password string
	Bucket   string
}

func NewFileStorage(cfg Config) (*FileStorage, error) {
	client, err := minio.New(cfg.Url, &minio.Options{
		Creds: credentials.NewStaticV4(cfg.Login, cfg.Password, ""),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to object storage")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	return &FileStorage{cl: client, bucket: cfg.Bucket, decoder: decoder, encoder: encoder}, nil
}

// GetPayload fetches one object, decompressing it when the key carries
// the compressed suffix.
func (s *FileStorage) GetPayload(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	if strings.HasSuffix(key, compressedSuffix) {
		if data, err = s.decoder.DecodeAll(data, nil); err != nil {
			return nil, errors.Wrapf(err, "decompress %s", key)
		}
	}
	return data, nil
}

// GetPayloads fetches several objects concurrently, preserving order.
func (s *FileStorage) GetPayloads(ctx context.Context, keys []string) ([][]byte, error) {
	payloads := make([][]byte, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			data, err := s.GetPayload(ctx, key)
			payloads[i] = data
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// PutPayload stores one object, compressing it when the key carries
// the compressed suffix.
func (s *FileStorage) PutPayload(ctx context.Context, key string, data []byte) error {
	if strings.HasSuffix(key, compressedSuffix) {
		data = s.encoder.EncodeAll(data, nil)
	}
	_, err := s.cl.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return errors.Wrapf(err, "put %s", key)
}
