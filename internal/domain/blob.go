package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// PositionArchiver writes a terminal position and its trades to cold storage.
type PositionArchiver interface {
	ArchivePosition(ctx context.Context, pos Position, trades []Trade) error
}
