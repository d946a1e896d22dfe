package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultChunkSize       = 64 * 1024
	DefaultInlineThreshold = 32 * 1024
)

// MessageSender delivers one message to the peer. *engine.Controller
// satisfies it.
type MessageSender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// SenderOptions tunes a Sender. Zero values use defaults.
type SenderOptions struct {
	ChunkSize       int
	InlineThreshold int64
}

// Sender streams local files to the peer as METADATA, CHUNK... and
// COMPLETE frames. Files at or below the inline threshold travel inside
// a single METADATA frame.
type Sender struct {
	out    MessageSender
	opts   SenderOptions
	logger *slog.Logger
}

// NewSender creates a Sender writing through out.
func NewSender(out MessageSender, opts SenderOptions, logger *slog.Logger) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.InlineThreshold < 0 {
		opts.InlineThreshold = 0
	}

	return &Sender{out: out, opts: opts, logger: logger}
}

// Send reads exactly meta.FileSize bytes from r and sends them under a
// new transfer ID, which it returns.
func (s *Sender) Send(ctx context.Context, r io.Reader, meta protocol.FileMetadata) (string, error) {
	if meta.FileSize < 0 {
		return "", fmt.Errorf("sending %s: negative size %d", meta.FileName, meta.FileSize)
	}

	id := uuid.NewString()

	if meta.FileSize <= s.opts.InlineThreshold {
		buf := make([]byte, meta.FileSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("reading %s: %w", meta.FileName, shortRead(err))
		}

		msg := protocol.FileTransfer{
			TransferType: protocol.TransferMetadata,
			TransferID:   id,
			Metadata:     &meta,
			ChunkData:    base64.StdEncoding.EncodeToString(buf),
		}
		if err := s.out.Send(ctx, msg); err != nil {
			return "", fmt.Errorf("sending %s: %w", meta.FileName, err)
		}

		s.logger.Info("file sent inline", slog.String("transfer_id", id), slog.String("file", meta.FileName))

		return id, nil
	}

	err := s.out.Send(ctx, protocol.FileTransfer{
		TransferType: protocol.TransferMetadata,
		TransferID:   id,
		Metadata:     &meta,
	})
	if err != nil {
		return "", fmt.Errorf("sending metadata for %s: %w", meta.FileName, err)
	}

	buf := make([]byte, s.opts.ChunkSize)

	var offset int64
	for offset < meta.FileSize {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("sending %s: %w", meta.FileName, err)
		}

		n := int(min(int64(len(buf)), meta.FileSize-offset))
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return "", fmt.Errorf("reading %s at offset %d: %w", meta.FileName, offset, shortRead(err))
		}

		err := s.out.Send(ctx, protocol.FileTransfer{
			TransferType: protocol.TransferChunk,
			TransferID:   id,
			ChunkData:    base64.StdEncoding.EncodeToString(buf[:n]),
			Offset:       protocol.Ptr(offset),
		})
		if err != nil {
			return "", fmt.Errorf("sending chunk of %s at offset %d: %w", meta.FileName, offset, err)
		}

		offset += int64(n)
	}

	err = s.out.Send(ctx, protocol.FileTransfer{
		TransferType: protocol.TransferComplete,
		TransferID:   id,
	})
	if err != nil {
		return "", fmt.Errorf("sending complete for %s: %w", meta.FileName, err)
	}

	s.logger.Info("file sent",
		slog.String("transfer_id", id),
		slog.String("file", meta.FileName),
		slog.Int64("size", meta.FileSize),
	)

	return id, nil
}

// SendFile sends the regular file at path, detecting its MIME type from
// content.
func (s *Sender) SendFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is chosen by the local user
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}

	meta := protocol.FileMetadata{
		FileName: filepath.Base(path),
		FileSize: info.Size(),
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		s.logger.Debug("detecting mime type", slog.String("path", path), slog.String("error", err.Error()))
	} else {
		meta.MimeType = mt.String()
	}

	return s.Send(ctx, f, meta)
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("source shorter than declared size: %w", io.ErrUnexpectedEOF)
	}

	return err
}
