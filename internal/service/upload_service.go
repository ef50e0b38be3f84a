package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/docforge/api/internal/assembler"
	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/sheet"
)

const (
	MaxUploadSize = 20 * 1024 * 1024

	contentTypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeText = "text/plain; charset=utf-8"
)

var (
	ErrUnsupportedKind = errors.New("unsupported upload kind")
	ErrUploadTooLarge  = errors.New("upload exceeds size limit")
)

// UploadService stores the inputs jobs refer to: templates, spreadsheets and reference documents
type UploadService struct {
	storage client.StorageClient
}

func NewUploadService(storage client.StorageClient) *UploadService {
	return &UploadService{storage: storage}
}

// Upload checks that file is usable as kind and stores it under a fresh key
func (s *UploadService) Upload(ctx context.Context, kind, filename string, file io.Reader) (*model.UploadResponse, error) {
	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > MaxUploadSize {
		return nil, ErrUploadTooLarge
	}

	contentType, err := checkUpload(kind, data)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%ss/%s/%s", kind, uuid.New().String(), cleanName(filename, kind))
	if err := s.storage.Put(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	return &model.UploadResponse{
		Key:         key,
		Kind:        kind,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func checkUpload(kind string, data []byte) (string, error) {
	switch kind {
	case model.UploadKindTemplate:
		if err := assembler.Validate(data); err != nil {
			return "", &InputError{Err: err}
		}
		return assembler.ContentTypeDocx, nil
	case model.UploadKindSpreadsheet:
		if err := sheet.Validate(data); err != nil {
			return "", &InputError{Err: err}
		}
		return contentTypeXlsx, nil
	case model.UploadKindContext:
		if assembler.Validate(data) == nil {
			return assembler.ContentTypeDocx, nil
		}
		if !utf8.Valid(data) {
			return "", &InputError{Err: errors.New("context document must be .docx or UTF-8 text")}
		}
		return contentTypeText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
}

// cleanName keeps the base name of an uploaded file, falling back to the kind
func cleanName(filename, kind string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		return kind
	}
	return name
}
