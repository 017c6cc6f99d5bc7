package policy

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/clubrecords/sqlassist/internal/storage"
)

// maxSchemaBytes bounds schema documents pulled into every prompt.
const maxSchemaBytes = 256 << 10

// StaticSchema serves fixed schema text.
type StaticSchema string

func (s StaticSchema) LoadSchema(context.Context) (string, error) {
	return string(s), nil
}

// FileSchema reads the schema document from local disk on every load so edits
// take effect on the next turn.
type FileSchema struct {
	Path string
}

func (s FileSchema) LoadSchema(context.Context) (string, error) {
	if strings.TrimSpace(s.Path) == "" {
		return "", fmt.Errorf("schema path is required")
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return "", fmt.Errorf("open schema %q: %w", s.Path, err)
	}
	defer f.Close()
	return readSchema(f)
}

// ObjectSchema reads the schema document from the object store.
type ObjectSchema struct {
	Store storage.ObjectStore
	Key   string
}

func (s ObjectSchema) LoadSchema(ctx context.Context) (string, error) {
	if s.Store == nil {
		return "", fmt.Errorf("object store is required")
	}
	body, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return "", fmt.Errorf("get schema %q: %w", s.Key, err)
	}
	defer body.Close()
	return readSchema(body)
}

func readSchema(r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxSchemaBytes+1))
	if err != nil {
		return "", fmt.Errorf("read schema: %w", err)
	}
	if len(raw) > maxSchemaBytes {
		return "", fmt.Errorf("schema document exceeds %d bytes", maxSchemaBytes)
	}
	return strings.TrimSpace(string(raw)), nil
}
