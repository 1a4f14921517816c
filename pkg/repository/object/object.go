package object

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// ParsedContentFilename is the name of the transient parsing result of a
// document.
const ParsedContentFilename = "parsed-content.json"

// ErrInvalidPath is returned when an object path doesn't belong to the
// knowledge base it is accessed through.
var ErrInvalidPath = errors.New("invalid object path")

// Storage defines the interface for object storage operations. Every
// object of a knowledge base lives under the kb-{kbUID}/ prefix.
// Implementations: MinIO (default), GCS.
type Storage interface {
	// Upload stores content at path and returns the path.
	Upload(ctx context.Context, kbUID types.KBUIDType, path string, content []byte, contentType string) (string, error)
	// Download reads the object at path.
	Download(ctx context.Context, kbUID types.KBUIDType, path string) ([]byte, error)
	// DownloadFile writes the object at path to a local file.
	DownloadFile(ctx context.Context, kbUID types.KBUIDType, path, localPath string) error
	// Delete removes the object at path. A missing object is not an error.
	Delete(ctx context.Context, kbUID types.KBUIDType, path string) error
}

func kbPrefix(kbUID types.KBUIDType) string {
	return fmt.Sprintf("kb-%s/", kbUID.String())
}

func documentPrefix(kbUID types.KBUIDType, documentUID types.DocumentUIDType) string {
	return fmt.Sprintf("%sdocument-%s/", kbPrefix(kbUID), documentUID.String())
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DocumentPath makes the object path of the content of a document version.
// Format: kb-{kbUID}/document-{documentUID}/v{version}/{filename}
func DocumentPath(kbUID types.KBUIDType, documentUID types.DocumentUIDType, version int32, filename string) string {
	name := unsafeFilenameChars.ReplaceAllString(path.Base(filename), "_")
	if name == "" || name == "." || name == "_" {
		name = "content"
	}
	return fmt.Sprintf("%sv%d/%s", documentPrefix(kbUID, documentUID), version, name)
}

// ParsedContentPath makes the object path of the parsed content of a
// document.
// Format: kb-{kbUID}/document-{documentUID}/parsed-content.json
func ParsedContentPath(kbUID types.KBUIDType, documentUID types.DocumentUIDType) string {
	return documentPrefix(kbUID, documentUID) + ParsedContentFilename
}

// ValidatePath checks that p is a clean object path of the knowledge base.
func ValidatePath(kbUID types.KBUIDType, p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	case path.Clean(p) != p:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidPath, p)
	case !strings.HasPrefix(p, kbPrefix(kbUID)) || len(p) == len(kbPrefix(kbUID)):
		return fmt.Errorf("%w: %q is outside of knowledge base %s", ErrInvalidPath, p, kbUID)
	}
	return nil
}
