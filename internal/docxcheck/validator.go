// Package docxcheck validates Word document containers before they enter
// the registry: archive structure, required package parts, and
// relationship consistency.
package docxcheck

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"marcut/internal/logging"
	"marcut/internal/services"
)

// zipMagic is the ZIP local-file-header signature every OPC container
// starts with.
var zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}

// Required package parts. A container missing any of these cannot survive a
// redaction pass.
const (
	rootRelsPart     = "_rels/.rels"
	documentPart     = "word/document.xml"
	documentRelsPart = "word/_rels/document.xml.rels"
	contentTypesPart = "[Content_Types].xml"
)

const (
	wordNamespaceToken = "wordprocessingml"
	officeRelNamespace = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
)

// Validator checks whether an OPC container is well formed enough to
// survive redaction without corrupting the document. It is stateless and
// safe for concurrent use on distinct files.
type Validator struct {
	// IntegrityTimeout bounds the structural archive check. A hung or
	// pathological archive must not block intake.
	IntegrityTimeout time.Duration
	Logger           *slog.Logger
}

// New constructs a Validator with the given integrity deadline.
func New(integrityTimeout time.Duration, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{IntegrityTimeout: integrityTimeout, Logger: logging.NewComponentLogger(logger, "docxcheck")}
}

// IsValid reports whether the container passes validation.
func (v *Validator) IsValid(ctx context.Context, path string) bool {
	return v.Validate(ctx, path) == nil
}

// Validate runs the full validation sequence. A nil return means the
// container is safe to process. Errors carry services.ErrInvalidInput or
// services.ErrValidationTimeout for classification.
func (v *Validator) Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "stat", "file is not readable", err)
	}
	if info.Size() <= int64(len(zipMagic)) {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "stat", "file is too small to be a document container", nil)
	}

	if err := checkMagic(path); err != nil {
		return err
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "open", "archive cannot be opened", err)
	}
	defer reader.Close()

	if err := v.checkIntegrity(ctx, &reader.Reader); err != nil {
		return err
	}

	entries, err := collectEntries(&reader.Reader)
	if err != nil {
		return err
	}

	parts, err := extractRequiredParts(&reader.Reader)
	if err != nil {
		return err
	}

	if err := checkDocumentXML(parts[documentPart]); err != nil {
		return err
	}

	declaredIDs, err := relationshipIDs(parts[documentRelsPart])
	if err != nil {
		return err
	}
	v.warnOrphanedReferences(path, parts[documentPart], declaredIDs)

	for _, relsPath := range []string{rootRelsPart, documentRelsPart} {
		if err := checkRelationshipTargets(relsPath, parts[relsPath], entries); err != nil {
			return err
		}
	}

	return nil
}

func checkMagic(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "open", "file is not readable", err)
	}
	defer file.Close()

	header := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(file, header); err != nil {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "read", "file header is truncated", err)
	}
	if !bytes.Equal(header, zipMagic) {
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "magic", "file does not start with the ZIP signature", nil)
	}
	return nil
}

// checkIntegrity performs the structural archive test: every entry must
// decompress with a matching checksum. The scan runs on its own goroutine
// under a hard deadline so a pathological archive cannot stall intake.
func (v *Validator) checkIntegrity(ctx context.Context, reader *zip.Reader) error {
	timeout := v.IntegrityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- scanArchive(checkCtx, reader)
	}()

	select {
	case err := <-done:
		if err != nil {
			if checkCtx.Err() != nil {
				return services.Wrap(services.ErrValidationTimeout, "docxcheck", "integrity", "archive integrity check exceeded its deadline", nil)
			}
			return services.Wrap(services.ErrInvalidInput, "docxcheck", "integrity", "archive failed the integrity test", err)
		}
		return nil
	case <-checkCtx.Done():
		return services.Wrap(services.ErrValidationTimeout, "docxcheck", "integrity", "archive integrity check exceeded its deadline", nil)
	}
}

func scanArchive(ctx context.Context, reader *zip.Reader) error {
	for _, entry := range reader.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open entry %q: %w", entry.Name, err)
		}
		// Reading to EOF verifies the stored checksum.
		_, err = io.Copy(io.Discard, rc)
		closeErr := rc.Close()
		if err != nil {
			return fmt.Errorf("read entry %q: %w", entry.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("close entry %q: %w", entry.Name, closeErr)
		}
	}
	return nil
}

// collectEntries returns the archive's entry-name set. An empty archive or
// duplicate entry names are fatal.
func collectEntries(reader *zip.Reader) (map[string]struct{}, error) {
	if len(reader.File) == 0 {
		return nil, services.Wrap(services.ErrInvalidInput, "docxcheck", "entries", "archive contains no entries", nil)
	}
	entries := make(map[string]struct{}, len(reader.File))
	for _, entry := range reader.File {
		if _, dup := entries[entry.Name]; dup {
			return nil, services.Wrap(services.ErrInvalidInput, "docxcheck", "entries",
				fmt.Sprintf("archive contains duplicate entry %q", entry.Name), nil)
		}
		entries[entry.Name] = struct{}{}
	}
	return entries, nil
}

func extractRequiredParts(reader *zip.Reader) (map[string][]byte, error) {
	required := []string{rootRelsPart, documentPart, documentRelsPart, contentTypesPart}
	parts := make(map[string][]byte, len(required))
	for _, name := range required {
		data, err := readEntry(reader, name)
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidInput, "docxcheck", "parts",
				fmt.Sprintf("required part %q is missing or unreadable", name), err)
		}
		parts[name] = data
	}
	return parts, nil
}

func readEntry(reader *zip.Reader, name string) ([]byte, error) {
	for _, entry := range reader.File {
		if entry.Name != name {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("entry %q not found", name)
}

// checkDocumentXML requires the main document part to parse and to carry
// the word-processing namespace (or a root element locally named document).
func checkDocumentXML(data []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if err != nil {
			return services.Wrap(services.ErrInvalidInput, "docxcheck", "document", "document.xml does not parse as XML", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if strings.Contains(start.Name.Space, wordNamespaceToken) || start.Name.Local == "document" {
			return nil
		}
		return services.Wrap(services.ErrInvalidInput, "docxcheck", "document",
			fmt.Sprintf("unexpected root element %q", start.Name.Local), nil)
	}
}

// warnOrphanedReferences scans document.xml for relationship-id references
// that are not declared in the document relationships part. Orphans are
// logged but never fail validation; real-world documents carry them after
// partial saves and still round-trip safely.
func (v *Validator) warnOrphanedReferences(path string, document []byte, declared map[string]struct{}) {
	decoder := xml.NewDecoder(bytes.NewReader(document))
	for {
		token, err := decoder.Token()
		if err != nil {
			return
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Space != officeRelNamespace || attr.Name.Local != "id" {
				continue
			}
			if _, ok := declared[attr.Value]; ok {
				continue
			}
			v.Logger.Warn("orphaned relationship reference",
				logging.String("file", path),
				logging.String("relationship_id", attr.Value),
				logging.String("element", start.Name.Local),
				logging.String(logging.FieldEventType, "orphaned_relationship_reference"),
			)
		}
	}
}
