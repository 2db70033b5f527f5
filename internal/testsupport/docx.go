package testsupport

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// DocxEntry is one archive entry in a built fixture.
type DocxEntry struct {
	Name string
	Body string
}

const (
	minimalDocumentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
            xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <w:body><w:p><w:r><w:t>hello</w:t></w:r></w:p></w:body>
</w:document>`

	minimalRootRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

	minimalDocumentRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`

	minimalStylesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`

	minimalContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`
)

// MinimalDocxEntries returns the entry set of a well-formed minimal
// document container. Callers mutate the slice to build broken variants.
func MinimalDocxEntries() []DocxEntry {
	return []DocxEntry{
		{Name: "[Content_Types].xml", Body: minimalContentTypes},
		{Name: "_rels/.rels", Body: minimalRootRels},
		{Name: "word/document.xml", Body: minimalDocumentXML},
		{Name: "word/_rels/document.xml.rels", Body: minimalDocumentRels},
		{Name: "word/styles.xml", Body: minimalStylesXML},
	}
}

// WriteDocx builds an archive from the given entries and writes it to
// dir/name, returning the full path.
func WriteDocx(t *testing.T, dir, name string, entries []DocxEntry) string {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range entries {
		part, err := writer.CreateHeader(&zip.FileHeader{Name: entry.Name, Method: zip.Deflate})
		if err != nil {
			t.Fatalf("create entry %q: %v", entry.Name, err)
		}
		if _, err := part.Write([]byte(entry.Body)); err != nil {
			t.Fatalf("write entry %q: %v", entry.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// WriteMinimalDocx writes a well-formed minimal container to dir/name.
func WriteMinimalDocx(t *testing.T, dir, name string) string {
	t.Helper()
	return WriteDocx(t, dir, name, MinimalDocxEntries())
}

// WithoutEntry returns a copy of entries with the named entry removed.
func WithoutEntry(entries []DocxEntry, name string) []DocxEntry {
	out := make([]DocxEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == name {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ReplaceEntry returns a copy of entries with the named entry's body
// swapped. Appends the entry when it was absent.
func ReplaceEntry(entries []DocxEntry, name, body string) []DocxEntry {
	out := make([]DocxEntry, 0, len(entries)+1)
	found := false
	for _, entry := range entries {
		if entry.Name == name {
			entry.Body = body
			found = true
		}
		out = append(out, entry)
	}
	if !found {
		out = append(out, DocxEntry{Name: name, Body: body})
	}
	return out
}
