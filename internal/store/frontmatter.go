// Package store implements the frontmatter store (§6): stage, ticket, and
// epic records are persisted as markdown files with a YAML frontmatter
// block, read/written atomically, found via a WalkDir id lookup in the
// style of the teacher's namespaced-or-legacy pipeline.Store.Get.
package store

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// FrontmatterStore is the external interface named in §6.
type FrontmatterStore interface {
	ReadFrontmatter(path string) (map[string]any, string, error)
	WriteFrontmatter(path string, data map[string]any, content string) error
}

// FileStore implements FrontmatterStore against markdown files on disk.
type FileStore struct {
	md goldmark.Markdown
}

// NewFileStore builds a FileStore with a default goldmark converter used to
// validate that a body round-trips before a write is committed.
func NewFileStore() *FileStore {
	return &FileStore{md: goldmark.New()}
}

// ReadFrontmatter reads path and splits it into the YAML frontmatter map and
// the markdown body. It rejects when the file is missing or has no
// frontmatter block.
func (fs *FileStore) ReadFrontmatter(path string) (map[string]any, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return parseFrontmatter(string(raw))
}

// WriteFrontmatter serializes data as a YAML frontmatter block followed by
// content, and writes it atomically. It validates that content parses as
// markdown before committing — catching a body a resolver or skill
// corrupted into something goldmark chokes on.
func (fs *FileStore) WriteFrontmatter(path string, data map[string]any, content string) error {
	var buf bytes.Buffer
	if err := fs.md.Convert([]byte(content), &buf); err != nil {
		return fmt.Errorf("validate markdown body of %s: %w", path, err)
	}

	yamlBytes, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal frontmatter for %s: %w", path, err)
	}

	var out bytes.Buffer
	out.WriteString(delimiter + "\n")
	out.Write(yamlBytes)
	out.WriteString(delimiter + "\n")
	out.WriteString(content)

	return WriteAtomic(path, out.Bytes())
}

func parseFrontmatter(raw string) (map[string]any, string, error) {
	if !strings.HasPrefix(raw, delimiter+"\n") {
		return nil, "", fmt.Errorf("missing frontmatter block")
	}
	rest := raw[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter+"\n")
	if end == -1 {
		return nil, "", fmt.Errorf("unterminated frontmatter block")
	}
	yamlPart := rest[:end]
	content := rest[end+len(delimiter)+2:]

	data := map[string]any{}
	if err := yaml.Unmarshal([]byte(yamlPart), &data); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter YAML: %w", err)
	}
	return data, content, nil
}

// decode round-trips a frontmatter map through YAML into a typed struct.
func decode(data map[string]any, out any) error {
	b, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// encode round-trips a typed struct through YAML into a frontmatter map.
func encode(in any) (map[string]any, error) {
	b, err := yaml.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
