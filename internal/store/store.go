package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jakekausler/stagehand/internal/pipeline"
)

// Store is the typed, path-aware layer over FrontmatterStore. Records live
// at root/epics/<epic>/epic.md, root/epics/<epic>/tickets/<ticket>/ticket.md,
// root/epics/<epic>/tickets/<ticket>/stages/<stage>.md.
type Store struct {
	fm   FrontmatterStore
	root string
}

// New builds a Store rooted at root, using fm for the raw frontmatter I/O.
func New(root string, fm FrontmatterStore) *Store {
	return &Store{fm: fm, root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// ReadStage reads and decodes a stage record plus its markdown body.
func (s *Store) ReadStage(path string) (*pipeline.Stage, string, error) {
	data, content, err := s.fm.ReadFrontmatter(path)
	if err != nil {
		return nil, "", err
	}
	var st pipeline.Stage
	if err := decode(data, &st); err != nil {
		return nil, "", fmt.Errorf("decode stage %s: %w", path, err)
	}
	st.FilePath = path
	return &st, content, nil
}

// WriteStage writes a stage record back to its FilePath.
func (s *Store) WriteStage(st *pipeline.Stage, content string) error {
	if st.FilePath == "" {
		return fmt.Errorf("stage %s has no FilePath", st.ID)
	}
	data, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode stage %s: %w", st.ID, err)
	}
	return s.fm.WriteFrontmatter(st.FilePath, data, content)
}

// ReadTicket reads and decodes a ticket record.
func (s *Store) ReadTicket(path string) (*pipeline.Ticket, string, error) {
	data, content, err := s.fm.ReadFrontmatter(path)
	if err != nil {
		return nil, "", err
	}
	var tk pipeline.Ticket
	if err := decode(data, &tk); err != nil {
		return nil, "", fmt.Errorf("decode ticket %s: %w", path, err)
	}
	tk.FilePath = path
	return &tk, content, nil
}

// WriteTicket writes a ticket record back to its FilePath.
func (s *Store) WriteTicket(tk *pipeline.Ticket, content string) error {
	if tk.FilePath == "" {
		return fmt.Errorf("ticket %s has no FilePath", tk.ID)
	}
	data, err := encode(tk)
	if err != nil {
		return fmt.Errorf("encode ticket %s: %w", tk.ID, err)
	}
	return s.fm.WriteFrontmatter(tk.FilePath, data, content)
}

// ReadEpic reads and decodes an epic record.
func (s *Store) ReadEpic(path string) (*pipeline.Epic, string, error) {
	data, content, err := s.fm.ReadFrontmatter(path)
	if err != nil {
		return nil, "", err
	}
	var ep pipeline.Epic
	if err := decode(data, &ep); err != nil {
		return nil, "", fmt.Errorf("decode epic %s: %w", path, err)
	}
	ep.FilePath = path
	return &ep, content, nil
}

// WriteEpic writes an epic record back to its FilePath.
func (s *Store) WriteEpic(ep *pipeline.Epic, content string) error {
	if ep.FilePath == "" {
		return fmt.Errorf("epic %s has no FilePath", ep.ID)
	}
	data, err := encode(ep)
	if err != nil {
		return fmt.Errorf("encode epic %s: %w", ep.ID, err)
	}
	return s.fm.WriteFrontmatter(ep.FilePath, data, content)
}

// TicketPathForStage derives a ticket's file path from a stage's path:
// .../tickets/<ticket>/stages/<stage>.md -> .../tickets/<ticket>/ticket.md
func TicketPathForStage(stagePath string) string {
	stagesDir := filepath.Dir(stagePath)
	ticketDir := filepath.Dir(stagesDir)
	return filepath.Join(ticketDir, "ticket.md")
}

// EpicPathForTicket derives an epic's file path from a ticket's path:
// .../epics/<epic>/tickets/<ticket>/ticket.md -> .../epics/<epic>/epic.md
func EpicPathForTicket(ticketPath string) string {
	ticketDir := filepath.Dir(ticketPath)
	ticketsDir := filepath.Dir(ticketDir)
	epicDir := filepath.Dir(ticketsDir)
	return filepath.Join(epicDir, "epic.md")
}

// StagePath returns the canonical on-disk path for a stage under epic/ticket.
func (s *Store) StagePath(epicID, ticketID, stageID string) string {
	return filepath.Join(s.root, "epics", epicID, "tickets", ticketID, "stages", stageID+".md")
}

// TicketPath returns the canonical on-disk path for a ticket.
func (s *Store) TicketPath(epicID, ticketID string) string {
	return filepath.Join(s.root, "epics", epicID, "tickets", ticketID, "ticket.md")
}

// EpicPath returns the canonical on-disk path for an epic.
func (s *Store) EpicPath(epicID string) string {
	return filepath.Join(s.root, "epics", epicID, "epic.md")
}

// ListStageFiles walks the store and returns every stage file path. Used by
// discovery and the resolver runner, both of which "discover every stage
// file in the repo".
func (s *Store) ListStageFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) == "stages" && strings.HasSuffix(path, ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	return paths, nil
}

// FindStageFile locates a stage's file path by id without a full directory
// convention lookup, by walking and matching the filename stem.
func (s *Store) FindStageFile(id string) (string, error) {
	want := id + ".md"
	var found string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		if filepath.Base(path) == want && filepath.Base(filepath.Dir(path)) == "stages" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", s.root, err)
	}
	if found == "" {
		return "", fmt.Errorf("stage %s: file not found", id)
	}
	return found, nil
}
