// Package notes implements writes to the note tree made through the API.
// Every write is persisted first and then queued for the mirror and the
// remote.
package notes

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/tree"
	"github.com/google/uuid"
)

// maxNameLen bounds raw node names, in bytes.
const maxNameLen = 1024

// Pusher queues propagation of committed changes.
type Pusher interface {
	PushNodes(accountID string, ids ...string) error
	PushDelete(accountID, rel string) error
}

// Store is the subset of the state store the service uses.
type Store interface {
	Tree(accountID string) (*tree.Tree, error)
	GetNode(accountID, id string) (*models.Node, error)
	CompareAndPut(accountID string, n models.Node, base int64) (models.Node, error)
	UpdateNode(accountID, id string, fn func(existing *models.Node) (models.Node, error)) (models.Node, error)
	DeleteNodes(accountID string, ids []string) error
}

// FileRequest creates or updates a file. BaseUpdatedAt is the version
// the client last saw; it is ignored for new files.
type FileRequest struct {
	ID            string        `json:"id,omitempty"`
	ParentID      string        `json:"parentId,omitempty"`
	Name          string        `json:"name" validate:"required"`
	Content       string        `json:"content"`
	Format        models.Format `json:"formatExtension,omitempty" validate:"omitempty,oneof=md txt"`
	BaseUpdatedAt int64         `json:"baseUpdatedAt" validate:"gte=0"`
}

// FolderRequest creates, renames or moves a folder.
type FolderRequest struct {
	ID       string `json:"id,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Name     string `json:"name" validate:"required"`
}

// Entry is a node with its resolved relative path.
type Entry struct {
	models.Node
	Path string `json:"path"`
}

// Service applies API writes.
type Service struct {
	store   Store
	pusher  Pusher
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a service.
func New(store Store, p Pusher, m *metrics.Collector, logger *slog.Logger) *Service {
	return &Service{store: store, pusher: p, metrics: m, logger: logger}
}

// UpsertFile stores a file unless the stored copy changed after
// req.BaseUpdatedAt, in which case a *errors.ConflictError carrying the
// stored copy is returned and nothing is written. The server stamps
// UpdatedAt; the client's value is never trusted.
func (s *Service) UpsertFile(accountID string, req FileRequest) (models.Node, error) {
	if err := CheckAccount(accountID); err != nil {
		return models.Node{}, err
	}

	if err := checkName(req.Name); err != nil {
		return models.Node{}, err
	}

	format := req.Format
	if format == "" {
		format = models.FormatMarkdown
	}

	if !format.Valid() {
		return models.Node{}, fmt.Errorf("format %q: %w", format, apperrors.ErrInvalidNode)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := checkSegment("node id", id); err != nil {
		return models.Node{}, err
	}

	if err := s.checkParent(accountID, id, req.ParentID); err != nil {
		return models.Node{}, err
	}

	saved, err := s.store.CompareAndPut(accountID, models.Node{
		ID:       id,
		ParentID: req.ParentID,
		Name:     req.Name,
		Kind:     models.KindFile,
		Content:  req.Content,
		Format:   format,
	}, req.BaseUpdatedAt)
	if err != nil {
		if ce, ok := apperrors.AsConflict(err); ok {
			s.metrics.Conflict("api")
			s.logger.Info("rejected stale write",
				slog.String("account", accountID),
				slog.String("node", id),
				slog.Int64("base", req.BaseUpdatedAt),
				slog.Int64("current", ce.Current.UpdatedAt),
			)
		}

		return models.Node{}, err
	}

	s.push(accountID, saved.ID)

	return saved, nil
}

// UpsertFolder stores a folder. Moving a folder below itself is
// rejected. A rename or move re-pushes the whole subtree.
func (s *Service) UpsertFolder(accountID string, req FolderRequest) (models.Node, error) {
	if err := CheckAccount(accountID); err != nil {
		return models.Node{}, err
	}

	if err := checkName(req.Name); err != nil {
		return models.Node{}, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := checkSegment("node id", id); err != nil {
		return models.Node{}, err
	}

	if err := s.checkParent(accountID, id, req.ParentID); err != nil {
		return models.Node{}, err
	}

	saved, err := s.store.UpdateNode(accountID, id, func(existing *models.Node) (models.Node, error) {
		if existing != nil && !existing.IsFolder() {
			return models.Node{}, fmt.Errorf("node %s is a %s: %w", id, existing.Kind, apperrors.ErrInvalidNode)
		}

		return models.Node{ID: id, ParentID: req.ParentID, Name: req.Name, Kind: models.KindFolder}, nil
	})
	if err != nil {
		return models.Node{}, err
	}

	s.push(accountID, saved.ID)

	return saved, nil
}

// Delete removes a node and everything below it. The mirror and remote
// deletes are queued for the path the node had before deletion.
func (s *Service) Delete(accountID, id string) error {
	if err := CheckAccount(accountID); err != nil {
		return err
	}

	t, err := s.store.Tree(accountID)
	if err != nil {
		return err
	}

	if _, ok := t.Node(id); !ok {
		return fmt.Errorf("node %s: %w", id, apperrors.ErrNotFound)
	}

	rel, err := t.RelativePath(id)
	if err != nil {
		return err
	}

	ids := []string{id}
	for _, d := range t.Descendants(id) {
		ids = append(ids, d.ID)
	}

	if err := s.store.DeleteNodes(accountID, ids); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	if err := s.pusher.PushDelete(accountID, rel); err != nil {
		s.logger.Warn("queueing delete failed",
			slog.String("account", accountID),
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Get returns one node with its resolved path.
func (s *Service) Get(accountID, id string) (Entry, error) {
	t, err := s.store.Tree(accountID)
	if err != nil {
		return Entry{}, err
	}

	n, ok := t.Node(id)
	if !ok {
		return Entry{}, fmt.Errorf("node %s: %w", id, apperrors.ErrNotFound)
	}

	rel, err := t.RelativePath(id)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Node: n, Path: rel}, nil
}

// List returns every node of the account with its resolved path, ordered
// by path.
func (s *Service) List(accountID string) ([]Entry, error) {
	if err := CheckAccount(accountID); err != nil {
		return nil, err
	}

	t, err := s.store.Tree(accountID)
	if err != nil {
		return nil, err
	}

	paths := t.Paths()
	out := make([]Entry, 0, len(paths))

	for _, n := range t.Nodes() {
		out = append(out, Entry{Node: n, Path: paths[n.ID]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (s *Service) push(accountID, id string) {
	if err := s.pusher.PushNodes(accountID, id); err != nil {
		// The reconcile loop picks the node up later.
		s.logger.Warn("queueing push failed",
			slog.String("account", accountID),
			slog.String("node", id),
			slog.String("error", err.Error()),
		)
	}
}

// checkParent requires parentID to be empty or an existing folder that
// is neither id itself nor below it.
func (s *Service) checkParent(accountID, id, parentID string) error {
	if parentID == "" {
		return nil
	}

	if parentID == id {
		return fmt.Errorf("node %s cannot be its own parent: %w", id, apperrors.ErrInvalidNode)
	}

	t, err := s.store.Tree(accountID)
	if err != nil {
		return err
	}

	p, ok := t.Node(parentID)
	if !ok || !p.IsFolder() {
		return fmt.Errorf("parent %s is not a folder: %w", parentID, apperrors.ErrInvalidNode)
	}

	for _, d := range t.Descendants(id) {
		if d.ID == parentID {
			return fmt.Errorf("cannot move %s below itself: %w", id, apperrors.ErrInvalidNode)
		}
	}

	return nil
}

func checkName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("name is empty: %w", apperrors.ErrInvalidNode)
	case len(name) > maxNameLen:
		return fmt.Errorf("name longer than %d bytes: %w", maxNameLen, apperrors.ErrInvalidNode)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name contains null byte: %w", apperrors.ErrInvalidNode)
	}

	// The mirror refuses these, so they are refused here before anything
	// is stored.
	norm := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(norm, "/") {
		return fmt.Errorf("name %q is absolute: %w", name, apperrors.ErrPathUnsafe)
	}

	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return fmt.Errorf("name %q contains ..: %w", name, apperrors.ErrPathUnsafe)
		}
	}

	return nil
}

// CheckAccount rejects account IDs that cannot be used as a single path
// segment or key prefix.
func CheckAccount(accountID string) error {
	return checkSegment("account id", accountID)
}

func checkSegment(what, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return fmt.Errorf("%s %q: %w", what, s, apperrors.ErrPathUnsafe)
	}

	return nil
}
