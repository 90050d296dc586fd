package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jparkml/driftwatch/pkg/models"
)

const (
	attributesSidecar = "attributes.json"
	embeddingsSidecar = "embeddings.json"
)

// FileCollaborators serves datasets laid out on disk: one directory per
// subject under root, items as regular files. Pre-computed attributes and
// embeddings live in per-subject sidecar files (attributes.json and
// embeddings.json), keyed by item name. Items without a sidecar entry fall
// back to file metadata for attributes and fail extraction for embeddings.
type FileCollaborators struct {
	root string

	mu       sync.Mutex
	sidecars map[string]*sidecar
}

type sidecar struct {
	Attributes map[string]models.AttributeRecord
	Embeddings map[string][]float64
}

// NewFileCollaborators creates collaborators rooted at the given directory.
func NewFileCollaborators(root string) *FileCollaborators {
	return &FileCollaborators{
		root:     root,
		sidecars: make(map[string]*sidecar),
	}
}

// ListItems returns the item file names of a subject directory, sorted.
// Sidecar files are not items.
func (f *FileCollaborators) ListItems(_ context.Context, subjectID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, subjectID))
	if err != nil {
		return nil, fmt.Errorf("reading subject %s: %w", subjectID, err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == attributesSidecar || name == embeddingsSidecar {
			continue
		}
		items = append(items, name)
	}
	sort.Strings(items)
	return items, nil
}

// Analyze returns the sidecar attribute record for the item, or a record
// derived from file metadata when the sidecar has no entry.
func (f *FileCollaborators) Analyze(_ context.Context, subjectID, item string) (models.AttributeRecord, error) {
	sc, err := f.loadSidecar(subjectID)
	if err != nil {
		return models.AttributeRecord{}, err
	}
	if record, ok := sc.Attributes[item]; ok {
		return record, nil
	}

	info, err := os.Stat(filepath.Join(f.root, subjectID, item))
	if err != nil {
		return models.AttributeRecord{}, fmt.Errorf("stat %s: %w", item, err)
	}
	return models.AttributeRecord{
		Size:   float64(info.Size()),
		Format: strings.TrimPrefix(filepath.Ext(item), "."),
	}, nil
}

// Extract returns the sidecar embedding for the item. Items without one fail,
// which excludes them from the analysis.
func (f *FileCollaborators) Extract(_ context.Context, subjectID, item string) ([]float64, error) {
	sc, err := f.loadSidecar(subjectID)
	if err != nil {
		return nil, err
	}
	vec, ok := sc.Embeddings[item]
	if !ok {
		return nil, fmt.Errorf("no embedding for %s/%s", subjectID, item)
	}
	return append([]float64(nil), vec...), nil
}

// loadSidecar reads and caches both sidecar files of a subject. Missing
// sidecar files are not errors; the maps are just empty.
func (f *FileCollaborators) loadSidecar(subjectID string) (*sidecar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sc, ok := f.sidecars[subjectID]; ok {
		return sc, nil
	}

	sc := &sidecar{
		Attributes: make(map[string]models.AttributeRecord),
		Embeddings: make(map[string][]float64),
	}
	dir := filepath.Join(f.root, subjectID)

	if err := readJSONIfPresent(filepath.Join(dir, attributesSidecar), &sc.Attributes); err != nil {
		return nil, fmt.Errorf("reading %s attributes: %w", subjectID, err)
	}
	if err := readJSONIfPresent(filepath.Join(dir, embeddingsSidecar), &sc.Embeddings); err != nil {
		return nil, fmt.Errorf("reading %s embeddings: %w", subjectID, err)
	}

	f.sidecars[subjectID] = sc
	return sc, nil
}

func readJSONIfPresent(path string, out any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
