package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/pretty"
)

// Document names inside a backup folder.
const (
	OsDocument         = "os.json"
	PartitionsDocument = "partitions.json"
)

// DocumentStore loads and saves raw metadata documents.
type DocumentStore interface {
	Load(path string) ([]byte, error)
	Save(path string, doc []byte) error
}

// FileStore is a DocumentStore on the local filesystem. Saves go through a
// temporary file and a rename so a document is never half written.
type FileStore struct{}

// Load reads the document at path. A missing document reads as empty.
func (FileStore) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Save writes doc to path.
func (FileStore) Save(path string, doc []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MetadataStore reads and writes the typed documents of a backup folder.
type MetadataStore struct {
	docs DocumentStore
}

// NewMetadataStore returns a MetadataStore on top of docs.
func NewMetadataStore(docs DocumentStore) *MetadataStore {
	return &MetadataStore{docs: docs}
}

// OsPath returns the os.json path of a backup folder.
func OsPath(folder string) string {
	return filepath.Join(folder, OsDocument)
}

// PartitionsPath returns the partitions.json path of a backup folder.
func PartitionsPath(folder string) string {
	return filepath.Join(folder, PartitionsDocument)
}

// LoadPartitions returns the partition descriptors of folder.
func (s *MetadataStore) LoadPartitions(folder string) ([]PartitionDescriptor, error) {
	doc, err := s.docs.Load(PartitionsPath(folder))
	if err != nil {
		return nil, err
	}
	return ParsePartitions(doc)
}

// SavePartitions replaces the partition list of folder's partitions.json.
func (s *MetadataStore) SavePartitions(folder string, parts []PartitionDescriptor) error {
	path := PartitionsPath(folder)
	doc, err := s.docs.Load(path)
	if err != nil {
		return err
	}
	if len(doc) == 0 && len(parts) == 0 {
		return nil
	}
	out, err := BuildPartitionsJSON(doc, parts)
	if err != nil {
		return err
	}
	return s.docs.Save(path, pretty.Pretty(out))
}

// LoadOs returns the os.json descriptor of folder.
func (s *MetadataStore) LoadOs(folder string) (OsDescriptor, error) {
	doc, err := s.docs.Load(OsPath(folder))
	if err != nil {
		return OsDescriptor{}, err
	}
	return ParseOsDescriptor(doc)
}

// RewriteOs turns folder's os.json into the descriptor of a backup of req
// whose artifacts add up to downloadSize bytes.
func (s *MetadataStore) RewriteOs(folder string, req Request, downloadSize int64) error {
	path := OsPath(folder)
	doc, err := s.docs.Load(path)
	if err != nil {
		return err
	}
	out, err := BuildOsJSON(doc, req, downloadSize)
	if err != nil {
		return err
	}
	return s.docs.Save(path, pretty.Pretty(out))
}
