package uptane

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kolide/uptane/tuf"
)

// FileStore is a Store that caches verified metadata under
// {root}/{service}/{role}.json, writing atomically via a temp file plus
// rename so a crash mid-write never leaves a corrupt cache entry.
type FileStore struct {
	Root string
}

// NewFileStore returns a FileStore rooted at root, creating it if absent.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating metadata cache root %q", root)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) path(service Service, role tuf.RoleName) string {
	return filepath.Join(s.Root, string(service), string(role)+".json")
}

// Load reads a cached role blob, reporting ok=false if it has never been
// written.
func (s *FileStore) Load(service Service, role tuf.RoleName) ([]byte, bool, error) {
	data, err := ioutil.ReadFile(s.path(service, role))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading cached %s/%s", service, role)
	}
	return data, true, nil
}

// Save atomically writes data to the cache entry for service/role.
func (s *FileStore) Save(service Service, role tuf.RoleName, data []byte) error {
	dir := filepath.Join(s.Root, string(service))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating cache dir %q", dir)
	}
	tmp, err := ioutil.TempFile(dir, string(role)+".json.tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file for cache write")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "writing cached %s/%s", service, role)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, s.path(service, role)); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "installing cached %s/%s", service, role)
	}
	return nil
}
