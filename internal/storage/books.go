package storage

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"bookrelay/internal/models"
)

// Disk is object storage on the local filesystem. Objects are flat files
// under Dir, published under PublicBaseURL.
type Disk struct {
	Dir           string
	PublicBaseURL string
	// MaxSize rejects larger objects; 0 means no limit.
	MaxSize int64
}

func NewDisk(dir string, publicBaseURL string, maxSize int64) (*Disk, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Disk{Dir: dir, PublicBaseURL: strings.TrimRight(publicBaseURL, "/"), MaxSize: maxSize}, nil
}

// Put copies the file at localPath into storage as objectName.
func (d *Disk) Put(localPath string, objectName string) (models.StoredObject, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return models.StoredObject{}, err
	}

	in, err := os.Open(localPath)
	if err != nil {
		return models.StoredObject{}, fmt.Errorf("open source file: %w", err)
	}
	defer in.Close()

	fullPath := filepath.Join(d.Dir, name)
	out, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return models.StoredObject{}, fmt.Errorf("create object: %w", err)
	}
	defer out.Close()

	reader := io.Reader(in)
	if d.MaxSize > 0 {
		reader = io.LimitReader(in, d.MaxSize+1)
	}

	n, err := io.Copy(out, reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return models.StoredObject{}, fmt.Errorf("write object: %w", err)
	}
	if d.MaxSize > 0 && n > d.MaxSize {
		_ = os.Remove(fullPath)
		return models.StoredObject{}, fmt.Errorf("file is larger than %d bytes", d.MaxSize)
	}

	return models.StoredObject{
		Path:      name,
		PublicURL: d.PublicURL(name),
		SizeBytes: n,
	}, nil
}

func (d *Disk) Open(objectPath string) (io.ReadCloser, error) {
	name, err := cleanObjectName(objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Remove deletes an object. A missing object is not an error.
func (d *Disk) Remove(objectPath string) error {
	name, err := cleanObjectName(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.Dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (d *Disk) PublicURL(objectPath string) string {
	return d.PublicBaseURL + "/files/" + url.PathEscape(objectPath)
}

// cleanObjectName keeps object names flat inside the storage directory.
func cleanObjectName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) || base != strings.TrimSpace(name) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return base, nil
}
