package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("file not found")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store keeps generated images on disk under <baseDir>/<namespace>/<name>.
// They are served back from /static/<namespace>/<name>.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) filePath(namespace, name string) (string, error) {
	if !validName.MatchString(namespace) {
		return "", fmt.Errorf("invalid namespace: %q", namespace)
	}
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	return filepath.Join(s.baseDir, namespace, name), nil
}

func (s *Store) Put(namespace, name string, content []byte) error {
	fullPath, err := s.filePath(namespace, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	// Write then rename so a concurrent reader never sees a partial image.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *Store) Get(namespace, name string) ([]byte, error) {
	fullPath, err := s.filePath(namespace, name)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, name)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

// List returns the file names in namespace, sorted.
func (s *Store) List(namespace string) ([]string, error) {
	if !validName.MatchString(namespace) {
		return nil, fmt.Errorf("invalid namespace: %q", namespace)
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, namespace))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// SaveImage decodes base64 image data, stores it as <namespace>/<id><ext> and
// returns the path it is served under.
func (s *Store) SaveImage(namespace, id, mimeType, data string) (string, error) {
	content, err := decodeImage(data)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	name := id + extensionFor(mimeType, content)
	if err := s.Put(namespace, name, content); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return "/static/" + namespace + "/" + name, nil
}

// decodeImage accepts raw base64 or a data: URL.
func decodeImage(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		i := strings.Index(data, ",")
		if i < 0 {
			return nil, errors.New("malformed data URL")
		}
		data = data[i+1:]
	}
	return base64.StdEncoding.DecodeString(data)
}

func extensionFor(mimeType string, content []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
