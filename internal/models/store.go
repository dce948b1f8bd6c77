package models

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownModel is returned for names missing from the catalog
var ErrUnknownModel = errors.New("unknown model")

// ErrNotInstalled is returned when a model directory does not exist
var ErrNotInstalled = errors.New("model not installed")

// Model represents a downloadable Vosk model
type Model struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Size        string `json:"size"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Catalog lists the Vosk models a learner can practice with
var Catalog = []Model{
	{
		Name:        "vosk-model-small-en-us-0.15",
		Language:    "en-US",
		Size:        "40M",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-small-en-us-0.15.zip",
		Description: "Lightweight English model, fast but less accurate",
	},
	{
		Name:        "vosk-model-en-us-0.22-lgraph",
		Language:    "en-US",
		Size:        "128M",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-en-us-0.22-lgraph.zip",
		Description: "Medium English model, balanced speed and accuracy",
	},
	{
		Name:        "vosk-model-small-es-0.42",
		Language:    "es-ES",
		Size:        "39M",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-small-es-0.42.zip",
		Description: "Lightweight Spanish model",
	},
	{
		Name:        "vosk-model-small-fr-0.22",
		Language:    "fr-FR",
		Size:        "41M",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-small-fr-0.22.zip",
		Description: "Lightweight French model",
	},
	{
		Name:        "vosk-model-small-de-0.15",
		Language:    "de-DE",
		Size:        "45M",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-small-de-0.15.zip",
		Description: "Lightweight German model",
	},
}

// DefaultModelName is used when nothing else is configured
const DefaultModelName = "vosk-model-small-en-us-0.15"

const defaultMarker = ".default_model"

// Find returns the catalog entry for name
func Find(name string) (Model, bool) {
	for _, m := range Catalog {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// ForLanguage returns the catalog entries for a BCP-47 language tag. A bare
// language such as "es" matches every region.
func ForLanguage(tag string) []Model {
	tag = strings.ToLower(tag)
	var out []Model
	for _, m := range Catalog {
		lang := strings.ToLower(m.Language)
		if lang == tag || strings.HasPrefix(lang, tag+"-") {
			out = append(out, m)
		}
	}
	return out
}

// Progress reports download progress; total is -1 when unknown
type Progress func(downloaded, total int64)

// Store keeps installed models under one directory
type Store struct {
	Dir    string
	Client *http.Client
}

// NewStore creates a store rooted at dir. An empty dir uses ./models.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = filepath.Join(cwd, "models")
	}
	return &Store{Dir: dir, Client: http.DefaultClient}, nil
}

// Default returns the configured default model, or DefaultModelName
func (s *Store) Default() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, defaultMarker))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultModelName, nil
		}
		return DefaultModelName, err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return DefaultModelName, nil
	}
	return name, nil
}

// SetDefault records name as the default model
func (s *Store) SetDefault(name string) error {
	if _, ok := Find(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir, defaultMarker), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to save default model: %w", err)
	}
	return nil
}

// Installed reports whether the model directory exists
func (s *Store) Installed(name string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.Dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Path returns the directory of an installed model
func (s *Store) Path(name string) (string, error) {
	ok, err := s.Installed(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	return filepath.Join(s.Dir, name), nil
}

// List returns the installed model names
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read models directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "vosk-model-") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Download fetches and unpacks a catalog model into the store
func (s *Store) Download(ctx context.Context, name string, progress Progress) error {
	model, ok := Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return s.fetch(ctx, model, progress)
}

func (s *Store) fetch(ctx context.Context, model Model, progress Progress) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	zipPath := filepath.Join(s.Dir, model.Name+".zip")
	defer os.Remove(zipPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, model.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	var body io.Reader = resp.Body
	if progress != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	_, err = io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download error: %w", err)
	}

	if err := extractZip(zipPath, s.Dir); err != nil {
		return fmt.Errorf("failed to extract model: %w", err)
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}

// extractZip extracts a zip file to the specified directory
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for _, f := range r.File {
		fpath := filepath.Join(destDir, f.Name)

		// ZipSlip
		if !strings.HasPrefix(fpath, root) {
			return fmt.Errorf("illegal file path: %s", fpath)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, fpath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, fpath string) error {
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(out, rc)
	return err
}
