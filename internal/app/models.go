package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emmett/parlo/internal/models"
)

// ModelManager lists, installs and picks speech models
type ModelManager struct {
	store *models.Store
	in    *bufio.Reader
	out   io.Writer
}

// NewModelManager creates a manager over a store. Confirmations are read from in.
func NewModelManager(store *models.Store, in io.Reader, out io.Writer) *ModelManager {
	return &ModelManager{store: store, in: bufio.NewReader(in), out: out}
}

// ListModels prints the catalog with install status
func (m *ModelManager) ListModels() error {
	fmt.Fprintln(m.out, "Available models for download:")
	fmt.Fprintln(m.out)

	for i, model := range models.Catalog {
		fmt.Fprintf(m.out, "%d. %s\n", i+1, model.Name)
		fmt.Fprintf(m.out, "   Language: %s\n", model.Language)
		fmt.Fprintf(m.out, "   Size:     %s\n", model.Size)
		fmt.Fprintf(m.out, "   Info:     %s\n", model.Description)

		installed, err := m.store.Installed(model.Name)
		if err != nil {
			return fmt.Errorf("error checking model: %w", err)
		}
		if installed {
			fmt.Fprintf(m.out, "   Status:   ✓ Downloaded\n\n")
		} else {
			fmt.Fprintf(m.out, "   Status:   Not downloaded\n\n")
		}
	}

	fmt.Fprintln(m.out, "To download a model, use:")
	fmt.Fprintln(m.out, "  parlo --download-model <model-name>")
	return nil
}

// ListInstalled prints the installed models and marks the default
func (m *ModelManager) ListInstalled() error {
	names, err := m.store.List()
	if err != nil {
		return fmt.Errorf("error listing models: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(m.out, "No models downloaded yet.")
		fmt.Fprintln(m.out, "Use 'parlo --list-models' to see available models")
		return nil
	}

	def, _ := m.store.Default()
	fmt.Fprintf(m.out, "Downloaded models (%d):\n\n", len(names))
	for i, name := range names {
		marker := ""
		if name == def {
			marker = " [DEFAULT]"
		}
		fmt.Fprintf(m.out, "%d. %s%s\n", i+1, name, marker)
		if path, err := m.store.Path(name); err == nil {
			fmt.Fprintf(m.out, "   Path: %s\n", path)
		}
	}
	return nil
}

// Download installs a catalog model, printing progress
func (m *ModelManager) Download(ctx context.Context, name string) error {
	model, ok := models.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s (use --list-models)", models.ErrUnknownModel, name)
	}
	installed, err := m.store.Installed(name)
	if err != nil {
		return fmt.Errorf("error checking model: %w", err)
	}
	if installed {
		fmt.Fprintf(m.out, "Model '%s' is already downloaded.\n", name)
		return nil
	}

	fmt.Fprintf(m.out, "Downloading model: %s (%s)\n", model.Name, model.Size)
	err = m.store.Download(ctx, name, func(downloaded, total int64) {
		if total > 0 {
			fmt.Fprintf(m.out, "\rProgress: %.1f%% (%d/%d bytes)", float64(downloaded)/float64(total)*100, downloaded, total)
		}
	})
	fmt.Fprintln(m.out)
	if err != nil {
		return fmt.Errorf("error downloading model: %w", err)
	}
	fmt.Fprintf(m.out, "✓ Model '%s' downloaded successfully!\n", name)
	return nil
}

// SetDefault records the default model
func (m *ModelManager) SetDefault(name string) error {
	if err := m.store.SetDefault(name); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "✓ Default model set to '%s'\n", name)
	return nil
}

// Resolve returns name, or the store default when name is empty
func (m *ModelManager) Resolve(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	return m.store.Default()
}

// EnsureModel makes sure the named model is installed, downloading it
// automatically or after confirmation
func (m *ModelManager) EnsureModel(ctx context.Context, name string, autoDownload bool) error {
	installed, err := m.store.Installed(name)
	if err != nil {
		return fmt.Errorf("failed to check for model: %w", err)
	}
	if installed {
		return nil
	}
	if _, ok := models.Find(name); !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownModel, name)
	}

	if !autoDownload {
		fmt.Fprintf(m.out, "Model '%s' not found. Download it now? (y/n): ", name)
		answer, err := m.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read input: %w", err)
		}
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			return fmt.Errorf("%w: %s (download declined)", models.ErrNotInstalled, name)
		}
	}
	return m.Download(ctx, name)
}
