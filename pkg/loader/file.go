package loader

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
)

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".rst":      true,
}

// FileLoader reads plain-text and PDF files into Documents. Unsupported
// extensions are skipped, not failed.
type FileLoader struct {
	logger *logrus.Logger
}

func NewFileLoader(logger *logrus.Logger) *FileLoader {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileLoader{logger: logger}
}

// Load accepts a file or a directory. Directories are walked
// recursively.
func (l *FileLoader) Load(path string) ([]models.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		doc, ok, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("unsupported file type: %s", path)
		}
		return []models.Document{doc}, nil
	}

	var documents []models.Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		doc, ok, err := l.loadFile(p)
		if err != nil {
			l.logger.WithError(err).WithField("file", p).Warn("failed to load file")
			return nil
		}
		if ok {
			documents = append(documents, doc)
		}
		return nil
	})
	return documents, err
}

func (l *FileLoader) loadFile(path string) (models.Document, bool, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var content string
	switch {
	case textExtensions[ext]:
		data, err := os.ReadFile(path)
		if err != nil {
			return models.Document{}, false, err
		}
		content = string(data)
	case ext == ".pdf":
		text, err := extractPDFText(path)
		if err != nil {
			return models.Document{}, false, err
		}
		content = text
	default:
		return models.Document{}, false, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, _ := os.Stat(path)

	doc := models.Document{
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String(),
		Content: content,
		Source:  path,
		Metadata: map[string]any{
			"extension": ext,
		},
	}
	if info != nil {
		doc.Metadata["sizeBytes"] = info.Size()
		doc.Metadata["modifiedAt"] = info.ModTime().UTC()
	}
	return doc, true, nil
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text from %s: %w", path, err)
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
