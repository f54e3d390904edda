// Package loader turns JSON files into documents according to declared
// extraction rules.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	SourceKey = "source"
	RecordKey = "record"
)

var (
	ErrInvalidJSON  = errors.New("invalid json")
	ErrInvalidShape = errors.New("unexpected json shape")
)

// Config declares how records are extracted. Keys and RecordsPath use gjson
// path syntax, so nested fields are addressed as "specs.color".
type Config struct {
	// RecordsPath points at the array of records. Empty means the document
	// root is the array.
	RecordsPath string `yaml:"records_path"`
	// ContentKeys populate the text. Empty means the whole record.
	ContentKeys []string `yaml:"content_keys"`
	// MetadataKeys populate metadata. Values must be scalars.
	MetadataKeys []string `yaml:"metadata_keys"`
	// IDKey names a field holding a unique record id. Empty means ids are
	// derived from the file path and the record position.
	IDKey string `yaml:"id_key"`
	// StripHTML converts HTML text content to plain text.
	StripHTML bool `yaml:"strip_html"`
}

type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type Result struct {
	Documents []docstore.Document
	// Skipped counts array entries that are not objects.
	Skipped int
}

type JSONLoader struct {
	cfg Config
}

func NewJSONLoader(cfg Config) *JSONLoader {
	return &JSONLoader{cfg: cfg}
}

func (l *JSONLoader) Load(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &LoadError{Path: path, Err: err}
	}

	if !gjson.ValidBytes(data) {
		return Result{}, &LoadError{Path: path, Err: ErrInvalidJSON}
	}

	records := gjson.ParseBytes(data)
	if l.cfg.RecordsPath != "" {
		records = records.Get(l.cfg.RecordsPath)
	}
	if !records.IsArray() {
		where := "document root"
		if l.cfg.RecordsPath != "" {
			where = fmt.Sprintf("%q", l.cfg.RecordsPath)
		}
		return Result{}, &LoadError{Path: path, Err: fmt.Errorf("%w: %s is not an array", ErrInvalidShape, where)}
	}

	source, err := filepath.Abs(path)
	if err != nil {
		source = path
	}

	var (
		res     Result
		loadErr error
		pos     int
	)
	seen := make(map[string]int)
	records.ForEach(func(_, rec gjson.Result) bool {
		i := pos
		pos++

		if !rec.IsObject() {
			res.Skipped++
			return true
		}

		doc, err := l.toDocument(source, i, rec)
		if err != nil {
			loadErr = fmt.Errorf("record %d: %w", i, err)
			return false
		}

		if prev, ok := seen[doc.ID]; ok {
			loadErr = fmt.Errorf("%w: records %d and %d share id %q", ErrInvalidShape, prev, i, doc.ID)
			return false
		}
		seen[doc.ID] = i

		res.Documents = append(res.Documents, doc)
		return true
	})
	if loadErr != nil {
		return Result{}, &LoadError{Path: path, Err: loadErr}
	}

	return res, nil
}

func (l *JSONLoader) toDocument(source string, i int, rec gjson.Result) (docstore.Document, error) {
	text, err := l.text(rec)
	if err != nil {
		return docstore.Document{}, err
	}

	meta := map[string]any{
		SourceKey: source,
		RecordKey: int64(i),
	}
	for _, key := range l.cfg.MetadataKeys {
		v := rec.Get(key)
		if !v.Exists() {
			continue
		}

		switch v.Type {
		case gjson.String:
			meta[key] = v.Str
		case gjson.Number:
			if v.Num == float64(v.Int()) {
				meta[key] = v.Int()
			} else {
				meta[key] = v.Num
			}
		case gjson.True, gjson.False:
			meta[key] = v.Bool()
		case gjson.Null:
		default:
			return docstore.Document{}, fmt.Errorf("%w: metadata key %q is not a scalar", ErrInvalidShape, key)
		}
	}

	id, err := l.id(source, i, rec)
	if err != nil {
		return docstore.Document{}, err
	}

	return docstore.Document{ID: id, Text: text, Metadata: meta}, nil
}

func (l *JSONLoader) text(rec gjson.Result) (string, error) {
	var text string
	switch len(l.cfg.ContentKeys) {
	case 0:
		text = rec.Raw
	case 1:
		text = rec.Get(l.cfg.ContentKeys[0]).String()
	default:
		var sb strings.Builder
		for _, key := range l.cfg.ContentKeys {
			v := rec.Get(key)
			if !v.Exists() || v.Type == gjson.Null {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", key, v.String())
		}
		text = sb.String()
	}

	if l.cfg.StripHTML {
		plain, _, err := docconv.ConvertHTML(strings.NewReader(text), false)
		if err != nil {
			return "", fmt.Errorf("failed to convert html: %w", err)
		}
		text = plain
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: no content in %v", ErrInvalidShape, l.cfg.ContentKeys)
	}

	return text, nil
}

func (l *JSONLoader) id(source string, i int, rec gjson.Result) (string, error) {
	if l.cfg.IDKey == "" {
		name := fmt.Sprintf("%s#%d", source, i)
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String(), nil
	}

	v := rec.Get(l.cfg.IDKey)
	if !v.Exists() || v.String() == "" {
		return "", fmt.Errorf("%w: missing id key %q", ErrInvalidShape, l.cfg.IDKey)
	}

	return v.String(), nil
}

// JSONFiles lists the *.json files directly inside dir, sorted by name.
func JSONFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Path: dir, Err: errors.New("not a directory")}
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}

	return files, nil
}
