// Package memory loads optional per-persona speech samples from JSON files
// and flattens them into plain text for the persona prompt.
package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/logger"
)

// ErrMemoryLoad marks a memory record that exists in the lookup table but
// could not be read or decoded. It is never fatal.
var ErrMemoryLoad = errors.New("memory load failed")

// LoadFailure describes a soft memory failure for one role.
type LoadFailure struct {
	RoleID string
	Path   string
	Err    error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load memory for %s from %s: %v", e.RoleID, e.Path, e.Err)
}

func (e *LoadFailure) Unwrap() []error {
	return []error{ErrMemoryLoad, e.Err}
}

// Memory is the outcome of one load. Text is always safe to use; Err is set
// only for soft failures.
type Memory struct {
	RoleID  string
	Path    string
	Kind    Kind
	Records int
	Text    string
	Err     error
}

// Loader resolves role identifiers to memory files under a root directory.
type Loader struct {
	files map[string]string
	root  string
}

// NewLoader copies files so later changes by the caller are not observed.
func NewLoader(files map[string]string, root string) *Loader {
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return &Loader{files: cp, root: root}
}

// Path returns the file backing roleID, or "" when none is mapped.
func (l *Loader) Path(roleID string) string {
	name := l.files[strings.TrimSpace(roleID)]
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.root, name)
}

// Load reads and flattens the memory for roleID. Unmapped roles yield an
// empty Memory with no diagnostic.
func (l *Loader) Load(roleID string) Memory {
	m := Memory{RoleID: roleID, Path: l.Path(roleID)}
	if m.Path == "" {
		return m
	}

	data, err := os.ReadFile(m.Path)
	if err != nil {
		return l.fail(m, err)
	}
	rec, err := decode(data)
	if err != nil {
		return l.fail(m, err)
	}

	m.Kind = rec.kind()
	m.Records = rec.count()
	m.Text = rec.flatten()
	if strings.TrimSpace(m.Text) == "" {
		m.Text = ""
		return m
	}

	logger.InfoCF("memory", "Loaded persona memory", map[string]any{
		"role":    roleID,
		"path":    m.Path,
		"kind":    m.Kind.String(),
		"records": m.Records,
	})
	return m
}

// Text is Load without the metadata.
func (l *Loader) Text(roleID string) string {
	return l.Load(roleID).Text
}

func (l *Loader) fail(m Memory, err error) Memory {
	m.Err = &LoadFailure{RoleID: m.RoleID, Path: m.Path, Err: err}
	m.Text = ""
	logger.WarnCF("memory", "Memory unavailable, continuing without it", map[string]any{
		"role":  m.RoleID,
		"path":  m.Path,
		"error": err.Error(),
	})
	return m
}

// Kind tags the shape a memory file was decoded as.
type Kind int

const (
	KindNone Kind = iota
	KindSequence
	KindSingle
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindSingle:
		return "single"
	case KindOpaque:
		return "opaque"
	default:
		return "none"
	}
}

type record interface {
	kind() Kind
	count() int
	flatten() string
}

// sequenceRecord is a JSON array of objects with a content field.
type sequenceRecord struct {
	contents []string
	total    int
}

func (r sequenceRecord) kind() Kind      { return KindSequence }
func (r sequenceRecord) count() int      { return r.total }
func (r sequenceRecord) flatten() string { return strings.Join(r.contents, "\n") }

// singleRecord is one JSON object with a content field.
type singleRecord struct {
	content string
}

func (r singleRecord) kind() Kind      { return KindSingle }
func (r singleRecord) count() int      { return 1 }
func (r singleRecord) flatten() string { return r.content }

// opaqueRecord is any other JSON value, kept in its textual form.
type opaqueRecord struct {
	text string
}

func (r opaqueRecord) kind() Kind      { return KindOpaque }
func (r opaqueRecord) count() int      { return 1 }
func (r opaqueRecord) flatten() string { return r.text }

func decode(data []byte) (record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty memory file")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode memory list: %w", err)
		}
		rec := sequenceRecord{total: len(items)}
		for _, raw := range items {
			var item struct {
				Content *string `json:"content"`
			}
			// Entries that are not objects, or whose content is not a
			// string, carry nothing to imitate.
			if err := json.Unmarshal(raw, &item); err != nil || item.Content == nil {
				continue
			}
			if *item.Content != "" {
				rec.contents = append(rec.contents, *item.Content)
			}
		}
		return rec, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("decode memory object: %w", err)
		}
		raw, ok := obj["content"]
		if !ok {
			return opaqueRecord{text: textOf(trimmed)}, nil
		}
		return singleRecord{content: textOf(raw)}, nil
	default:
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("decode memory: invalid JSON")
		}
		return opaqueRecord{text: textOf(trimmed)}, nil
	}
}

// textOf renders a JSON value as text: strings unquoted, everything else
// as compact JSON.
func textOf(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
