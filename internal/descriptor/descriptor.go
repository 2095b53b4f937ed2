// Package descriptor reads and rewrites Boutiques tool descriptors.
//
// A descriptor is kept as an ordered list of top-level fields with raw JSON
// values, so that rewriting the doi field leaves every other field as it was.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Field names used by the publisher.
const (
	FieldName          = "name"
	FieldDOI           = "doi"
	FieldDescription   = "description"
	FieldAuthor        = "author"
	FieldToolVersion   = "tool-version"
	FieldSchemaVersion = "schema-version"
	FieldTags          = "tags"
	FieldContainer     = "container-image"
	FieldURL           = "url"
)

// DefaultIndent is used when the source file's indentation cannot be detected.
const DefaultIndent = "    "

// ErrNotObject is returned when the descriptor is not a JSON object.
var ErrNotObject = errors.New("descriptor is not a JSON object")

// ErrMissingName is returned when the descriptor has no usable name.
var ErrMissingName = errors.New("descriptor has no name")

// Field is one top-level descriptor entry.
type Field struct {
	Key   string
	Value json.RawMessage
}

// Descriptor is a parsed tool descriptor.
type Descriptor struct {
	Path   string
	Fields []Field
	indent string
	source []byte
}

// Load reads and parses the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Parse parses descriptor JSON, keeping top-level field order.
func Parse(data []byte) (*Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}

	d := &Descriptor{indent: detectIndent(data), source: data}
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		// Later duplicates win, matching encoding/json.
		if i, dup := seen[key]; dup {
			d.Fields[i].Value = raw
			continue
		}
		seen[key] = len(d.Fields)
		d.Fields = append(d.Fields, Field{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after descriptor object")
	}
	return d, nil
}

// detectIndent returns the whitespace prefix of the first indented line.
func detectIndent(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || len(trimmed) == len(line) {
			continue
		}
		return line[:len(line)-len(trimmed)]
	}
	return DefaultIndent
}

// Source returns the bytes the descriptor was parsed from.
func (d *Descriptor) Source() []byte {
	return d.source
}

// Raw returns the raw value of key.
func (d *Descriptor) Raw(key string) (json.RawMessage, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns key as a string. Missing, null and non-string values yield "".
func (d *Descriptor) String(key string) string {
	raw, ok := d.Raw(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Name returns the tool name, used as the record title.
func (d *Descriptor) Name() string {
	return d.String(FieldName)
}

// DOI returns the descriptor's DOI, or "" if it has not been published.
func (d *Descriptor) DOI() string {
	return strings.TrimSpace(d.String(FieldDOI))
}

// HasDOI reports whether the descriptor carries a non-empty DOI.
func (d *Descriptor) HasDOI() bool {
	return d.DOI() != ""
}

// Tags returns the descriptor tags as key:value strings in field order.
// List values expand into one entry per element.
func (d *Descriptor) Tags() []string {
	raw, ok := d.Raw(FieldTags)
	if !ok {
		return nil
	}
	sub, err := Parse(raw)
	if err != nil {
		return nil
	}
	var tags []string
	for _, f := range sub.Fields {
		var single any
		if err := json.Unmarshal(f.Value, &single); err != nil {
			continue
		}
		switch v := single.(type) {
		case []any:
			for _, item := range v {
				tags = append(tags, fmt.Sprintf("%s:%v", f.Key, item))
			}
		case nil:
		default:
			tags = append(tags, fmt.Sprintf("%s:%v", f.Key, v))
		}
	}
	return tags
}

// ContainerType returns the container-image type (docker, singularity, ...).
func (d *Descriptor) ContainerType() string {
	raw, ok := d.Raw(FieldContainer)
	if !ok {
		return ""
	}
	var c struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Type
}

// Set sets key to the JSON encoding of value, appending the key if absent.
func (d *Descriptor) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			d.Fields[i].Value = raw
			return nil
		}
	}
	d.Fields = append(d.Fields, Field{Key: key, Value: raw})
	return nil
}

// SetDOI sets the doi field.
func (d *Descriptor) SetDOI(doi string) error {
	if strings.TrimSpace(doi) == "" {
		return errors.New("empty DOI")
	}
	return d.Set(FieldDOI, doi)
}

// Marshal encodes the descriptor with its original indentation.
func (d *Descriptor) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.Value)
	}
	buf.WriteByte('}')

	indent := d.indent
	if indent == "" {
		indent = DefaultIndent
	}
	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", indent); err != nil {
		return nil, fmt.Errorf("formatting descriptor: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Save writes the descriptor back to its path.
// The file is replaced atomically via a temp file in the same directory.
func (d *Descriptor) Save() error {
	if d.Path == "" {
		return errors.New("descriptor has no path")
	}
	return d.WriteFile(d.Path)
}

// WriteFile writes the descriptor to path, keeping the existing file mode.
func (d *Descriptor) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".descriptor-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("setting descriptor mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing descriptor: %w", err)
	}
	return nil
}
