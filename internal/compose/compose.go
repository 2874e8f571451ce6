// Package compose loads domain emails from files: YAML drafts or raw .eml
// messages.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mailbridge/internal/email"
	"github.com/shineum/mailbridge/internal/parser"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor .eml.
var ErrUnsupportedFormat = errors.New("unsupported draft format")

// ErrMissingField is returned when a draft lacks a required field.
var ErrMissingField = errors.New("draft is missing a required field")

// Draft is the YAML form of an email.
type Draft struct {
	Subject     string       `yaml:"subject"`
	From        *Address     `yaml:"from"`
	To          []Address    `yaml:"to"`
	Cc          []Address    `yaml:"cc"`
	Bcc         []Address    `yaml:"bcc"`
	HTML        *string      `yaml:"html"`
	Text        *string      `yaml:"text"`
	Headers     []Header     `yaml:"headers"`
	Attachments []Attachment `yaml:"attachments"`
}

// Address accepts either a bare address scalar or an address/name mapping.
type Address struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// Header is a draft header; leave value out for a header without one.
type Header struct {
	Name  string  `yaml:"name"`
	Value *string `yaml:"value"`
}

// Attachment references a file relative to the draft. Filename and
// ContentType default to the file's base name and detected type.
type Attachment struct {
	Path        string `yaml:"path"`
	Filename    string `yaml:"filename"`
	ContentType string `yaml:"content_type"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Address = strings.TrimSpace(node.Value)
		return nil
	}
	type plain Address
	return node.Decode((*plain)(a))
}

// LoadFile reads an email from path. Files ending in .eml are parsed as raw
// messages, .yaml and .yml as drafts whose attachment paths are relative to
// the draft's directory.
func LoadFile(path string) (*email.Email, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		return parser.Parse(data)
	case ".yaml", ".yml":
		return Decode(data, filepath.Dir(path))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Decode builds an email from YAML draft bytes. baseDir resolves relative
// attachment paths.
func Decode(data []byte, baseDir string) (*email.Email, error) {
	var d Draft
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to parse draft: %w", err)
	}
	return d.Email(baseDir)
}

// Email converts the draft, reading attachment files from disk. From and a
// non-blank subject are required.
func (d *Draft) Email(baseDir string) (*email.Email, error) {
	if d.From == nil || d.From.Address == "" {
		return nil, fmt.Errorf("%w: from", ErrMissingField)
	}
	if strings.TrimSpace(d.Subject) == "" {
		return nil, fmt.Errorf("%w: subject", ErrMissingField)
	}

	e := email.New(d.Subject, d.From.email())
	for _, a := range d.To {
		e.AddTo(a.email())
	}
	for _, a := range d.Cc {
		e.AddCc(a.email())
	}
	for _, a := range d.Bcc {
		e.AddBcc(a.email())
	}
	if d.HTML != nil {
		e.SetBodyHTML(*d.HTML)
	}
	if d.Text != nil {
		e.SetBodyText(*d.Text)
	}

	for i, h := range d.Headers {
		if h.Name == "" {
			return nil, fmt.Errorf("%w: headers[%d].name", ErrMissingField, i)
		}
		if h.Value == nil {
			e.AddHeader(h.Name)
			continue
		}
		e.AddHeader(h.Name, *h.Value)
	}

	for i, a := range d.Attachments {
		if a.Path == "" {
			return nil, fmt.Errorf("%w: attachments[%d].path", ErrMissingField, i)
		}
		att, err := a.load(baseDir)
		if err != nil {
			return nil, err
		}
		e.AddAttachment(att)
	}

	return e, nil
}

func (a Address) email() email.Address {
	return email.NewAddress(a.Address, a.Name)
}

func (a Attachment) load(baseDir string) (email.Attachment, error) {
	path := a.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment %q: %w", a.Path, err)
	}

	name := a.Filename
	if name == "" {
		name = filepath.Base(path)
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType, _, _ = strings.Cut(mimetype.Detect(content).String(), ";")
	}

	return email.Attachment{
		Filename:    name,
		ContentType: contentType,
		Content:     content,
	}, nil
}
