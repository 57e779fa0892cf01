// Package frontmatter splits skill manifests into a YAML header and a body,
// and merges the mirrored header fields of one manifest into another.
//
// A manifest header looks like:
//
//	---
//	name: review
//	description: Review the current diff
//	model: opus
//	---
//	Body text...
//
// Only name and description travel between clients. Every other header
// line of a target is left byte-for-byte as it was.
package frontmatter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaysync/relay/internal/errdefs"
)

const delimiter = "---"

// Mirrored lists the header keys copied from the winner, in the order they
// are appended when missing.
var Mirrored = []string{"name", "description"}

// Document is a parsed manifest.
type Document struct {
	// Header is the raw text between the delimiters, including its final
	// newline. Empty when the manifest has no header.
	Header []byte
	// Body is everything after the closing delimiter line.
	Body []byte

	Name        string
	Description string

	hasHeader bool
	eligible  bool
	newline   string
}

// Eligible reports whether the header is a YAML mapping with non-empty
// string name and description. Only eligible manifests are merged.
func (d *Document) Eligible() bool { return d.eligible }

// HasHeader reports whether delimiters were found.
func (d *Document) HasHeader() bool { return d.hasHeader }

// Parse splits data into header and body. It never fails: a manifest
// without a usable header comes back ineligible, and Err explains why.
func Parse(data []byte) *Document {
	doc := &Document{Body: data, newline: "\n"}

	first, rest, ok := cutLine(data)
	if !ok || strings.TrimRight(string(first), "\r") != delimiter {
		return doc
	}
	if bytes.HasSuffix(first, []byte("\r")) {
		doc.newline = "\r\n"
	}

	offset := 0
	for offset <= len(rest) {
		line, tail, found := cutLine(rest[offset:])
		if strings.TrimRight(string(line), "\r") == delimiter {
			doc.hasHeader = true
			doc.Header = rest[:offset]
			doc.Body = tail
			if !found {
				doc.Body = nil
			}
			break
		}
		if !found {
			break
		}
		offset += len(line) + 1
	}
	if !doc.hasHeader {
		return doc
	}

	var fields map[string]any
	if err := yaml.Unmarshal(doc.Header, &fields); err != nil || fields == nil {
		return doc
	}
	name, _ := fields["name"].(string)
	desc, _ := fields["description"].(string)
	doc.Name, doc.Description = name, desc
	doc.eligible = name != "" && desc != ""
	return doc
}

// Err returns errdefs.ErrMalformedFrontmatter wrapped with the reason the
// document is not eligible, or nil.
func (d *Document) Err() error {
	switch {
	case d.eligible:
		return nil
	case !d.hasHeader:
		return fmt.Errorf("%w: no header", errdefs.ErrMalformedFrontmatter)
	case d.Name == "" || d.Description == "":
		return fmt.Errorf("%w: header lacks name or description", errdefs.ErrMalformedFrontmatter)
	default:
		return fmt.Errorf("%w: header is not a YAML mapping", errdefs.ErrMalformedFrontmatter)
	}
}

// Merge returns target with the winner's name, description and body.
// Both documents must be eligible; ok is false otherwise, or when the
// merged header would not read back with the winner's values.
func Merge(target, winner *Document) (merged []byte, ok bool) {
	if !target.eligible || !winner.eligible {
		return nil, false
	}

	header := string(target.Header)
	for _, key := range Mirrored {
		value := winner.Name
		if key == "description" {
			value = winner.Description
		}
		var err error
		header, err = upsert(header, key, value, target.newline)
		if err != nil {
			return nil, false
		}
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + target.newline)
	buf.WriteString(header)
	buf.WriteString(delimiter + target.newline)
	buf.Write(winner.Body)

	check := Parse(buf.Bytes())
	if !check.eligible || check.Name != winner.Name || check.Description != winner.Description ||
		!bytes.Equal(check.Body, winner.Body) {
		return nil, false
	}
	return buf.Bytes(), true
}

var keyLine = regexp.MustCompile(`^([A-Za-z0-9_-]+)\s*:`)

// upsert rewrites the top-level entry for key in header, including any
// indented continuation lines, or appends it when absent.
func upsert(header, key, value, nl string) (string, error) {
	entry, err := renderEntry(key, value, nl)
	if err != nil {
		return "", err
	}

	lines := strings.SplitAfter(header, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	for i := 0; i < len(lines); i++ {
		m := keyLine.FindStringSubmatch(lines[i])
		if m == nil || m[1] != key {
			continue
		}
		end := i + 1
		for end < len(lines) && isContinuation(lines, end) {
			end++
		}
		out := strings.Join(lines[:i], "") + entry + strings.Join(lines[end:], "")
		return out, nil
	}

	if header != "" && !strings.HasSuffix(header, "\n") {
		header += nl
	}
	return header + entry, nil
}

// isContinuation reports whether lines[i] belongs to the value of the
// entry above it: indented lines, and blank lines followed by one.
func isContinuation(lines []string, i int) bool {
	for j := i; j < len(lines); j++ {
		l := lines[j]
		if strings.TrimSpace(l) == "" {
			continue
		}
		return l[0] == ' ' || l[0] == '\t'
	}
	return false
}

func renderEntry(key, value, nl string) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	node := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		},
	}
	if err := enc.Encode(node); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", key, err)
	}
	out := buf.String()
	if nl != "\n" {
		out = strings.ReplaceAll(out, "\n", nl)
	}
	return out, nil
}

func cutLine(data []byte) (line, rest []byte, found bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return data, nil, false
	}
	return data[:i], data[i+1:], true
}
