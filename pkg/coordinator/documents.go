package coordinator

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// DocumentModeText makes local documents arrive as extracted plain text
// instead of base64 payloads.
const DocumentModeText = "text"

// preprocessDocuments resolves filepath document sources before any compat
// sees the messages. In native mode the file is inlined as base64 with a
// mime type derived from the extension; in text mode pdf/docx/txt files are
// replaced by a text part carrying the extracted content. The input slice is
// never mutated.
func preprocessDocuments(messages []protocol.Message, mode string) ([]protocol.Message, error) {
	out := make([]protocol.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if !hasPathSource(msg.Content) {
			continue
		}
		parts := make([]protocol.ContentPart, len(msg.Content))
		copy(parts, msg.Content)
		for j, part := range parts {
			if part.Type != protocol.ContentPartTypeDocument || part.Source == nil || part.Source.Path == "" {
				continue
			}
			resolved, err := resolvePathDocument(part, mode)
			if err != nil {
				return nil, err
			}
			parts[j] = resolved
		}
		out[i].Content = parts
	}
	return out, nil
}

func hasPathSource(parts []protocol.ContentPart) bool {
	for _, part := range parts {
		if part.Type == protocol.ContentPartTypeDocument && part.Source != nil && part.Source.Path != "" {
			return true
		}
	}
	return false
}

func resolvePathDocument(part protocol.ContentPart, mode string) (protocol.ContentPart, error) {
	path := part.Source.Path

	if mode == DocumentModeText {
		text, err := extractText(path)
		if err != nil {
			return protocol.ContentPart{}, err
		}
		return protocol.TextPart(text), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return protocol.ContentPart{}, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	resolved := part
	resolved.Source = &protocol.DocumentSource{Base64: base64.StdEncoding.EncodeToString(raw)}
	if resolved.MimeType == "" {
		resolved.MimeType = mimeForPath(path)
	}
	if resolved.Filename == "" {
		resolved.Filename = filepath.Base(path)
	}
	return resolved, nil
}

func mimeForPath(path string) string {
	if m := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); m != "" {
		// strip charset parameters some platforms attach
		if idx := strings.IndexByte(m, ';'); idx >= 0 {
			m = m[:idx]
		}
		return m
	}
	return "application/octet-stream"
}

// extractText pulls plain text out of a local document. Only formats with a
// native parser are supported; everything else is an error the caller sees.
func extractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDFText(path)
	case ".docx":
		return extractDocxText(path)
	case ".txt", ".md":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read document %s: %w", path, err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("no text extractor for %s documents", filepath.Ext(path))
	}
}

func extractPDFText(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat document %s: %w", path, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open document %s: %w", path, err)
	}
	defer file.Close()

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("failed to parse pdf %s: %w", path, err)
	}

	var pages []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func extractDocxText(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to parse docx %s: %w", path, err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}
