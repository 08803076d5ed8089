package coordinator

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelgate/modelgate/pkg/protocol"
)

func docMessage(path string) []protocol.Message {
	return []protocol.Message{{
		Role: protocol.RoleUser,
		Content: []protocol.ContentPart{
			protocol.TextPart("summarize this"),
			{Type: protocol.ContentPartTypeDocument, Source: &protocol.DocumentSource{Path: path}},
		},
	}}
}

func TestPreprocessResolvesPathToBase64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain text body"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := preprocessDocuments(docMessage(path), "")
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}

	part := out[0].Content[1]
	if part.Source == nil || part.Source.Path != "" {
		t.Fatalf("path not resolved: %+v", part)
	}
	decoded, err := base64.StdEncoding.DecodeString(part.Source.Base64)
	if err != nil || string(decoded) != "plain text body" {
		t.Errorf("base64 = %q (%v)", part.Source.Base64, err)
	}
	if part.MimeType != "text/plain" {
		t.Errorf("mime = %q", part.MimeType)
	}
	if part.Filename != "notes.txt" {
		t.Errorf("filename = %q", part.Filename)
	}
}

func TestPreprocessUnknownExtensionFallsBackToOctetStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.weird")
	if err := os.WriteFile(path, []byte{0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := preprocessDocuments(docMessage(path), "")
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	if mime := out[0].Content[1].MimeType; mime != "application/octet-stream" {
		t.Errorf("mime = %q", mime)
	}
}

func TestPreprocessTextModeSubstitutesTextPart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("extracted body"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := preprocessDocuments(docMessage(path), DocumentModeText)
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	part := out[0].Content[1]
	if part.Type != protocol.ContentPartTypeText || part.Text != "extracted body" {
		t.Errorf("part = %+v", part)
	}
}

func TestPreprocessTextModeRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	if err := os.WriteFile(path, []byte{0x89}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := preprocessDocuments(docMessage(path), DocumentModeText); err == nil {
		t.Fatal("expected extraction error")
	}
}

func TestPreprocessMissingFile(t *testing.T) {
	if _, err := preprocessDocuments(docMessage("/does/not/exist.txt"), ""); err == nil {
		t.Fatal("expected read error")
	}
}

func TestPreprocessLeavesInputUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("body"), 0o644); err != nil {
		t.Fatal(err)
	}
	messages := docMessage(path)

	if _, err := preprocessDocuments(messages, ""); err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	if messages[0].Content[1].Source.Path != path {
		t.Error("input messages were mutated")
	}
}
