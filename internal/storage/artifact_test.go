package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveFetchedWritesHeadersAndBodyWithExtension(t *testing.T) {
	dir := t.TempDir()
	s := NewArtifactStore(dir)

	headers := HeaderRecord{
		StatusCode: 200,
		Header:     map[string][]string{"Content-Type": {"text/html"}},
		FinalURL:   "https://example.com/",
		FetchedAt:  time.Now(),
	}
	if err := s.SaveFetched("example.com", "hash1", headers, []byte("<html></html>"), "text/html"); err != nil {
		t.Fatalf("SaveFetched: %v", err)
	}

	hostDir := filepath.Join(dir, "example.com", "hash1")
	hdrBytes, err := os.ReadFile(filepath.Join(hostDir, "headers.json"))
	if err != nil {
		t.Fatalf("read headers.json: %v", err)
	}
	var got HeaderRecord
	if err := json.Unmarshal(hdrBytes, &got); err != nil {
		t.Fatalf("unmarshal headers: %v", err)
	}
	if got.StatusCode != 200 || got.FinalURL != "https://example.com/" {
		t.Errorf("unexpected headers round-trip: %+v", got)
	}

	body, err := os.ReadFile(filepath.Join(hostDir, "body.html"))
	if err != nil {
		t.Fatalf("expected body.html (text/html -> .html), got: %v", err)
	}
	if string(body) != "<html></html>" {
		t.Errorf("unexpected body content: %q", body)
	}
}

func TestSaveFetchedUnknownContentTypeFallsBackToBin(t *testing.T) {
	dir := t.TempDir()
	s := NewArtifactStore(dir)

	if err := s.SaveFetched("example.com", "hash2", HeaderRecord{}, []byte("data"), "application/x-unknown"); err != nil {
		t.Fatalf("SaveFetched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "example.com", "hash2", "body.bin")); err != nil {
		t.Errorf("expected body.bin fallback, got: %v", err)
	}
}

func TestSaveRenderedWritesHTMLAndScreenshot(t *testing.T) {
	dir := t.TempDir()
	s := NewArtifactStore(dir)

	if err := s.SaveRendered("example.com", "hash3", "<html>ok</html>", []byte{0x89, 0x50, 0x4e, 0x47}); err != nil {
		t.Fatalf("SaveRendered: %v", err)
	}

	hostDir := filepath.Join(dir, "example.com", "hash3")
	html, err := os.ReadFile(filepath.Join(hostDir, "rendered.html"))
	if err != nil || string(html) != "<html>ok</html>" {
		t.Fatalf("unexpected rendered.html: %q err=%v", html, err)
	}
	if _, err := os.Stat(filepath.Join(hostDir, "screenshot.png")); err != nil {
		t.Errorf("expected screenshot.png, got: %v", err)
	}
}

func TestSaveRenderedSkipsScreenshotFileWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewArtifactStore(dir)

	if err := s.SaveRendered("example.com", "hash4", "<html></html>", nil); err != nil {
		t.Fatalf("SaveRendered: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "example.com", "hash4", "screenshot.png")); !os.IsNotExist(err) {
		t.Errorf("expected no screenshot.png for an empty screenshot, got err=%v", err)
	}
}
