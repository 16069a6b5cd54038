package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lon9/upscale-go/config"
	"github.com/lon9/upscale-go/esrgan"
	"github.com/lon9/upscale-go/upscaler"
)

type identity struct{}

func (identity) Enhance(img *esrgan.RGB, _ float64) (*esrgan.RGB, error) { return img, nil }

type broken struct{}

func (broken) Enhance(*esrgan.RGB, float64) (*esrgan.RGB, error) {
	return nil, errors.New("device lost")
}

func newTestServer(t *testing.T, e upscaler.Enhancer, initialize bool) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ModelPath:         "model.safetensors",
		Scale:             4,
		Outscale:          4,
		StorageDir:        dir,
		Host:              "127.0.0.1",
		Port:              0,
		Environment:       config.EnvironmentTest,
		MaxUploadSize:     1 << 20,
		AllowedExtensions: []string{"png", "jpg", "jpeg"},
	}
	loader := upscaler.LoaderFunc(func(string, int) (upscaler.Enhancer, error) { return e, nil })
	svc := upscaler.New(cfg.Upscaler(), loader, nil)
	if initialize {
		if _, err := svc.Initialize(); err != nil {
			t.Fatal(err)
		}
	}
	s, err := NewServer(cfg, svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 3, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func do(t *testing.T, s *Server, req *http.Request) (*httptest.ResponseRecorder, jsonResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	var body jsonResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("bad json %q: %v", w.Body.String(), err)
		}
	}
	return w, body
}

func upscaleRequestFor(name string) *http.Request {
	body, _ := json.Marshal(upscaleRequest{Filename: name})
	req := httptest.NewRequest(http.MethodPost, "/upscale", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpscale(t *testing.T) {
	s, dir := newTestServer(t, identity{}, true)
	if err := os.WriteFile(filepath.Join(dir, "cat.png"), pngBytes(t), 0o644); err != nil {
		t.Fatal(err)
	}

	w, body := do(t, s, upscaleRequestFor("cat.png"))
	if w.Code != http.StatusOK || body.Message != "success" || body.File != "cat_upscaled.png" {
		t.Fatalf("got %d %+v", w.Code, body)
	}
	if _, err := os.Stat(filepath.Join(dir, "cat_upscaled.png")); err != nil {
		t.Error(err)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestUpscaleErrors(t *testing.T) {
	tests := []struct {
		name       string
		enhancer   upscaler.Enhancer
		initialize bool
		file       string
		content    []byte
		wantStatus int
	}{
		{"empty filename", identity{}, true, "", nil, http.StatusNotFound},
		{"missing file", identity{}, true, "ghost.png", nil, http.StatusNotFound},
		{"not initialized", identity{}, false, "cat.png", []byte("png"), http.StatusServiceUnavailable},
		{"undecodable", identity{}, true, "cat.png", []byte("not an image"), http.StatusUnprocessableEntity},
		{"inference", broken{}, true, "cat.png", nil, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newTestServer(t, tt.enhancer, tt.initialize)
			if tt.file == "cat.png" {
				content := tt.content
				if content == nil {
					content = pngBytes(t)
				}
				if err := os.WriteFile(filepath.Join(dir, tt.file), content, 0o644); err != nil {
					t.Fatal(err)
				}
			}

			w, body := do(t, s, upscaleRequestFor(tt.file))
			if w.Code != tt.wantStatus || body.Status != tt.wantStatus {
				t.Fatalf("got %d %+v, want %d", w.Code, body, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusNotFound && !strings.HasPrefix(body.Message, "encountered error: ") {
				t.Errorf("message = %q", body.Message)
			}
		})
	}
}

func TestUpscaleRejectsTraversal(t *testing.T) {
	s, _ := newTestServer(t, identity{}, true)
	w, _ := do(t, s, upscaleRequestFor("../../etc/passwd"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestUploadListDelete(t *testing.T) {
	s, dir := newTestServer(t, identity{}, true)

	w, body := do(t, s, uploadRequest(t, "../cat.png", pngBytes(t)))
	if w.Code != http.StatusOK || body.File != "cat.png" || len(body.Digest) != 64 {
		t.Fatalf("upload: %d %+v", w.Code, body)
	}
	if _, err := os.Stat(filepath.Join(dir, "cat.png")); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files", nil))
	var list struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Files) != 1 || list.Files[0] != "cat.png" {
		t.Errorf("files = %v", list.Files)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/cat.png", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("static serve: %d", w.Code)
	}

	w, _ = do(t, s, httptest.NewRequest(http.MethodDelete, "/files/cat.png", nil))
	if w.Code != http.StatusOK {
		t.Errorf("delete: %d", w.Code)
	}
	w, _ = do(t, s, httptest.NewRequest(http.MethodDelete, "/files/cat.png", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
}

func TestUploadRejects(t *testing.T) {
	s, dir := newTestServer(t, identity{}, true)

	tests := []struct {
		name       string
		file       string
		data       []byte
		wantStatus int
	}{
		{"extension", "notes.txt", []byte("hello"), http.StatusBadRequest},
		{"content", "fake.png", []byte("hello, not a png"), http.StatusBadRequest},
		{"size", "huge.png", append(pngBytes(t), make([]byte, 1<<20)...), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, s, uploadRequest(t, tt.file, tt.data))
			if w.Code != tt.wantStatus {
				t.Errorf("got %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("rejected uploads were stored: %v", entries)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, identity{}, false)
	_, body := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if body.Message != "initializing" {
		t.Errorf("message = %q", body.Message)
	}
	if _, err := s.service.Initialize(); err != nil {
		t.Fatal(err)
	}
	_, body = do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if body.Message != "ready" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestNewServerRejectsFileAsStorage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{StorageDir: file, Environment: config.EnvironmentTest}
	if _, err := NewServer(cfg, upscaler.New(upscaler.Config{}, nil, nil), nil); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"cat.png", "cat.png", true},
		{"../cat.png", "cat.png", true},
		{"a/b/../c.png", "c.png", true},
		{"..", "", false},
		{".env", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := sanitize(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("sanitize(%q) = %q, %v", tt.in, got, ok)
		}
	}
}
