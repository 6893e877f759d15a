package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lifeline/lifeline/internal/platform/auth"
)

func seedBlob(t *testing.T, store BlobStore, patientID, category, fileName, contentType, content string) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		PatientID:   patientID,
		Category:    category,
		CreatedBy:   patientID,
	}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

func TestInMemoryBlobStore_Upload(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	content := "png-bytes"

	meta := BlobMetadata{
		FileName:    "rash.png",
		ContentType: "image/png",
		PatientID:   "patient-1",
		Category:    "symptom-image",
		CreatedBy:   "patient-1",
	}

	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if result.FileName != "rash.png" {
		t.Errorf("expected FileName=rash.png, got %s", result.FileName)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("expected Size=%d, got %d", len(content), result.Size)
	}
	if result.Hash == "" {
		t.Fatal("expected non-empty Hash")
	}
	if result.CreatedAt.IsZero() {
		t.Fatal("expected non-zero CreatedAt")
	}
	if result.PatientID != "patient-1" {
		t.Errorf("expected PatientID=patient-1, got %s", result.PatientID)
	}
}

func TestInMemoryBlobStore_Upload_RejectsNonImage(t *testing.T) {
	store := NewInMemoryBlobStore(0)

	meta := BlobMetadata{
		FileName:    "report.pdf",
		ContentType: "application/pdf",
		PatientID:   "p1",
		Category:    "lab-result",
		CreatedBy:   "p1",
	}

	_, err := store.Upload(context.Background(), meta, strings.NewReader("pdf"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}
}

func TestInMemoryBlobStore_Upload_RejectsUnknownCategory(t *testing.T) {
	store := NewInMemoryBlobStore(0)

	meta := BlobMetadata{
		FileName:    "x.png",
		ContentType: "image/png",
		PatientID:   "p1",
		Category:    "consent-form",
		CreatedBy:   "p1",
	}

	_, err := store.Upload(context.Background(), meta, strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestInMemoryBlobStore_Upload_FileTooLarge(t *testing.T) {
	store := NewInMemoryBlobStore(1024)
	largeContent := make([]byte, 1025)

	meta := BlobMetadata{
		FileName:    "huge.png",
		ContentType: "image/png",
		PatientID:   "p1",
		Category:    "symptom-image",
		CreatedBy:   "p1",
	}

	_, err := store.Upload(context.Background(), meta, bytes.NewReader(largeContent))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestInMemoryBlobStore_Upload_MissingFileName(t *testing.T) {
	store := NewInMemoryBlobStore(0)

	meta := BlobMetadata{
		ContentType: "image/png",
		PatientID:   "p1",
		Category:    "symptom-image",
	}

	_, err := store.Upload(context.Background(), meta, strings.NewReader("data"))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestInMemoryBlobStore_Download(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	content := "jpeg-bytes"

	uploaded := seedBlob(t, store, "p1", "lab-result", "cbc.jpg", "image/jpeg", content)

	rc, meta, err := store.Download(context.Background(), uploaded.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("error reading content: %v", err)
	}

	if string(data) != content {
		t.Errorf("expected content=%q, got %q", content, string(data))
	}
	if meta.FileName != "cbc.jpg" {
		t.Errorf("expected FileName=cbc.jpg, got %s", meta.FileName)
	}
}

func TestInMemoryBlobStore_DownloadNotFound(t *testing.T) {
	store := NewInMemoryBlobStore(0)

	_, _, err := store.Download(context.Background(), "nonexistent-id")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryBlobStore_Delete(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "symptom-image", "gone.png", "image/png", "data")

	if err := store.Delete(context.Background(), uploaded.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := store.Download(context.Background(), uploaded.ID)
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
}

func TestInMemoryBlobStore_ListByPatient(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	seedBlob(t, store, "patient-A", "lab-result", "a1.png", "image/png", "a1")
	seedBlob(t, store, "patient-A", "symptom-image", "a2.png", "image/png", "a2")
	seedBlob(t, store, "patient-B", "symptom-image", "b1.png", "image/png", "b1")

	results, total, err := store.ListByPatient(context.Background(), "patient-A", "", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Errorf("expected 2 results, got total=%d len=%d", total, len(results))
	}

	labOnly, total, err := store.ListByPatient(context.Background(), "patient-A", "lab-result", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(labOnly) != 1 {
		t.Errorf("expected 1 lab-result, got total=%d len=%d", total, len(labOnly))
	}
}

func TestInMemoryBlobStore_SHA256Hash(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	content := "compute-my-hash"

	uploaded := seedBlob(t, store, "p1", "symptom-image", "hash.png", "image/png", content)

	h := sha256.Sum256([]byte(content))
	expected := fmt.Sprintf("%x", h)

	if uploaded.Hash != expected {
		t.Errorf("expected hash=%s, got %s", expected, uploaded.Hash)
	}
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	var wg sync.WaitGroup
	const goroutines = 50

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			meta := BlobMetadata{
				FileName:    fmt.Sprintf("file-%d.png", n),
				ContentType: "image/png",
				PatientID:   "concurrent-patient",
				Category:    "symptom-image",
				CreatedBy:   "concurrent-patient",
			}
			result, err := store.Upload(context.Background(), meta, strings.NewReader(fmt.Sprintf("content-%d", n)))
			if err != nil {
				t.Errorf("upload goroutine %d: %v", n, err)
				return
			}

			rc, _, err := store.Download(context.Background(), result.ID)
			if err != nil {
				t.Errorf("download goroutine %d: %v", n, err)
				return
			}
			rc.Close()

			if _, err := store.GetMetadata(context.Background(), result.ID); err != nil {
				t.Errorf("getmetadata goroutine %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	_, total, err := store.ListByPatient(context.Background(), "concurrent-patient", "", 100, 0)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if total != goroutines {
		t.Errorf("expected total=%d, got %d", goroutines, total)
	}
}

// identityMiddleware stamps a fixed identity on every request, standing in for
// the JWT middleware in handler tests.
func identityMiddleware(userID, name, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), userID, name, role)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestServer(store BlobStore, userID, role string) *echo.Echo {
	e := echo.New()
	g := e.Group("", identityMiddleware(userID, "Test User", role))
	NewBlobHandler(store).RegisterRoutes(g)
	return e
}

func multipartUpload(t *testing.T, fileName, contentType, category, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("category", category)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	hdr.Set("Content-Type", contentType)
	part, err := writer.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(content))
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestBlobHandler_Upload(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	e := newTestServer(store, "p-100", auth.RolePatient)

	body, contentType := multipartUpload(t, "lab-scan.png", "image/png", "lab-result", "png-bytes")
	req := httptest.NewRequest(http.MethodPost, "/blobs/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var result BlobMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("error unmarshaling response: %v", err)
	}
	if result.ID == "" {
		t.Error("expected non-empty ID in response")
	}
	if result.PatientID != "p-100" {
		t.Errorf("patient uploads should be attributed to the caller, got %s", result.PatientID)
	}
}

func TestBlobHandler_Upload_RejectsNonImage(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	e := newTestServer(store, "p-100", auth.RolePatient)

	body, contentType := multipartUpload(t, "report.pdf", "application/pdf", "lab-result", "pdf")
	req := httptest.NewRequest(http.MethodPost, "/blobs/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected status 415, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlobHandler_Download_Owner(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "symptom-image", "mine.png", "image/png", "download-me")
	e := newTestServer(store, "p1", auth.RolePatient)

	req := httptest.NewRequest(http.MethodGet, "/blobs/"+uploaded.ID, nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "download-me" {
		t.Errorf("expected body=download-me, got %s", rec.Body.String())
	}
}

func TestBlobHandler_Download_OtherPatientForbidden(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "symptom-image", "private.png", "image/png", "secret")
	e := newTestServer(store, "p2", auth.RolePatient)

	req := httptest.NewRequest(http.MethodGet, "/blobs/"+uploaded.ID, nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlobHandler_Download_DoctorAllowed(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "lab-result", "cbc.png", "image/png", "lab-data")
	e := newTestServer(store, "d1", auth.RoleDoctor)

	req := httptest.NewRequest(http.MethodGet, "/blobs/"+uploaded.ID, nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlobHandler_GetMetadata(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "symptom-image", "rash.png", "image/png", "rash-data")
	e := newTestServer(store, "p1", auth.RolePatient)

	req := httptest.NewRequest(http.MethodGet, "/blobs/"+uploaded.ID+"/metadata", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result BlobMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("error unmarshaling: %v", err)
	}
	if result.ID != uploaded.ID {
		t.Errorf("expected ID=%s, got %s", uploaded.ID, result.ID)
	}
	if result.Category != "symptom-image" {
		t.Errorf("expected Category=symptom-image, got %s", result.Category)
	}
}

func TestBlobHandler_Delete_AdminOnly(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	uploaded := seedBlob(t, store, "p1", "symptom-image", "delete-me.png", "image/png", "bye")

	patient := newTestServer(store, "p1", auth.RolePatient)
	req := httptest.NewRequest(http.MethodDelete, "/blobs/"+uploaded.ID, nil)
	rec := httptest.NewRecorder()
	patient.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("patient delete should be 403, got %d", rec.Code)
	}

	admin := newTestServer(store, "a1", auth.RoleAdmin)
	req = httptest.NewRequest(http.MethodDelete, "/blobs/"+uploaded.ID, nil)
	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlobHandler_ListByPatient(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	seedBlob(t, store, "patient-X", "lab-result", "r1.png", "image/png", "r1")
	seedBlob(t, store, "patient-X", "symptom-image", "r2.png", "image/png", "r2")
	seedBlob(t, store, "patient-Y", "symptom-image", "r3.png", "image/png", "r3")

	e := newTestServer(store, "d1", auth.RoleDoctor)

	req := httptest.NewRequest(http.MethodGet, "/blobs/patient/patient-X", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error unmarshaling: %v", err)
	}
	if resp.Total != 2 || len(resp.Items) != 2 {
		t.Errorf("expected 2 items, got total=%d len=%d", resp.Total, len(resp.Items))
	}
}
