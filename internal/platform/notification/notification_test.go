package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestManager(email EmailSender, sms SMSSender) *NotificationManager {
	return NewNotificationManager(email, sms, NewTemplateEngine(), zerolog.Nop())
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, _, err := eng.Render("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	builtIn := []string{
		TemplateReviewReady,
		TemplateLabTestsRequested,
		TemplateFollowUpScheduled,
		TemplateCaseCompleted,
		TemplateCaseRejected,
	}
	for _, id := range builtIn {
		if _, _, err := eng.Render(id, nil); err != nil {
			t.Errorf("built-in template %q missing: %v", id, err)
		}
	}
}

func TestTemplateEngine_LabTestsRequestedRendering(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TemplateLabTestsRequested, map[string]string{
		"patient_name": "Asha Rao",
		"doctor_name":  "Mehta",
		"lab_tests":    "CBC, TSH",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "Asha Rao") || !strings.Contains(body, "Dr. Mehta") {
		t.Errorf("body missing names: %q", body)
	}
	if !strings.Contains(body, "CBC, TSH") {
		t.Errorf("body missing lab tests: %q", body)
	}
}

func TestManager_SendEmail(t *testing.T) {
	email := &MockEmailSender{}
	mgr := newTestManager(email, &MockSMSSender{})

	n := &Notification{
		Type:      TypeEmail,
		Recipient: "patient@example.com",
		Subject:   "Update on your case",
		Body:      "Your case has been reviewed.",
	}
	if err := mgr.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n.ID == "" {
		t.Error("expected notification ID to be assigned")
	}
	if n.Status != "sent" {
		t.Errorf("status = %q, want sent", n.Status)
	}
	if n.SentAt == nil {
		t.Error("expected SentAt to be set")
	}

	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email call, got %d", len(calls))
	}
	if calls[0].To != "patient@example.com" {
		t.Errorf("recipient = %q", calls[0].To)
	}
}

func TestManager_SendFailureRecorded(t *testing.T) {
	email := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	mgr := newTestManager(email, &MockSMSSender{})

	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"}
	err := mgr.Send(context.Background(), n)
	if err == nil {
		t.Fatal("expected send error")
	}
	if n.Status != "failed" {
		t.Errorf("status = %q, want failed", n.Status)
	}
	if n.Error != "smtp down" {
		t.Errorf("error = %q", n.Error)
	}
}

func TestManager_SendFromTemplate(t *testing.T) {
	email := &MockEmailSender{}
	mgr := newTestManager(email, &MockSMSSender{})

	n, err := mgr.SendFromTemplate(context.Background(), TemplateCaseCompleted, map[string]string{
		"patient_name": "Asha Rao",
		"doctor_name":  "Mehta",
	}, "asha@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.TemplateID != TemplateCaseCompleted {
		t.Errorf("template id = %q", n.TemplateID)
	}
	if !strings.Contains(n.Body, "Asha Rao") {
		t.Errorf("body not rendered: %q", n.Body)
	}

	calls := email.Calls()
	if len(calls) != 1 || calls[0].To != "asha@example.com" {
		t.Fatalf("unexpected email calls: %+v", calls)
	}
}

func TestManager_NotifySwallowsFailures(t *testing.T) {
	email := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	mgr := newTestManager(email, &MockSMSSender{})

	// Must not panic or propagate the failure.
	mgr.Notify(context.Background(), TemplateReviewReady, map[string]string{
		"patient_name": "Asha",
		"urgency":      "routine",
	}, "oncall@clinic.example")

	stats := mgr.NotificationStats(context.Background())
	if stats["failed"] != 1 {
		t.Errorf("expected 1 failed notification, got %+v", stats)
	}
}

func TestManager_NotifySkipsEmptyRecipient(t *testing.T) {
	email := &MockEmailSender{}
	mgr := newTestManager(email, &MockSMSSender{})

	mgr.Notify(context.Background(), TemplateReviewReady, nil, "")

	if len(email.Calls()) != 0 {
		t.Error("expected no email for empty recipient")
	}
}

func TestManager_Retry(t *testing.T) {
	email := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	mgr := newTestManager(email, &MockSMSSender{})

	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"}
	mgr.Send(context.Background(), n)

	// Recovers: flip the mock to success and retry.
	email.ShouldFail = false
	if err := mgr.Retry(context.Background(), n.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	got, err := mgr.GetNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != "sent" || got.Error != "" {
		t.Errorf("after retry: status=%q error=%q", got.Status, got.Error)
	}
}

func TestManager_RetryNonFailed(t *testing.T) {
	mgr := newTestManager(&MockEmailSender{}, &MockSMSSender{})

	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"}
	mgr.Send(context.Background(), n)

	if err := mgr.Retry(context.Background(), n.ID); err == nil {
		t.Fatal("expected error retrying a sent notification")
	}
}

func TestManager_ListByRecipient(t *testing.T) {
	mgr := newTestManager(&MockEmailSender{}, &MockSMSSender{})

	for i := 0; i < 3; i++ {
		mgr.Send(context.Background(), &Notification{
			Type: TypeEmail, Recipient: "a@example.com", Body: "x",
		})
	}
	mgr.Send(context.Background(), &Notification{
		Type: TypeEmail, Recipient: "b@example.com", Body: "y",
	})

	list, err := mgr.ListByRecipient(context.Background(), "a@example.com", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(list))
	}
}

func TestManager_ConcurrentSends(t *testing.T) {
	mgr := newTestManager(&MockEmailSender{}, &MockSMSSender{})

	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			mgr.Send(context.Background(), &Notification{
				Type: TypeEmail, Recipient: "c@example.com", Body: "x",
			})
		}()
	}
	wg.Wait()

	stats := mgr.NotificationStats(context.Background())
	if stats["sent"] != n {
		t.Errorf("expected %d sent, got %+v", n, stats)
	}
}

func newHandlerServer(mgr *NotificationManager) *echo.Echo {
	e := echo.New()
	NewNotificationHandler(mgr).RegisterRoutes(e.Group(""))
	return e
}

func TestHandler_GetAndList(t *testing.T) {
	mgr := newTestManager(&MockEmailSender{}, &MockSMSSender{})
	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"}
	mgr.Send(context.Background(), n)

	e := newHandlerServer(mgr)

	req := httptest.NewRequest(http.MethodGet, "/notifications/"+n.ID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/notifications?recipient=p@example.com", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []*Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 notification, got %d", len(list))
	}
}

func TestHandler_ListRequiresRecipient(t *testing.T) {
	e := newHandlerServer(newTestManager(&MockEmailSender{}, &MockSMSSender{}))

	req := httptest.NewRequest(http.MethodGet, "/notifications", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Retry(t *testing.T) {
	email := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	mgr := newTestManager(email, &MockSMSSender{})
	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"}
	mgr.Send(context.Background(), n)

	email.ShouldFail = false
	e := newHandlerServer(mgr)

	req := httptest.NewRequest(http.MethodPost, "/notifications/"+n.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "sent" {
		t.Errorf("status = %q, want sent", got.Status)
	}
}

func TestHandler_Stats(t *testing.T) {
	mgr := newTestManager(&MockEmailSender{}, &MockSMSSender{})
	mgr.Send(context.Background(), &Notification{Type: TypeEmail, Recipient: "p@example.com", Body: "x"})

	e := newHandlerServer(mgr)

	req := httptest.NewRequest(http.MethodGet, "/notifications/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats["sent"] != 1 {
		t.Errorf("expected 1 sent, got %+v", stats)
	}
}
