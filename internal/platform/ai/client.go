package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable is returned when the flow service cannot be reached or
// answers with a server error. Callers decide whether that blocks the
// operation or degrades it.
var ErrUnavailable = errors.New("ai flow service unavailable")

// Condition is a candidate diagnosis with an estimated probability (0-100).
type Condition struct {
	Name        string `json:"name"`
	Probability int    `json:"probability"`
}

// Analysis is the structured output of a symptom or lab-result flow run.
type Analysis struct {
	Urgency       string      `json:"urgency"`
	Conditions    []Condition `json:"potentialConditions"`
	NextSteps     []string    `json:"recommendedNextSteps"`
	FinalPossible bool        `json:"finalDiagnosisPossible"`
}

// InterviewReply is one assistant turn in the intake interview.
type InterviewReply struct {
	Message    string `json:"message"`
	Sufficient bool   `json:"sufficientForAnalysis"`
}

// Turn is a single interview exchange sent as context to the flow.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SymptomAnalysisRequest carries the patient's intake transcript plus an
// optional reference to an uploaded symptom image.
type SymptomAnalysisRequest struct {
	Transcript  string `json:"transcript"`
	ImageBlobID string `json:"imageBlobId,omitempty"`
}

// LabAnalysisRequest carries the case history and the newly uploaded lab
// result scans for a follow-up analysis pass.
type LabAnalysisRequest struct {
	Transcript string   `json:"transcript"`
	LabTests   []string `json:"labTests"`
	BlobIDs    []string `json:"blobIds"`
}

// InterviewTurnRequest asks the flow for the next interviewer question given
// the conversation so far.
type InterviewTurnRequest struct {
	History []Turn `json:"history"`
}

// Client is the interface consumed by the domain services. FlowClient talks
// to the real service; MockClient backs tests.
type Client interface {
	AnalyzeSymptoms(ctx context.Context, req SymptomAnalysisRequest) (*Analysis, error)
	AnalyzeLabResults(ctx context.Context, req LabAnalysisRequest) (*Analysis, error)
	InterviewTurn(ctx context.Context, req InterviewTurnRequest) (*InterviewReply, error)
}

// FlowClient calls the hosted generative-AI flow service over HTTP. Each flow
// is exposed as a POST endpoint taking and returning JSON.
type FlowClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFlowClient creates a FlowClient against the given base URL.
func NewFlowClient(baseURL, apiKey string, timeout time.Duration) *FlowClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FlowClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *FlowClient) AnalyzeSymptoms(ctx context.Context, req SymptomAnalysisRequest) (*Analysis, error) {
	var out Analysis
	if err := c.post(ctx, "/flows/analyze-symptoms", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FlowClient) AnalyzeLabResults(ctx context.Context, req LabAnalysisRequest) (*Analysis, error) {
	var out Analysis
	if err := c.post(ctx, "/flows/analyze-lab-results", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FlowClient) InterviewTurn(ctx context.Context, req InterviewTurnRequest) (*InterviewReply, error) {
	var out InterviewReply
	if err := c.post(ctx, "/flows/interview-turn", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FlowClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding flow request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building flow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: flow %s returned status %d", ErrUnavailable, path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flow %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding flow response: %w", err)
	}
	return nil
}
