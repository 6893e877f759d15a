package ai

import "context"

// MockClient is a canned-response Client for tests. Each function field can
// be overridden; unset fields return plausible defaults.
type MockClient struct {
	AnalyzeSymptomsFunc   func(ctx context.Context, req SymptomAnalysisRequest) (*Analysis, error)
	AnalyzeLabResultsFunc func(ctx context.Context, req LabAnalysisRequest) (*Analysis, error)
	InterviewTurnFunc     func(ctx context.Context, req InterviewTurnRequest) (*InterviewReply, error)
}

func (m *MockClient) AnalyzeSymptoms(ctx context.Context, req SymptomAnalysisRequest) (*Analysis, error) {
	if m.AnalyzeSymptomsFunc != nil {
		return m.AnalyzeSymptomsFunc(ctx, req)
	}
	return &Analysis{
		Urgency:       "routine",
		Conditions:    []Condition{{Name: "Tension headache", Probability: 60}},
		NextSteps:     []string{"Hydration", "Rest"},
		FinalPossible: false,
	}, nil
}

func (m *MockClient) AnalyzeLabResults(ctx context.Context, req LabAnalysisRequest) (*Analysis, error) {
	if m.AnalyzeLabResultsFunc != nil {
		return m.AnalyzeLabResultsFunc(ctx, req)
	}
	return &Analysis{
		Urgency:       "routine",
		Conditions:    []Condition{{Name: "Iron deficiency anemia", Probability: 75}},
		NextSteps:     []string{"Dietary iron", "Repeat CBC in 8 weeks"},
		FinalPossible: true,
	}, nil
}

func (m *MockClient) InterviewTurn(ctx context.Context, req InterviewTurnRequest) (*InterviewReply, error) {
	if m.InterviewTurnFunc != nil {
		return m.InterviewTurnFunc(ctx, req)
	}
	return &InterviewReply{Message: "How long have you had these symptoms?", Sufficient: false}, nil
}
