package gemini

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"CivicNotice/internal/config"
	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/llm"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
	deadline bool
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	_, f.deadline = ctx.Deadline()
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		ModelVersion: "gemini-2.5-flash-001",
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestCompleteSendsPersonaAsSystemInstruction(t *testing.T) {
	fake := &fakeModels{resp: textResponse("# NOTICE\n")}
	client := newClient(fake, Config{Model: "gemini/gemini-2.5-flash", Timeout: time.Second})

	resp, err := client.Complete(context.Background(), llm.Request{
		Persona: llm.Persona{Role: "Indian Government Notice Reviewer & Compliance Officer"},
		Prompt:  "Review the notice",
	})
	require.NoError(t, err)

	assert.Equal(t, "# NOTICE", resp.Text)
	assert.Equal(t, "gemini-2.5-flash-001", resp.Model)
	assert.Equal(t, "gemini-2.5-flash", fake.model)
	assert.True(t, fake.deadline, "calls must carry a deadline")

	require.Len(t, fake.contents, 1)
	require.Len(t, fake.contents[0].Parts, 1)
	assert.Equal(t, "Review the notice", fake.contents[0].Parts[0].Text)

	require.NotNil(t, fake.config.SystemInstruction)
	assert.Contains(t, fake.config.SystemInstruction.Parts[0].Text, "Compliance Officer")
}

func TestCompleteDefaultsModel(t *testing.T) {
	fake := &fakeModels{resp: textResponse("ok")}
	_, err := newClient(fake, Config{}).Complete(context.Background(), llm.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, defaultModel, fake.model)
}

func TestCompleteRejectsEmptyText(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{}}
	_, err := newClient(fake, Config{}).Complete(context.Background(), llm.Request{Prompt: "p"})
	require.Error(t, err)
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	fake := &fakeModels{err: genai.APIError{Code: 403, Message: "API key not valid"}}
	_, err := newClient(fake, Config{}).Complete(context.Background(), llm.Request{Prompt: "p"})
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))

	fake.err = genai.APIError{Code: 503, Message: "overloaded"}
	_, err = newClient(fake, Config{}).Complete(context.Background(), llm.Request{Prompt: "p"})
	require.Error(t, err)
	_, coded := xerrors.From(err)
	assert.False(t, coded)

	fake.err = errors.New("connection reset")
	_, err = newClient(fake, Config{}).Complete(context.Background(), llm.Request{Prompt: "p"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestSampleConfigUsesDefaultModel(t *testing.T) {
	t.Setenv("CIVICNOTICE_LLM_MODEL", "")
	t.Setenv("CIVICNOTICE_LLM_PROVIDER", "")

	path := filepath.Join("..", "..", "..", "configs", "civicnotice.yaml")
	require.FileExists(t, path)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, defaultModel, cfg.LLM.Model)
}
