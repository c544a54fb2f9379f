package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"

	"github.com/theimaginaryfoundation/memory-migrate/migration"
	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

var ErrMissingAPIKey = errors.New("missing OpenAI API key (set api_key in the key file, pass --api-key, or set OPENAI_API_KEY)")

// LoadAPIKeyFile reads the "api_key" field of a JSON key file.
func LoadAPIKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(b) {
		return "", fmt.Errorf("LoadAPIKeyFile: %s is not valid JSON", path)
	}
	return strings.TrimSpace(gjson.GetBytes(b, "api_key").String()), nil
}

// ResolveAPIKey prefers an explicit key, then the key file, then OPENAI_API_KEY. A missing key file
// is not an error; an unreadable or malformed one is.
func ResolveAPIKey(explicit, keyFile string) (string, error) {
	if k := strings.TrimSpace(explicit); k != "" {
		return k, nil
	}
	if keyFile != "" && fileutils.FileExists(keyFile) {
		k, err := LoadAPIKeyFile(keyFile)
		if err != nil {
			return "", err
		}
		if k != "" {
			return k, nil
		}
	}
	if k := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); k != "" {
		return k, nil
	}
	return "", ErrMissingAPIKey
}

const summarizerPrompt = `You condense excerpts of a chat between two people into episodic memory.
Summarize the messages you are given in a few sentences. Keep names, dates, places, plans and
preferences that were mentioned. Do not invent details. Write in the third person.
Return JSON with a single "summary" field.`

type summaryResponse struct {
	Summary string `json:"summary" jsonschema:"required"`
}

var summarySchema = GenerateSchema[summaryResponse]()

// OpenAISummarizer implements migration.Summarizer with the Responses API and a strict JSON schema.
type OpenAISummarizer struct {
	client          *openai.Client
	model           string
	maxOutputTokens int64
	retry           RetryPolicy
	requestOpts     []option.RequestOption
}

type SummarizerOption func(*OpenAISummarizer)

// WithModel overrides DefaultModel.
func WithModel(model string) SummarizerOption {
	return func(s *OpenAISummarizer) {
		if model != "" {
			s.model = model
		}
	}
}

func WithRetryPolicy(p RetryPolicy) SummarizerOption {
	return func(s *OpenAISummarizer) { s.retry = p }
}

func WithMaxOutputTokens(n int64) SummarizerOption {
	return func(s *OpenAISummarizer) { s.maxOutputTokens = n }
}

// WithRequestOptions passes options through to the OpenAI client, e.g. option.WithBaseURL.
func WithRequestOptions(opts ...option.RequestOption) SummarizerOption {
	return func(s *OpenAISummarizer) { s.requestOpts = append(s.requestOpts, opts...) }
}

func NewOpenAISummarizer(apiKey string, opts ...SummarizerOption) (*OpenAISummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	s := &OpenAISummarizer{
		model:           DefaultModel,
		maxOutputTokens: 1000,
		retry:           DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(s)
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.requestOpts...)
	client := openai.NewClient(clientOpts...)
	s.client = &client
	return s, nil
}

// Summarize sends one batch. Transport failures are errors; a response without a usable summary is
// reported as migration.SummaryMalformed.
func (s *OpenAISummarizer) Summarize(ctx context.Context, batchText string) (migration.SummaryResult, error) {
	if s.client == nil {
		return migration.SummaryResult{}, errors.New("OpenAISummarizer: client is nil")
	}
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "EpisodeSummary",
			Schema:      summarySchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Summary of a batch of chat messages"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           s.model,
		MaxOutputTokens: openai.Int(s.maxOutputTokens),
		Instructions:    openai.String(summarizerPrompt),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(batchText, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := CallWithRetry(ctx, s.retry, func(ctx context.Context) (*responses.Response, error) {
		return s.client.Responses.New(ctx, params)
	})
	if err != nil {
		return migration.SummaryResult{}, err
	}
	return interpretOutput(resp.OutputText(), resp.RawJSON()), nil
}

// interpretOutput decides once whether the model produced a summary. Output that is not the expected
// JSON object is taken verbatim as the summary text.
func interpretOutput(outputText, raw string) migration.SummaryResult {
	text := strings.TrimSpace(outputText)
	if text == "" {
		return migration.MalformedSummary(raw)
	}
	var out summaryResponse
	if err := fileutils.DecodeModelJSON(text, &out); err != nil {
		return migration.OKSummary(text)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return migration.MalformedSummary(raw)
	}
	return migration.OKSummary(strings.TrimSpace(out.Summary))
}
