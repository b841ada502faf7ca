package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/manash/fluxgen/internal/provider"
)

const defaultModel = "gemini-2.5-flash-image"

// Request is one synchronous multimodal generation: a prompt, the image
// being edited, and optional extra reference images. The call is a
// single round trip; there is no job to poll or recover.
type Request struct {
	Prompt     string
	Model      string
	Resolution string
	Image      []byte
	References [][]byte
}

// Response carries the generated image. Text is the joined text parts of
// the reply and is only interesting when no image came back (refusals
// arrive as prose).
type Response struct {
	Data     []byte
	MIMEType string
	Text     string
}

// Client wraps the Gen AI SDK for image-out generation.
type Client struct {
	client *genai.Client
}

func New(ctx context.Context, cfg *provider.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{client: client}, nil
}

// Generate sends the prompt and images and returns the first inline
// image part of the first candidate. When the reply holds no image the
// text parts become the error: a refusal reads better than "no image".
func (c *Client) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	prompt := req.Prompt
	if req.Resolution != "" {
		prompt = fmt.Sprintf("%s\n\nOutput Resolution: %s", prompt, req.Resolution)
	}

	parts := []*genai.Part{{Text: prompt}}
	if len(req.Image) > 0 {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/png", Data: req.Image},
		})
	}
	for _, ref := range req.References {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/png", Data: ref},
		})
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrGenerationFailed, err)
	}

	return parseResponse(resp)
}

func parseResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty response", provider.ErrNoImageInReply)
	}

	var texts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/") {
			return &Response{
				Data:     part.InlineData.Data,
				MIMEType: part.InlineData.MIMEType,
			}, nil
		}
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}

	if msg := strings.TrimSpace(strings.Join(texts, " ")); msg != "" {
		return nil, fmt.Errorf("%w: %s", provider.ErrNoImageInReply, msg)
	}
	return nil, provider.ErrNoImageInReply
}
