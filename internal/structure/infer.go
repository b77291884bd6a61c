package structure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/catalog-enricher/internal/models"
)

// SystemPrompt instructs the inference collaborator to only arrange the
// links it is given.
const SystemPrompt = `You map the product navigation of a manufacturer website.
Arrange the provided links into a tree of categories, collections and product families.
Only use URLs from the provided link list. Never invent URLs. Skip corporate pages
(news, careers, contact, legal). Respond with JSON: {"tree":[{"name":"","url":"","type":"category|collection|product_family|facet","children":[]}]}`

type PageContext struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Title  string `json:"title,omitempty"`
}

type InferenceRequest struct {
	SystemPrompt string      `json:"system_prompt"`
	Page         PageContext `json:"page"`
	GroundTruth  []Candidate `json:"links"`
}

// Inferrer proposes a structure tree. Its output is untrusted.
type Inferrer interface {
	Infer(ctx context.Context, req InferenceRequest) ([]*models.TaxonomyNode, error)
}

// HTTPInferrer posts the request as JSON to an inference endpoint.
type HTTPInferrer struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewHTTPInferrer(endpoint, apiKey, model string, timeout time.Duration) *HTTPInferrer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInferrer{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type inferenceBody struct {
	Model string `json:"model,omitempty"`
	InferenceRequest
}

type inferenceResponse struct {
	Tree []*models.TaxonomyNode `json:"tree"`
}

func (h *HTTPInferrer) Infer(ctx context.Context, req InferenceRequest) ([]*models.TaxonomyNode, error) {
	body, err := json.Marshal(inferenceBody{Model: h.model, InferenceRequest: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inference request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	return out.Tree, nil
}

// HeuristicInferrer builds a flat tree from golden-cluster candidates. It is
// used when no inference endpoint is configured and as a fallback.
type HeuristicInferrer struct {
	MaxRoots int
}

func (h HeuristicInferrer) Infer(_ context.Context, req InferenceRequest) ([]*models.TaxonomyNode, error) {
	limit := h.MaxRoots
	if limit <= 0 {
		limit = 40
	}
	pick := func(keep func(Candidate) bool) []*models.TaxonomyNode {
		var roots []*models.TaxonomyNode
		for _, c := range req.GroundTruth {
			if len(roots) >= limit {
				break
			}
			if c.Score <= 0 || !keep(c) {
				continue
			}
			kind := models.NodeCategory
			if hasKeyword(c, []string{"collection", "collezion", "series", "serie"}) {
				kind = models.NodeCollection
			}
			roots = append(roots, &models.TaxonomyNode{Name: c.Text, URL: c.URL, Kind: kind})
		}
		return roots
	}

	roots := pick(func(c Candidate) bool { return c.Cluster })
	if len(roots) == 0 {
		roots = pick(func(c Candidate) bool {
			return hasKeyword(c, structuralKeywords) || hasKeyword(c, categoryKeywords)
		})
	}
	return roots, nil
}
