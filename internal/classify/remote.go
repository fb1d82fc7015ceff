package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/incidentstack/correlator/internal/models"
)

// RemoteClassifier calls an external classification service over HTTP.
type RemoteClassifier struct {
	baseURL      string
	classifyPath string
	httpClient   *http.Client
}

// NewRemoteClassifier constructs a client targeting the configured
// classification service.
func NewRemoteClassifier(baseURL, classifyPath string, timeout time.Duration) *RemoteClassifier {
	return &RemoteClassifier{
		baseURL:      strings.TrimRight(baseURL, "/"),
		classifyPath: classifyPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Classify posts the incident snapshot and decodes the verdict.
func (c *RemoteClassifier) Classify(ctx context.Context, snapshot models.IncidentSnapshot) (models.Classification, error) {
	if c == nil || c.baseURL == "" {
		return models.Classification{}, &ClassificationError{IncidentID: snapshot.ID, Err: fmt.Errorf("classifier base URL not configured")}
	}

	payload := map[string]interface{}{
		"incident_id":    snapshot.ID,
		"service":        snapshot.Service,
		"event_count":    snapshot.EventCount,
		"first_event_at": snapshot.FirstEventAt.Format(time.RFC3339),
		"last_event_at":  snapshot.LastEventAt.Format(time.RFC3339),
		"messages":       snapshot.Messages,
	}

	var response struct {
		Category           string   `json:"category"`
		Severity           string   `json:"severity"`
		Summary            string   `json:"summary"`
		RecommendedActions []string `json:"recommended_actions"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.classifyPath), payload, &response); err != nil {
		return models.Classification{}, &ClassificationError{IncidentID: snapshot.ID, Err: err}
	}

	severity := models.Severity(response.Severity)
	if !severity.Valid() {
		return models.Classification{}, &ClassificationError{
			IncidentID: snapshot.ID,
			Err:        fmt.Errorf("classifier returned unknown severity %q", response.Severity),
		}
	}
	if strings.TrimSpace(response.Category) == "" {
		return models.Classification{}, &ClassificationError{
			IncidentID: snapshot.ID,
			Err:        fmt.Errorf("classifier returned empty category"),
		}
	}

	return models.Classification{
		Category:           response.Category,
		Severity:           severity,
		Summary:            response.Summary,
		RecommendedActions: response.RecommendedActions,
	}, nil
}

func (c *RemoteClassifier) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *RemoteClassifier) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
