// Package modelstatus queries the local serving runtime's model-status
// endpoint: GET <base>/v1/models/<name> answering one row per loaded
// version of the model.
package modelstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/modelfleet/agent-discovery/internal/models"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type versionStatusDTO struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Status  struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

type modelStatusResponse struct {
	ModelVersionStatus []versionStatusDTO `json:"model_version_status"`
}

func (c *Client) ModelStatus(ctx context.Context, name string) ([]models.VersionStatus, error) {
	url := fmt.Sprintf("%s/v1/models/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request for %s: %w", name, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status query for %s failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status query for %s answered %d", name, resp.StatusCode)
	}
	payload := modelStatusResponse{}
	err = json.NewDecoder(resp.Body).Decode(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode status of %s: %w", name, err)
	}

	statuses := make([]models.VersionStatus, 0, len(payload.ModelVersionStatus))
	for _, dto := range payload.ModelVersionStatus {
		version, err := strconv.ParseInt(dto.Version, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unparsable version %q of %s: %w", dto.Version, name, err)
		}
		statuses = append(statuses, models.VersionStatus{
			Version:      version,
			State:        stateFromString(dto.State),
			ErrorCode:    errorCodeFromString(dto.Status.ErrorCode),
			ErrorMessage: dto.Status.ErrorMessage,
		})
	}
	return statuses, nil
}

func stateFromString(state string) models.State {
	switch state {
	case "AVAILABLE":
		return models.StateAvailable
	case "UNKNOWN", "":
		return models.StateUnknown
	default:
		// START/LOADING/UNLOADING/END are all not routable.
		return models.StateUnavailable
	}
}

func errorCodeFromString(code string) int32 {
	if code == "" || code == "OK" {
		return 0
	}
	numeric, err := strconv.ParseInt(code, 10, 32)
	if err == nil {
		return int32(numeric)
	}
	// Symbolic non-OK codes map to a generic failure.
	return 2
}
