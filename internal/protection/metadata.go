package protection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// metadataEnv is set by the container agent on every task.
const metadataEnv = "ECS_CONTAINER_METADATA_URI_V4"

// TaskIdentity locates this task for the protection API.
type TaskIdentity struct {
	Cluster string `json:"Cluster"`
	TaskARN string `json:"TaskARN"`
}

// DiscoverTask reads the task metadata endpoint. Returns an error when the
// worker is not running under the container agent.
func DiscoverTask(ctx context.Context, client *http.Client) (*TaskIdentity, error) {
	base := strings.TrimSpace(os.Getenv(metadataEnv))
	if base == "" {
		return nil, fmt.Errorf("%s not set", metadataEnv)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/task", nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch task metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task metadata: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read task metadata: %w", err)
	}
	var identity TaskIdentity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("parse task metadata: %w", err)
	}
	if identity.Cluster == "" || identity.TaskARN == "" {
		return nil, fmt.Errorf("task metadata missing cluster or task arn")
	}
	return &identity, nil
}
