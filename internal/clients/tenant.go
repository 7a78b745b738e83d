package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultTenantTimeout is the per-call budget for the tenant-data service.
const DefaultTenantTimeout = 60 * time.Second

const tenantService = "tenant_data"

// TenantClient reads debtor account context from the tenant-data service
// and notifies it on human takeover.
type TenantClient struct {
	baseURL string
	http    *http.Client
}

// NewTenantClient creates a client; a zero timeout takes the default.
func NewTenantClient(baseURL string, timeout time.Duration) *TenantClient {
	if timeout <= 0 {
		timeout = DefaultTenantTimeout
	}
	return &TenantClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetTenant fetches the account context for one tenant.
func (c *TenantClient) GetTenant(ctx context.Context, tenantID string) (*core.TenantContext, error) {
	if tenantID == "" {
		return nil, core.NewError(core.KindValidation, "tenant id is required")
	}
	var out core.TenantContext
	u := fmt.Sprintf("%s/monitor/tenant/%s", c.baseURL, url.PathEscape(tenantID))
	if err := doJSON(ctx, c.http, tenantService, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyHumanTakeover tells the tenant-data service a human has taken over
// the conversation for the given workflow.
func (c *TenantClient) NotifyHumanTakeover(ctx context.Context, workflowID, customerPhone string) error {
	body := map[string]string{
		"workflow_id":    workflowID,
		"customer_phone": customerPhone,
		"event":          "human_takeover",
	}
	return doJSON(ctx, c.http, tenantService, http.MethodPost, c.baseURL+"/monitor/handoff", body, nil)
}
