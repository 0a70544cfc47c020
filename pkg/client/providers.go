package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

// ProviderRegistration is the register request body
type ProviderRegistration struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	Visibility string `json:"visibility,omitempty"`
}

// RegisterProvider enrolls a remote offering endpoint.
func (c *Client) RegisterProvider(ctx context.Context, reg ProviderRegistration) (*types.Provider, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "failed to encode provider registration")
	}
	var out types.Provider
	if err := c.do(ctx, http.MethodPost, "/providers", bytes.NewReader(body), "", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnregisterProvider removes a provider.
func (c *Client) UnregisterProvider(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/providers/"+url.PathEscape(id), nil, "", nil, nil)
}

// ListProviders fetches the registered providers.
func (c *Client) ListProviders(ctx context.Context) ([]types.Provider, error) {
	var out struct {
		Providers []types.Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/providers", nil, "", &out, nil); err != nil {
		return nil, err
	}
	return out.Providers, nil
}
