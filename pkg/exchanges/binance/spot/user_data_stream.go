package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"tradegate/pkg/exchanges/common"
)

// CreateListenKey creates a new user data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", common.NewAPIError(venueName, common.KindAuth, "", "API key required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create listen key status %d", res.StatusCode)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return c.listenKeyRequest(ctx, http.MethodPut, listenKey)
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	return c.listenKeyRequest(ctx, http.MethodDelete, listenKey)
}

func (c *Client) listenKeyRequest(ctx context.Context, method, listenKey string) error {
	if c.cfg.APIKey == "" {
		return common.NewAPIError(venueName, common.KindAuth, "", "API key required")
	}

	params := url.Values{}
	params.Set("listenKey", listenKey)
	endpoint := fmt.Sprintf("%s/api/v3/userDataStream?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("listen key %s status %d", method, res.StatusCode)
	}
	return nil
}

// StreamURL returns the user data stream endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	if c.cfg.Testnet {
		return "wss://stream.testnet.binance.vision/ws/" + listenKey
	}
	return "wss://stream.binance.com:9443/ws/" + listenKey
}
