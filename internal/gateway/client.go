package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/metrastics/meshwatch/internal/nodestate"
)

// Client talks to a running gateway from another process, typically the CLI
// or the task scheduler.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Send transmits text through the gateway. An empty destination broadcasts.
func (c *Client) Send(text, destinationID string, channelIndex *int, wantAck bool) error {
	if destinationID == "" {
		destinationID = nodestate.BroadcastID
	}
	body, err := json.Marshal(sendRequest{
		Text:          text,
		DestinationID: destinationID,
		ChannelIndex:  channelIndex,
		WantAck:       wantAck,
	})
	if err != nil {
		return fmt.Errorf("gateway: encode send: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: post send: %w", err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// Restart asks the listener to drop and re-establish its device connection.
func (c *Client) Restart() error {
	resp, err := c.http.Post(c.baseURL+"/restart", "application/json", nil)
	if err != nil {
		return fmt.Errorf("gateway: post restart: %w", err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// Status fetches the listener's current state document.
func (c *Client) Status() (map[string]interface{}, error) {
	resp, err := c.http.Get(c.baseURL + "/status")
	if err != nil {
		return nil, fmt.Errorf("gateway: get status: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("gateway: decode status: %w", err)
	}
	return status, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var parsed struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return fmt.Errorf("gateway: %s (status %d)", parsed.Error, resp.StatusCode)
	}
	return fmt.Errorf("gateway: unexpected status %d", resp.StatusCode)
}
