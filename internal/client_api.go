package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	httpTimeout = 5 * time.Second
)

// StatsReport is the body of GET /stats.
type StatsReport struct {
	UsersOnline  int             `json:"usersOnline"`
	StatsChannel string          `json:"statsChannel"`
	EventNames   StatsEventNames `json:"eventNames"`
	Subscribers  int             `json:"subscribers"`
	Metrics      map[string]any  `json:"metrics"`
}

// EmitResult is the body of POST /emit/:user.
type EmitResult struct {
	User      string `json:"user"`
	Delivered int    `json:"delivered"`
}

// FetchStats queries the privileged stats route.
func FetchStats(serverURL, token string) (*StatsReport, error) {
	base, err := httpBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	var report StatsReport
	if err := doJSONRequest(http.MethodGet, base+"/stats", token, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// EmitTo pushes a text payload to every connection of userID.
func EmitTo(serverURL, token, userID, message string) (*EmitResult, error) {
	base, err := httpBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	var result EmitResult
	endpoint := base + "/emit/" + url.PathEscape(userID)
	if err := doJSONRequest(http.MethodPost, endpoint, token, TextMessage{Message: message}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// httpBaseURL accepts an http(s) or ws(s) server URL and returns its
// http(s) origin.
func httpBaseURL(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// statsSocketURL returns the ws(s) URL of the stats channel with the admin
// token in the query.
func statsSocketURL(serverURL, token string) (string, error) {
	base, err := httpBaseURL(serverURL)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "https" {
		parsed.Scheme = "wss"
	} else {
		parsed.Scheme = "ws"
	}
	parsed.Path = "/stats/ws"
	if token != "" {
		query := parsed.Query()
		query.Set(tokenQueryParam, token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
