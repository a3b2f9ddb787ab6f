package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Smoke client for a running staysync-api: health, token mint, sync status
// and audit query round trips.
func main() {
	base := os.Getenv("STAYSYNC_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := getJSON(ctx, client, base+"/healthz", "", &health); err != nil {
		log.Fatalf("healthz: %v", err)
	}
	if health.Status != "ok" {
		log.Fatalf("unexpected health status %q", health.Status)
	}

	var tok struct {
		Token string `json:"token"`
	}
	err := postJSON(ctx, client, base+"/v1/auth/token", "",
		map[string]any{"user": "smoke", "roles": []string{"admin"}}, &tok)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	if tok.Token == "" {
		log.Fatal("empty token")
	}

	var status struct {
		Properties []struct {
			PropertyID string `json:"property_id"`
		} `json:"properties"`
	}
	if err := getJSON(ctx, client, base+"/v1/channel/sync/status", tok.Token, &status); err != nil {
		log.Fatalf("sync status: %v", err)
	}

	var audit struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := getJSON(ctx, client, base+"/v1/channel/audit?limit=5", tok.Token, &audit); err != nil {
		log.Fatalf("audit query: %v", err)
	}

	fmt.Printf("staysync smoke passed: version=%s properties=%d audit_entries=%d\n",
		health.Version, len(status.Properties), len(audit.Entries))
}

func getJSON(ctx context.Context, client *http.Client, url, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return doJSON(client, req, out)
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
