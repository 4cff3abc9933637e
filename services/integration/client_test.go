package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/AfshinJalili/withdrawal-ranges/services/testutil"
)

func getServiceURL() string {
	if url := os.Getenv("RANGES_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func getKafkaBrokers() []string {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rangeItem struct {
	ID        int64  `json:"id"`
	MinAmount string `json:"minAmount"`
	MaxAmount string `json:"maxAmount"`
	Fee       string `json:"fee"`
	Rate      string `json:"rate"`
}

type itemResponse struct {
	Message string    `json:"message"`
	Data    rangeItem `json:"data"`
}

type listResponse struct {
	Message string      `json:"message"`
	Data    []rangeItem `json:"data"`
}

type uploadResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	secret := os.Getenv("RANGES_ADMIN_JWT_SECRET")
	if secret == "" {
		return map[string]string{}
	}
	token, err := testutil.AdminToken([]byte(secret))
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func makeRequest(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getServiceURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["X-Forwarded-For"]; !ok {
		req.Header.Set("X-Forwarded-For", randomIP())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

func uploadFile(path, filename string, content []byte, headers map[string]string) (*http.Response, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, getServiceURL()+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, body)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	expectStatus(t, resp, status)
	var errResp errorResponse
	decode(t, resp, &errResp)
	if errResp.Code != code {
		t.Fatalf("expected error code %s, got %s", code, errResp.Code)
	}
}

func randomIP() string {
	return fmt.Sprintf("10.0.%d.%d", rand.Intn(255), rand.Intn(255))
}

func waitForService(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeRequest(http.MethodGet, "/readyz", nil, nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("ranges service not ready within timeout")
}
