// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func statusBaseURL() string {
	if u := os.Getenv("FLEET_AGENT_STATUS_URL"); u != "" {
		return u
	}
	return "http://localhost:8152"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(statusBaseURL()).
		SetTimeout(10 * time.Second)
}

// isConnected 查询 agent 是否与服务端保持连接；503 表示失联，不是错误
func isConnected() (bool, error) {
	resp, err := newClient().R().Get("/health/v1/isConnectedToServer")
	if err != nil {
		return false, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, fmt.Errorf("GET /health/v1/isConnectedToServer: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
}

func getStatus() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /status: %s", resp.String())
	}
	return out, nil
}

func getMetrics() (string, error) {
	resp, err := newClient().R().Get("/metrics")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET /metrics: %s", resp.String())
	}
	return resp.String(), nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
