package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/internal/model"
)

func vtReportBody(malicious, suspicious int, results map[string]map[string]string) []byte {
	attrs := map[string]interface{}{
		"last_analysis_stats": map[string]int{
			"malicious":  malicious,
			"suspicious": suspicious,
			"harmless":   60,
		},
		"last_analysis_results": results,
	}
	body, _ := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"attributes": attrs},
	})
	return body
}

func TestVirusTotalEngine_DisabledWithoutKey(t *testing.T) {
	engine := NewVirusTotalEngine("", "http://unused", time.Second)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "data"))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
}

func TestVirusTotalEngine_KnownHashClean(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-apikey"))
		require.True(t, strings.HasPrefix(r.URL.Path, "/files/"))
		w.Write(vtReportBody(0, 0, nil))
	}))
	defer server.Close()

	engine := NewVirusTotalEngine("test-key", server.URL, time.Second)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "benign"))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, result.Status)
	assert.Empty(t, result.Findings)
}

func TestVirusTotalEngine_MaliciousConsensus(t *testing.T) {
	results := map[string]map[string]string{
		"EngineA": {"category": "malicious", "result": "Trojan.Generic"},
		"EngineB": {"category": "malicious", "result": "Win32.Trojan"},
		"EngineC": {"category": "malicious", "result": "Trojan.Agent"},
		"EngineD": {"category": "suspicious", "result": "Heur.Suspicious"},
		"EngineE": {"category": "harmless", "result": ""},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(vtReportBody(3, 1, results))
	}))
	defer server.Close()

	engine := NewVirusTotalEngine("test-key", server.URL, time.Second)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "evil"))
	require.NoError(t, err)
	assert.Equal(t, StatusInfected, result.Status)
	// harmless判定不产生检出
	assert.Len(t, result.Findings, 4)

	for _, f := range result.Findings {
		if f.DetectionRule == "EngineD" {
			assert.Equal(t, model.LevelMedium, f.Severity)
		} else {
			assert.Equal(t, model.LevelHigh, f.Severity)
		}
	}
}

func TestVirusTotalEngine_FewDetectionsIsDetected(t *testing.T) {
	results := map[string]map[string]string{
		"EngineA": {"category": "malicious", "result": "Gen.Variant"},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(vtReportBody(1, 0, results))
	}))
	defer server.Close()

	engine := NewVirusTotalEngine("test-key", server.URL, time.Second)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "maybe"))
	require.NoError(t, err)
	assert.Equal(t, StatusDetected, result.Status)
	require.Len(t, result.Findings, 1)
}

func TestVirusTotalEngine_UploadAndPoll(t *testing.T) {
	var reportRequests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
			reportRequests++
			if reportRequests == 1 {
				// 首次哈希查询未收录
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(vtReportBody(0, 0, nil))
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"id": "analysis-123"},
			})
		case strings.HasPrefix(r.URL.Path, "/analyses/"):
			assert.Equal(t, "/analyses/analysis-123", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"id":         "analysis-123",
					"attributes": map[string]string{"status": "completed"},
				},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	engine := NewVirusTotalEngine("test-key", server.URL, 5*time.Second)
	engine.PollInterval = 10 * time.Millisecond

	result, err := engine.Scan(context.Background(), writeTempFile(t, "novel sample"))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, result.Status)
	assert.Equal(t, 2, reportRequests)
}

func TestVirusTotalEngine_PollDeadlineIsPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"id": "analysis-slow"},
			})
		case strings.HasPrefix(r.URL.Path, "/analyses/"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"id":         "analysis-slow",
					"attributes": map[string]string{"status": "queued"},
				},
			})
		}
	}))
	defer server.Close()

	engine := NewVirusTotalEngine("test-key", server.URL, 50*time.Millisecond)
	engine.PollInterval = 10 * time.Millisecond

	result, err := engine.Scan(context.Background(), writeTempFile(t, "slow sample"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
	assert.Contains(t, result.Message, "Analysis in progress")
}
