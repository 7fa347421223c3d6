package gates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheck_Run(t *testing.T) {
	var got checkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer audit-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Verdict{Status: StatusFail, Findings: 2, Message: "2 uncited claims", Remediation: "cite sources", DurationMS: 80})
	}))
	defer srv.Close()

	check := &HTTPCheck{URL: srv.URL, APIKey: "audit-key"}
	v, err := check.Run(context.Background(), "research_cited", Bundle{"project_id": "shop"})
	require.NoError(t, err)

	assert.Equal(t, "research_cited", got.Check)
	assert.Equal(t, "shop", got.Bundle["project_id"])
	assert.Equal(t, Verdict{Status: StatusFail, Findings: 2, Message: "2 uncited claims", Remediation: "cite sources", DurationMS: 80}, v)
}

func TestHTTPCheck_Errors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "auditor down", http.StatusBadGateway)
		}))
		defer srv.Close()
		_, err := (&HTTPCheck{URL: srv.URL}).Run(context.Background(), "lint", nil)
		assert.ErrorContains(t, err, "returned 502")
	})

	t.Run("bad json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{"))
		}))
		defer srv.Close()
		_, err := (&HTTPCheck{URL: srv.URL}).Run(context.Background(), "lint", nil)
		assert.ErrorContains(t, err, "failed to parse verdict")
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)
		_, err := (&HTTPCheck{URL: srv.URL, Timeout: 20 * time.Millisecond}).Run(context.Background(), "lint", nil)
		assert.ErrorContains(t, err, "audit check request failed")
	})

	t.Run("no url", func(t *testing.T) {
		_, err := (&HTTPCheck{}).Run(context.Background(), "lint", nil)
		assert.Error(t, err)
	})
}

func TestHTTPCheck_FailuresRecordedAsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRecorder()
	r.RegisterCheck("lint", &HTTPCheck{URL: srv.URL})
	sink := &recordingSink{}
	results, err := r.Evaluate(context.Background(), "CODING→TESTING",
		[]Policy{{Check: "lint", Severity: SeverityWarning}}, Bundle{}, sink.append)
	require.NoError(t, err, "advisory checks never block")
	require.Len(t, results, 1)
	assert.Equal(t, StatusFail, results[0].Status)
	assert.Contains(t, results[0].Message, "returned 500")
}
