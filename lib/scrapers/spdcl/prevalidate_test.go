package spdcl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientOptions{
		PortalUrl:  server.URL + "/billing",
		DataApiUrl: server.URL + "/api/billenquiry",
	})
	require.NoError(t, err)
	return client
}

func TestPrevalidateKnownNumber(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`[{"consumerName":"R SRINIVAS","totalDue":"1240.00"}]`))
	}))

	status, err := client.PrevalidateServiceNumber(context.Background(), "2150 1234 5678")
	require.NoError(t, err)
	require.Equal(t, PrevalidationOK, status)
}

func TestPrevalidateUnknownNumber(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`[]`))
	}))

	status, err := client.PrevalidateServiceNumber(context.Background(), "0000 0000 0000")
	require.NoError(t, err)
	require.Equal(t, PrevalidationInvalid, status)
}

func TestPrevalidateGatewayFailure(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

		status, err := client.PrevalidateServiceNumber(context.Background(), "2150")
		require.Error(t, err)
		require.Equal(t, PrevalidationGateway, status)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>scheduled maintenance</html>`))
		}))

		// an error page must never be classified as invalid
		status, err := client.PrevalidateServiceNumber(context.Background(), "2150")
		require.Error(t, err)
		require.Equal(t, PrevalidationGateway, status)
	})
}

func TestPrevalidateCachesVerdicts(t *testing.T) {
	var hits atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`[{"consumerName":"R SRINIVAS","totalDue":"0"}]`))
	}))

	for i := 0; i < 3; i++ {
		status, err := client.PrevalidateServiceNumber(context.Background(), "2150 1234 5678")
		require.NoError(t, err)
		require.Equal(t, PrevalidationOK, status)
	}
	require.Equal(t, int64(1), hits.Load())
}
