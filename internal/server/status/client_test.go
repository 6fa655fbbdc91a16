package status

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/openmined/syncbox/internal/server/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStatus(t *testing.T) {
	stats := fixedStats{Busy: true, Queued: 1, Admitted: 4, Completed: 3}
	ts := httptest.NewServer(routes(t, stats, newJournal(t)))
	defer ts.Close()

	c := NewClient(ts.URL)
	resp, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Admission.Busy)
	assert.EqualValues(t, 3, resp.Admission.Completed)
	assert.Equal(t, 3, resp.Sessions)
}

func TestClientSessions(t *testing.T) {
	ts := httptest.NewServer(routes(t, fixedStats{}, newJournal(t)))
	defer ts.Close()

	// host:port form
	c := NewClient(ts.Listener.Addr().String())
	resp, err := c.Sessions(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 2)
	for _, s := range resp.Sessions {
		assert.Equal(t, "alice", s.ClientID)
	}
}

func TestClientAPIError(t *testing.T) {
	ts := httptest.NewServer(routes(t, fixedStats{}, nil))
	defer ts.Close()

	_, err := NewClient(ts.URL).Sessions(context.Background(), "", 0)
	require.Error(t, err)
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.CodeJournalUnavailable, apiErr.Code)
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(routes(t, fixedStats{}, nil))
	addr := ts.URL
	ts.Close()

	_, err := NewClient(addr).Status(context.Background())
	assert.Error(t, err)
}
