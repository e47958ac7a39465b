package globus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nimafallahian/catalog-relay/internal/domain"
)

// fakeSearch mimics the search service: each ingest creates a task whose
// states are served in order on successive status requests.
type fakeSearch struct {
	mu           sync.Mutex
	states       []string
	ingests      []GMetaList
	polls        int
	deleted      []string
	calls        []string
	deleteStatus int
}

func (f *fakeSearch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/index/idx/ingest":
		var doc GMetaList
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.ingests = append(f.ingests, doc)
		f.calls = append(f.calls, "ingest")
		_, _ = w.Write([]byte(`{"task_id":"T1","acknowledged":true}`))

	case r.Method == http.MethodGet && r.URL.Path == "/v1/task/T1":
		state := TaskSuccess
		if f.polls < len(f.states) {
			state = f.states[f.polls]
		}
		f.polls++
		_, _ = w.Write([]byte(`{"task_id":"T1","state":"` + state + `"}`))

	case r.Method == http.MethodDelete && r.URL.Path == "/v1/index/idx/subject":
		subject := r.URL.Query().Get("subject")
		f.deleted = append(f.deleted, subject)
		f.calls = append(f.calls, "delete:"+subject)
		if f.deleteStatus != 0 {
			w.WriteHeader(f.deleteStatus)
			_, _ = w.Write([]byte(`{"code":"NotFound"}`))
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"D1"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeSearch) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:          srv.URL,
		Index:            "idx",
		Tokens:           oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
		HTTPClient:       srv.Client(),
		TaskPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func create(id string, assets map[string]any) domain.Operation {
	item := domain.Item{"id": id}
	if assets != nil {
		item["assets"] = assets
	}
	return domain.Operation{Kind: domain.OpCreate, CollectionID: "CMIP6", ItemID: id, Item: item}
}

func TestClient_BulkIngestsUpsertsOnce(t *testing.T) {
	f := &fakeSearch{}
	c := newTestClient(t, f)

	ops := []domain.Operation{
		create("i1", map[string]any{
			"tas": map[string]any{"href": "x"},
			"pr":  map[string]any{"href": "y"},
		}),
		{Kind: domain.OpReplace, CollectionID: "CMIP6", ItemID: "i2", Item: domain.Item{"id": "i2"}},
	}
	require.NoError(t, c.Apply(context.Background(), ops))

	f.mu.Lock()
	defer f.mu.Unlock()

	require.Len(t, f.ingests, 1)
	doc := f.ingests[0]
	require.Equal(t, "GMetaList", doc.IngestType)
	require.Len(t, doc.IngestData.GMeta, 2)

	first := doc.IngestData.GMeta[0]
	require.Equal(t, "i1", first.Subject)
	require.Equal(t, []string{"public"}, first.VisibleTo)
	require.ElementsMatch(t, []any{
		map[string]any{"name": "tas", "href": "x"},
		map[string]any{"name": "pr", "href": "y"},
	}, first.Content["assets"])
	require.Equal(t, "i2", doc.IngestData.GMeta[1].Subject)
}

func TestClient_ForwardedOnlyAfterTaskSucceeds(t *testing.T) {
	f := &fakeSearch{states: []string{"RUNNING", "RUNNING", TaskSuccess}}
	c := newTestClient(t, f)

	require.NoError(t, c.Apply(context.Background(), []domain.Operation{create("i1", nil)}))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 3, f.polls)
}

func TestClient_TaskFailureFailsBatch(t *testing.T) {
	f := &fakeSearch{states: []string{"PENDING", TaskFailed}}
	c := newTestClient(t, f)

	err := c.Apply(context.Background(), []domain.Operation{create("i1", nil)})
	require.ErrorIs(t, err, domain.ErrIngestionFailed)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 2, f.polls)
}

func TestClient_RevokeDeletesSubjectOutsideBulkPath(t *testing.T) {
	f := &fakeSearch{}
	c := newTestClient(t, f)

	err := c.Apply(context.Background(), []domain.Operation{
		{Kind: domain.OpDelete, CollectionID: "CMIP6", ItemID: "CMIP6.a b"},
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Empty(t, f.ingests)
	require.Equal(t, []string{"CMIP6.a b"}, f.deleted)
}

func TestClient_PreservesOrderAroundDeletes(t *testing.T) {
	f := &fakeSearch{}
	c := newTestClient(t, f)

	err := c.Apply(context.Background(), []domain.Operation{
		create("i1", nil),
		create("i2", nil),
		{Kind: domain.OpDelete, ItemID: "i1"},
		create("i3", nil),
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"ingest", "delete:i1", "ingest"}, f.calls)
	require.Len(t, f.ingests[0].IngestData.GMeta, 2)
	require.Len(t, f.ingests[1].IngestData.GMeta, 1)
}

func TestClient_DeleteMissingSubjectSucceeds(t *testing.T) {
	f := &fakeSearch{deleteStatus: http.StatusNotFound}
	c := newTestClient(t, f)

	require.NoError(t, c.Apply(context.Background(), []domain.Operation{{Kind: domain.OpDelete, ItemID: "gone"}}))
}

func TestClient_DeleteRejectedFailsBatch(t *testing.T) {
	f := &fakeSearch{deleteStatus: http.StatusForbidden}
	c := newTestClient(t, f)

	err := c.Apply(context.Background(), []domain.Operation{{Kind: domain.OpDelete, ItemID: "i1"}})
	require.ErrorIs(t, err, domain.ErrTransport)
}

func TestClient_PatchIsSkipped(t *testing.T) {
	f := &fakeSearch{}
	c := newTestClient(t, f)

	err := c.Apply(context.Background(), []domain.Operation{
		{Kind: domain.OpPatch, CollectionID: "CMIP6", ItemID: "i1", Item: domain.Item{"properties": map[string]any{}}},
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Empty(t, f.calls)
}

func TestClient_IngestRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"BadRequest.InvalidDocument"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{
		BaseURL: srv.URL,
		Index:   "idx",
		Tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
	})
	require.NoError(t, err)

	err = c.Apply(context.Background(), []domain.Operation{create("i1", nil)})
	require.ErrorIs(t, err, domain.ErrTransport)
	require.True(t, strings.Contains(err.Error(), "InvalidDocument"))
}

func TestNewClientValidation(t *testing.T) {
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})

	_, err := NewClient(Options{Index: "idx", Tokens: tokens})
	require.Error(t, err)
	_, err = NewClient(Options{BaseURL: "http://x", Tokens: tokens})
	require.Error(t, err)
	_, err = NewClient(Options{BaseURL: "http://x", Index: "idx"})
	require.Error(t, err)
}
