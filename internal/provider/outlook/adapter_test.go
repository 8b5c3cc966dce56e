package outlook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentineldesk/mailguard/internal/auth"
)

// newPagedServer serves a two-page message listing: the first page carries an
// @odata.nextLink pointing back at the server, the second does not.
func newPagedServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"m3","receivedDateTime":"2026-01-01T10:02:00Z"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[`+
			`{"id":"m1","receivedDateTime":"2026-01-01T10:00:00Z"},`+
			`{"id":"m2","receivedDateTime":"2026-01-01T10:01:00Z"}`+
			`],"@odata.nextLink":"%s/users/a@example.com/messages?page=2"}`, srv.URL)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := New(context.Background(), &auth.Token{AccessToken: "tok"}, "a@example.com", "https://example.com/notify")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.client.GetAdapter().SetBaseUrl(baseURL)
	return a
}

func TestHistoryFollowsPagination(t *testing.T) {
	srv := newPagedServer(t)
	a := newTestAdapter(t, srv.URL)

	var ids []string
	latest, err := a.History(context.Background(), "2026-01-01T09:00:00Z", func(id string) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	want := []string{"m1", "m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids %v, want %v", len(ids), ids, want)
	}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], w)
		}
	}

	// The cursor reflects the newest message on the last page, not the page
	// boundary.
	if latest != "2026-01-01T10:02:00Z" {
		t.Errorf("latest = %q, want 2026-01-01T10:02:00Z", latest)
	}
}

func TestHistoryStopsOnCallbackError(t *testing.T) {
	srv := newPagedServer(t)
	a := newTestAdapter(t, srv.URL)

	calls := 0
	_, err := a.History(context.Background(), "2026-01-01T09:00:00Z", func(id string) error {
		calls++
		return fmt.Errorf("refuse %s", id)
	})
	if err == nil {
		t.Fatal("History swallowed the callback error")
	}
	if calls != 1 {
		t.Errorf("callback ran %d times after erroring, want 1", calls)
	}
}

func TestHistoryRejectsBadCursor(t *testing.T) {
	srv := newPagedServer(t)
	a := newTestAdapter(t, srv.URL)

	if _, err := a.History(context.Background(), "12345", func(string) error { return nil }); err == nil {
		t.Fatal("History accepted a non-timestamp cursor")
	}
}
