package logsearch

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"testing"
	"time"
)

func TestDebate(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"data":{"messages":[
			{"username":"bob","text":"third"},
			{"username":"amy","text":"second"},
			{"username":"bob","text":"first"}
		]}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/anon/search", "Destinygg", nil)
	res, err := p.Debate(t.Context(), Query{
		NickA:  "amy",
		NickB:  "bob",
		Amount: 2,
		Day:    time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Debate: %v", err)
	}
	if res.Status != Ok {
		t.Fatalf("Status = %v, want ok", res.Status)
	}
	if want := []string{"bob: first", "amy: second"}; !slices.Equal(res.Lines, want) {
		t.Errorf("Lines = %q, want %q", res.Lines, want)
	}

	if query.Get("username") != "amy | bob" {
		t.Errorf("username = %q", query.Get("username"))
	}
	if query.Get("text") != `"amy" | "bob"` {
		t.Errorf("text = %q", query.Get("text"))
	}
	if query.Get("start_date") != "2026-05-04" || query.Get("end_date") != "2026-05-04" {
		t.Errorf("dates = %q..%q", query.Get("start_date"), query.Get("end_date"))
	}
	if query.Get("channel") != "Destinygg" {
		t.Errorf("channel = %q", query.Get("channel"))
	}
}

func TestDebateAllWhenAmountExceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"messages":[{"username":"a","text":"2"},{"username":"b","text":"1"}]}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProvider(srv.URL, "c", nil).Debate(t.Context(), Query{NickA: "a", NickB: "b", Amount: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lines) != 2 {
		t.Errorf("Lines = %q", res.Lines)
	}
}

func TestDebateEmpty(t *testing.T) {
	for _, body := range []string{`{"data":null}`, `{"data":{}}`, `{"data":{"messages":[]}}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		res, err := NewHTTPProvider(srv.URL, "c", nil).Debate(t.Context(), Query{NickA: "a", NickB: "b", Amount: 5})
		srv.Close()
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if res.Status != Empty || res.EmptyReason == "" || res.Lines != nil {
			t.Errorf("%s: result = %+v", body, res)
		}
	}
}

func TestDebateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPProvider(srv.URL, "c", nil).Debate(t.Context(), Query{}); err == nil {
		t.Error("expected error")
	}
}

func TestStatusString(t *testing.T) {
	if Ok.String() != "ok" || Empty.String() != "empty" {
		t.Errorf("got %s/%s", Ok, Empty)
	}
}
