package channel

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRedirectTransportRewritesHost(t *testing.T) {
	t.Parallel()
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rt, err := RedirectTransport(srv.URL+"/proxy/", nil)
	if err != nil {
		t.Fatalf("RedirectTransport: %v", err)
	}
	client := &http.Client{Transport: rt}
	resp, err := client.Get("https://api.provider.example/v1/messages?x=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if gotPath != "/proxy/v1/messages" || gotQuery != "x=1" {
		t.Fatalf("unexpected request %s?%s", gotPath, gotQuery)
	}
}

func TestRedirectTransportEmptyBase(t *testing.T) {
	t.Parallel()
	rt, err := RedirectTransport("  ", nil)
	if err != nil {
		t.Fatalf("RedirectTransport: %v", err)
	}
	if rt != http.DefaultTransport {
		t.Fatal("empty base should keep the default transport")
	}
	if _, err := RedirectTransport("not a url", nil); err == nil {
		t.Fatal("expected error for base without scheme")
	}
}
