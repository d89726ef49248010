package promapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/common/model"
)

func reply(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"success","data":%s}`, data)
}

// fakePrometheus answers the subset of the HTTP API the client uses.
func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status/buildinfo", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"version":"2.53.0","revision":"abc","branch":"HEAD","buildUser":"ci","buildDate":"20240101","goVersion":"go1.22.0"}`)
	})
	mux.HandleFunc("/api/v1/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("metric") != "http_requests_total" {
			reply(w, `{}`)
			return
		}
		reply(w, `{"http_requests_total":[{"type":"counter","help":"Total requests.","unit":""}]}`)
	})
	mux.HandleFunc("/api/v1/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("match[]") != "http_requests_total" {
			reply(w, `[]`)
			return
		}
		reply(w, `["__name__","code","job"]`)
	})
	mux.HandleFunc("/api/v1/label/code/values", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `["200","500"]`)
	})
	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("query") == "bad(" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
			return
		}
		reply(w, `{"resultType":"vector","result":[{"metric":{"job":"api"},"value":[1700000000,"3"]}]}`)
	})
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"alerts":[{"activeAt":"2024-01-01T00:00:00Z","annotations":{},"labels":{"alertname":"HighErrorRate"},"state":"firing","value":"1e+00"}]}`)
	})
	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"groups":[{"name":"api","file":"rules.yml","interval":30,"rules":[
			{"type":"recording","name":"job:errors:rate5m","query":"sum(rate(errors_total[5m]))","labels":{},"health":"ok","evaluationTime":0.001,"lastEvaluation":"2024-01-01T00:00:00Z"},
			{"type":"alerting","name":"HighErrorRate","query":"rate(errors_total[5m]) > 1","duration":60,"labels":{},"annotations":{},"alerts":[],"health":"ok","evaluationTime":0.001,"lastEvaluation":"2024-01-01T00:00:00Z","state":"inactive"}
		]}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := fakePrometheus(t)
	c, err := NewClient(srv.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestClientReady(t *testing.T) {
	c := newTestClient(t)
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
}

func TestClientNotReady(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewClient(srv.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Ready(context.Background()); err == nil {
		t.Fatalf("expected error for unreachable server")
	}
	if c.URL() != srv.URL {
		t.Fatalf("unexpected URL %q", c.URL())
	}
}

func TestClientMetricDiscovery(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	meta, err := c.MetricMetadata(ctx, "http_requests_total")
	if err != nil {
		t.Fatalf("MetricMetadata failed: %v", err)
	}
	if got := meta["http_requests_total"]; len(got) != 1 || got[0].Type != "counter" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	labels, err := c.MetricLabels(ctx, "http_requests_total")
	if err != nil {
		t.Fatalf("MetricLabels failed: %v", err)
	}
	if len(labels) != 3 || labels[1] != "code" {
		t.Fatalf("unexpected labels %v", labels)
	}

	values, err := c.MetricLabelValues(ctx, "http_requests_total", "code")
	if err != nil {
		t.Fatalf("MetricLabelValues failed: %v", err)
	}
	if len(values) != 2 || values[1] != "500" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestClientQuery(t *testing.T) {
	c := newTestClient(t)

	v, err := c.Query(context.Background(), "sum(up)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	vec, ok := v.(model.Vector)
	if !ok || len(vec) != 1 || vec[0].Value != 3 {
		t.Fatalf("unexpected result %v", v)
	}

	if _, err := c.Query(context.Background(), "bad("); err == nil {
		t.Fatalf("expected error for invalid query")
	}
}

func TestClientAlerts(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	alerts, err := c.Alerts(ctx)
	if err != nil {
		t.Fatalf("Alerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Labels["alertname"] != "HighErrorRate" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	q, err := c.AlertQuery(ctx, "HighErrorRate")
	if err != nil {
		t.Fatalf("AlertQuery failed: %v", err)
	}
	if q != "rate(errors_total[5m]) > 1" {
		t.Fatalf("unexpected query %q", q)
	}

	// recording rules never match
	if _, err := c.AlertQuery(ctx, "job:errors:rate5m"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}
