package consul

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
)

// fakeAgent serves the subset of the Consul HTTP API used by this package.
type fakeAgent struct {
	mu       sync.Mutex
	nextID   int
	node     string
	sessions map[string]*api.SessionEntry
	kv       map[string]*api.KVPair
	services map[string]*api.AgentServiceRegistration
	calls    map[string]int
	down     bool
	// requests under stall never get an answer
	stall string
}

func newFakeAgent(t *testing.T, node string) (*fakeAgent, *httptest.Server) {
	f := &fakeAgent{
		node:     node,
		sessions: map[string]*api.SessionEntry{},
		kv:       map[string]*api.KVPair{},
		services: map[string]*api.AgentServiceRegistration{},
		calls:    map[string]int{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAgent) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAgent) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeAgent) hangOn(prefix string) {
	f.mu.Lock()
	f.stall = prefix
	f.mu.Unlock()
}

func (f *fakeAgent) dropSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	for _, p := range f.kv {
		if p.Session == id {
			p.Session = ""
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall != "" && strings.HasPrefix(r.URL.Path, stall) {
		<-r.Context().Done()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	if f.down {
		http.Error(w, "agent unavailable", http.StatusInternalServerError)
		return
	}

	p := r.URL.Path
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)

	switch {
	case p == "/v1/agent/self":
		writeJSON(w, map[string]map[string]interface{}{"Config": {"NodeName": f.node}})

	case p == "/v1/session/create":
		f.calls["session.create"]++
		var entry api.SessionEntry
		json.Unmarshal(body, &entry)
		f.nextID++
		entry.ID = fmt.Sprintf("session-%d", f.nextID)
		if entry.Node == "" {
			entry.Node = f.node
		}
		f.sessions[entry.ID] = &entry
		writeJSON(w, map[string]string{"ID": entry.ID})

	case strings.HasPrefix(p, "/v1/session/node/"):
		node := strings.TrimPrefix(p, "/v1/session/node/")
		out := []*api.SessionEntry{}
		for _, s := range f.sessions {
			if s.Node == node {
				out = append(out, s)
			}
		}
		writeJSON(w, out)

	case strings.HasPrefix(p, "/v1/session/renew/"):
		f.calls["session.renew"]++
		s, ok := f.sessions[strings.TrimPrefix(p, "/v1/session/renew/")]
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, []*api.SessionEntry{s})

	case strings.HasPrefix(p, "/v1/session/info/"):
		s, ok := f.sessions[strings.TrimPrefix(p, "/v1/session/info/")]
		if !ok {
			writeJSON(w, []*api.SessionEntry{})
			return
		}
		writeJSON(w, []*api.SessionEntry{s})

	case strings.HasPrefix(p, "/v1/session/destroy/"):
		f.calls["session.destroy"]++
		id := strings.TrimPrefix(p, "/v1/session/destroy/")
		delete(f.sessions, id)
		for _, kv := range f.kv {
			if kv.Session == id {
				kv.Session = ""
			}
		}
		writeJSON(w, true)

	case strings.HasPrefix(p, "/v1/kv/"):
		f.serveKV(w, r.Method, strings.TrimPrefix(p, "/v1/kv/"), q.Get("acquire"), q.Get("release"), body)

	case p == "/v1/agent/service/register":
		f.calls["service.register"]++
		var reg api.AgentServiceRegistration
		json.Unmarshal(body, &reg)
		f.services[reg.ID] = &reg
		w.WriteHeader(http.StatusOK)

	case strings.HasPrefix(p, "/v1/agent/service/deregister/"):
		f.calls["service.deregister"]++
		delete(f.services, strings.TrimPrefix(p, "/v1/agent/service/deregister/"))
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAgent) serveKV(w http.ResponseWriter, method, key, acquire, release string, body []byte) {
	switch method {
	case http.MethodGet:
		pair, ok := f.kv[key]
		if !ok {
			http.NotFound(w, nil)
			return
		}
		writeJSON(w, []*api.KVPair{pair})

	case http.MethodPut:
		pair, ok := f.kv[key]
		if !ok {
			pair = &api.KVPair{Key: key}
		}
		switch {
		case acquire != "":
			f.calls["kv.acquire"]++
			if _, live := f.sessions[acquire]; !live || (pair.Session != "" && pair.Session != acquire) {
				writeJSON(w, false)
				return
			}
			pair.Session = acquire
		case release != "":
			if pair.Session != release {
				writeJSON(w, false)
				return
			}
			pair.Session = ""
		}
		pair.Value = body
		f.kv[key] = pair
		writeJSON(w, true)
	}
}
