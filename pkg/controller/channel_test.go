package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// fakeStream stands in for the websocket notification stream.
type fakeStream struct {
	events chan api.Event
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan api.Event, 16)}
}

func (s *fakeStream) ReadJSON(v interface{}) error {
	event, ok := <-s.events
	if !ok {
		return errors.New("stream closed")
	}
	*(v.(*api.Event)) = event
	return nil
}

func (s *fakeStream) Close() error { return nil }

func (s *fakeStream) send(action string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	s.events <- api.Event{Action: action, Event: raw}
}

func capabilitiesHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.Capabilities{
			Version:   version,
			NodeTypes: []string{"qemu"},
		})
	}
}

func channelFor(t *testing.T, ts *httptest.Server, controllerVersion string) *Channel {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	ch, err := NewChannel(ChannelConfig{
		Host:              u.Hostname(),
		Port:              port,
		ControllerVersion: controllerVersion,
	}, observability.NewEventBus(0, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestConnectHandshake(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("3.0.0"))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }

	require.NoError(t, ch.Connect(context.Background()))
	assert.True(t, ch.Connected())
	assert.Zero(t, ch.Failures())

	caps := ch.Capabilities()
	require.NotNil(t, caps)
	assert.Equal(t, "3.0.0", caps.Version)
	assert.Equal(t, []string{"qemu"}, caps.NodeTypes)
}

func TestConcurrentConnectsShareOneHandshake(t *testing.T) {
	// A slow capability handler keeps the first handshake in flight long
	// enough for the second caller to arrive.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		capabilitiesHandler("3.0.0")(w, r)
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	var dials atomic.Int64
	ch.dialWS = func(url string, header http.Header) (wsConn, error) {
		dials.Add(1)
		return newFakeStream(), nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ch.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, dials.Load(), "both callers ride the same stream dial")
	assert.True(t, ch.Connected())
	assert.Zero(t, ch.Failures())
}

func TestConcurrentConnectsShareOneFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ch.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	require.Error(t, errs[0])
	require.Error(t, errs[1])
	assert.Equal(t, 1, ch.Failures(), "a coalesced handshake counts one strike, not two")
}

func TestConnectRefusesVersionMismatch(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("1.42.4"))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	ch.dialWS = func(url string, header http.Header) (wsConn, error) {
		t.Fatal("stream must not be dialed after a refused handshake")
		return nil, nil
	}

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, rpcerr.IsVersionMismatchError(err))
	assert.False(t, ch.Connected())
	// A mismatch is fatal, not a strike: no retry, no counter.
	assert.Zero(t, ch.Failures())
}

func TestConnectRefusesNonAgent(t *testing.T) {
	// A web server that happens to answer with JSON but reports no version.
	ts := httptest.NewServer(capabilitiesHandler(""))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrNotAnAgent))
	assert.False(t, ch.Connected())
}

func TestConnectToleratesDevPatchSkew(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("3.0.1-dev"))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }

	require.NoError(t, ch.Connect(context.Background()))
	assert.True(t, ch.Connected())
}

func TestFiveStrikesClosesProjects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	var struckOut int
	ch.onStrikeOut = func(*Channel) { struckOut++ }

	for i := 1; i <= maxConsecutiveFailures; i++ {
		err := ch.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, i, ch.Failures())
	}
	assert.Equal(t, 1, struckOut, "strike-out fires exactly once, at the budget")
}

func TestFailureCounterResetsOnlyOnSuccess(t *testing.T) {
	var healthy atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		capabilitiesHandler("3.0.0")(w, r)
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }

	for i := 0; i < 3; i++ {
		require.Error(t, ch.Connect(context.Background()))
	}
	require.Equal(t, 3, ch.Failures())

	healthy.Store(true)
	require.NoError(t, ch.Connect(context.Background()))
	assert.Zero(t, ch.Failures())
}

func TestConnectAfterCloseRefused(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("3.0.0"))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	ch.Close()

	err := ch.Connect(context.Background())
	assert.True(t, errors.Is(err, rpcerr.ErrChannelClosed))
}

func TestPingEventUpdatesHostLoad(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("3.0.0"))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }
	require.NoError(t, ch.Connect(context.Background()))

	stream.send(api.ActionPing, api.PingEvent{CPUUsagePercent: 42.5, MemoryUsagePercent: 61.0})

	require.Eventually(t, func() bool {
		cpu, _ := ch.HostLoad()
		return cpu == 42.5
	}, time.Second, 10*time.Millisecond)
	_, memory := ch.HostLoad()
	assert.Equal(t, 61.0, memory)
}

func TestEventsForUnknownProjectsDropped(t *testing.T) {
	ts := httptest.NewServer(capabilitiesHandler("3.0.0"))
	defer ts.Close()

	bus := observability.NewEventBus(0, zap.NewNop())
	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())
	ch, err := NewChannel(ChannelConfig{
		Host:              u.Hostname(),
		Port:              port,
		ControllerVersion: "3.0.0",
	}, bus, zap.NewNop())
	require.NoError(t, err)
	defer ch.Close()

	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }
	ch.knownProject = func(id string) bool { return id == "known" }
	require.NoError(t, ch.Connect(context.Background()))

	watcher := bus.Watch()
	defer bus.Unwatch(watcher)

	stream.send(api.ActionNodeStarted, map[string]string{"project_id": "ghost"})
	stream.send(api.ActionNodeStarted, map[string]string{"project_id": "known"})

	select {
	case event := <-watcher:
		assert.Equal(t, "known", event.ProjectID)
		assert.Equal(t, ch.ID(), event.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected the known-project event to be forwarded")
	}
	select {
	case event := <-watcher:
		t.Fatalf("unexpected extra event forwarded: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestMapsAgentErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/capabilities" {
			capabilitiesHandler("3.0.0")(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorBody{
			Message: "image vios.qcow2 is missing",
			Status:  http.StatusConflict,
			Reason:  api.ReasonMissingImage,
			Image:   "vios.qcow2",
		})
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }

	err := ch.Request(context.Background(), "POST", "/projects/p1/qemu/nodes", api.NodeRequest{Name: "R1"}, nil)
	require.Error(t, err)
	image, ok := rpcerr.MissingImage(err)
	require.True(t, ok)
	assert.Equal(t, "vios.qcow2", image)
}

func TestRequestConnectsFirst(t *testing.T) {
	var sawCapabilities atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/capabilities" {
			sawCapabilities.Store(true)
			capabilitiesHandler("3.0.0")(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ProjectResponse{ID: "p1", Name: "lab"})
	}))
	defer ts.Close()

	ch := channelFor(t, ts, "3.0.0")
	stream := newFakeStream()
	ch.dialWS = func(url string, header http.Header) (wsConn, error) { return stream, nil }

	var out api.ProjectResponse
	require.NoError(t, ch.Request(context.Background(), "POST", "/projects", api.ProjectRequest{Name: "lab"}, &out))
	assert.True(t, sawCapabilities.Load(), "the first request performs the handshake")
	assert.Equal(t, "p1", out.ID)
}

func TestAddrFormatting(t *testing.T) {
	ch, err := NewChannel(ChannelConfig{
		Host:              "agent1.lab",
		Port:              8008,
		ControllerVersion: "3.0.0",
	}, nil, zap.NewNop())
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, net.JoinHostPort("agent1.lab", "8008"), ch.Addr())
}
