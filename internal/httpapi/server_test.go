package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/observability"
	"github.com/emmett/parlo/internal/practice"
)

type fakePractice struct {
	mu       sync.Mutex
	active   bool
	view     View
	commands []Command
	messages []ClientMessage
	reject   error
}

func (f *fakePractice) View() (View, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.active
}

func (f *fakePractice) Apply(_ context.Context, msg ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, msg.Command)
	f.messages = append(f.messages, msg)
	if f.reject != nil {
		return f.reject
	}
	switch msg.Command {
	case CommandStart:
		f.view.Session = &SessionView{ID: "s-1", State: "recording"}
	case CommandCancel:
		if f.view.Session != nil {
			f.view.Session = &SessionView{ID: f.view.Session.ID, State: "idle"}
		}
	}
	return nil
}

func (f *fakePractice) Messages() []ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ClientMessage(nil), f.messages...)
}

func (f *fakePractice) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

func newTestServer(t *testing.T, p Practice) *httptest.Server {
	t.Helper()
	catalog, err := curriculum.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	srv := New(Options{
		Catalog:         catalog,
		Practice:        p,
		Metrics:         observability.NewMetrics(nil),
		RefreshInterval: 5 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakePractice{active: true})

	var body map[string]any
	if status := getJSON(t, ts.URL+"/healthz", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" || body["practice_active"] != true {
		t.Fatalf("body = %+v", body)
	}
}

func TestListAndGetLessons(t *testing.T) {
	ts := newTestServer(t, nil)

	var lessons []lessonSummary
	if status := getJSON(t, ts.URL+"/v1/lessons", &lessons); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(lessons) == 0 {
		t.Fatal("expected the built-in lessons")
	}
	found := false
	for _, l := range lessons {
		if l.ID == "cafe-order" {
			found = true
			if l.Kind != curriculum.KindRoleplay || l.Steps != 3 {
				t.Fatalf("cafe-order summary = %+v", l)
			}
		}
	}
	if !found {
		t.Fatal("cafe-order missing from the lesson list")
	}

	var lesson curriculum.Lesson
	if status := getJSON(t, ts.URL+"/v1/lessons/greetings-basics", &lesson); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if lesson.ID != "greetings-basics" || len(lesson.Items) == 0 {
		t.Fatalf("lesson = %+v", lesson)
	}

	var errBody errorResponse
	if status := getJSON(t, ts.URL+"/v1/lessons/unknown", &errBody); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if errBody.Code != "lesson_not_found" {
		t.Fatalf("code = %q", errBody.Code)
	}
}

func TestPracticeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	if status := getJSON(t, ts.URL+"/v1/practice", nil); status != http.StatusNotImplemented {
		t.Fatalf("status without runner = %d, want 501", status)
	}

	p := &fakePractice{}
	ts = newTestServer(t, p)
	if status := getJSON(t, ts.URL+"/v1/practice", nil); status != http.StatusNotFound {
		t.Fatalf("status while idle = %d, want 404", status)
	}

	p.mu.Lock()
	p.active = true
	p.view = View{LessonID: "greetings-basics", Screen: flow.ScreenIntro, Progress: 50}
	p.mu.Unlock()
	var view View
	if status := getJSON(t, ts.URL+"/v1/practice", &view); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if view.LessonID != "greetings-basics" || view.Progress != 50 {
		t.Fatalf("view = %+v", view)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "parlo_active_recordings") {
		t.Fatalf("status = %d body = %s", res.StatusCode, body)
	}
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/practice/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestPracticeWebsocketStreamsSnapshots(t *testing.T) {
	p := &fakePractice{active: true, view: View{LessonID: "greetings-basics", Screen: flow.ScreenPracticeExample}}
	ts := newTestServer(t, p)

	conn, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	first := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeSnapshot })
	if first.View == nil || first.View.LessonID != "greetings-basics" {
		t.Fatalf("first snapshot = %+v", first)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "command", Command: CommandStart}); err != nil {
		t.Fatal(err)
	}
	// The ack and the refreshed snapshot may arrive in either order
	var acked bool
	var session *SessionView
	readUntil(t, conn, func(m ServerMessage) bool {
		switch {
		case m.Type == TypeAck && m.Command == CommandStart:
			acked = true
		case m.Type == TypeSnapshot && m.View.Session != nil:
			session = m.View.Session
		}
		return acked && session != nil
	})
	if session.State != "recording" {
		t.Fatalf("session view = %+v", session)
	}
	if got := p.Commands(); len(got) != 1 || got[0] != CommandStart {
		t.Fatalf("commands = %v", got)
	}
}

// waitForCommands polls until the practice saw n commands
func waitForCommands(t *testing.T, p *fakePractice, n int) []Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := p.Commands()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPracticeWebsocketCancelsRecordingOnDisconnect(t *testing.T) {
	p := &fakePractice{active: true, view: View{LessonID: "greetings-basics", Screen: flow.ScreenPracticeExample}}
	ts := newTestServer(t, p)

	conn, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.WriteJSON(ClientMessage{Type: "command", Command: CommandStart}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeAck })
	conn.Close()

	got := waitForCommands(t, p, 2)
	if len(got) != 2 || got[1] != CommandCancel {
		t.Fatalf("commands = %v, want start then cancel", got)
	}
	if view, _ := p.View(); view.Session.State != "idle" {
		t.Fatalf("session after disconnect = %+v", view.Session)
	}
}

func TestPracticeWebsocketLeavesOtherRecordings(t *testing.T) {
	p := &fakePractice{active: true, view: View{
		LessonID: "greetings-basics",
		Screen:   flow.ScreenPracticeExample,
		Session:  &SessionView{ID: "console", State: "recording"},
	}}
	ts := newTestServer(t, p)

	conn, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeSnapshot })
	conn.Close()

	// A later client observes the recording still running
	conn, _, err = dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeSnapshot })
	if got := p.Commands(); len(got) != 0 {
		t.Fatalf("commands = %v, a client that started nothing must cancel nothing", got)
	}
}

func TestPracticeWebsocketJumpAndReply(t *testing.T) {
	p := &fakePractice{active: true, view: View{LessonID: "greetings-basics", Screen: flow.ScreenPracticeExample}}
	ts := newTestServer(t, p)

	conn, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	for _, raw := range []string{
		`{"type":"command","command":"jump","step":2}`,
		`{"type":"command","command":"reply","text":"  good morning "}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeAck })
	}

	got := p.Messages()
	if len(got) != 2 {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].Command != CommandJump || got[0].Step != 2 {
		t.Fatalf("jump message = %+v", got[0])
	}
	if got[1].Command != CommandReply || got[1].Text != "good morning" {
		t.Fatalf("reply message = %+v", got[1])
	}
}

func TestPracticeWebsocketReportsErrors(t *testing.T) {
	p := &fakePractice{active: true, reject: fmt.Errorf("submit: %w", practice.ErrInvalidState)}
	ts := newTestServer(t, p)

	conn, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"shout"}`)); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeError })
	if msg.Code != "invalid_client_message" {
		t.Fatalf("code = %q, want invalid_client_message", msg.Code)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "command", Command: CommandSubmit}); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeError })
	if msg.Code != "invalid_state" {
		t.Fatalf("code = %q, want invalid_state", msg.Code)
	}
}

func TestPracticeWebsocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, &fakePractice{})
	header := http.Header{}
	header.Set("Origin", "https://evil.example")

	_, res, err := dial(t, ts, header)
	if err == nil {
		t.Fatal("Dial() expected error for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", res)
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", nil, true},
		{"http://localhost:8080", nil, true},
		{"https://app.test", []string{"https://app.test"}, true},
		{"https://other.test", []string{"https://app.test"}, false},
		{"https://other.test", []string{"*"}, true},
		{"file://x", nil, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://localhost:8080/v1/practice/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := originAllowed(r, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"command","command":" Stop "}`))
	if err != nil || msg.Command != CommandStop {
		t.Fatalf("ParseClientMessage() = %+v, %v", msg, err)
	}
	for _, raw := range []string{
		`not json`,
		`{"type":"command","command":"dance"}`,
		`{"type":"hello"}`,
		`{"type":"command","command":"jump"}`,
		`{"type":"command","command":"jump","step":0}`,
		`{"type":"command","command":"reply","text":"   "}`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Errorf("ParseClientMessage(%s) expected error", raw)
		}
	}
}

func TestNewSessionViewLevelsAreNumbers(t *testing.T) {
	v := NewSessionView(practice.Snapshot{ID: "s", State: practice.StateStopped, Levels: []uint8{0, 128, 255}})
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"levels":[0,128,255]`) || !strings.Contains(string(data), `"state":"stopped"`) {
		t.Fatalf("json = %s", data)
	}
}

type openingPractice struct {
	fakePractice
	opened []string
}

func (o *openingPractice) Open(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
	o.active = true
	o.view = View{LessonID: id, Screen: flow.ScreenIntro}
	return nil
}

func TestOpenPractice(t *testing.T) {
	p := &openingPractice{}
	ts := newTestServer(t, p)

	res, err := http.Post(ts.URL+"/v1/practice", "application/json", strings.NewReader(`{"lesson_id":"greetings-basics"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}
	var view View
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.LessonID != "greetings-basics" || len(p.opened) != 1 {
		t.Fatalf("view = %+v opened = %v", view, p.opened)
	}
}

func TestOpenPracticeErrors(t *testing.T) {
	ts := newTestServer(t, &openingPractice{})
	cases := []struct {
		body string
		want int
	}{
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"lesson_id":"klingon-basics"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		res, err := http.Post(ts.URL+"/v1/practice", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Errorf("POST %s status = %d, want %d", tc.body, res.StatusCode, tc.want)
		}
	}

	plain := newTestServer(t, &fakePractice{})
	res, err := http.Post(plain.URL+"/v1/practice", "application/json", strings.NewReader(`{"lesson_id":"greetings-basics"}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 for a runner that cannot open lessons", res.StatusCode)
	}
}

func TestHealthDegraded(t *testing.T) {
	catalog, _ := curriculum.Default()
	srv := New(Options{
		Catalog: catalog,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Health:  func(context.Context) error { return fmt.Errorf("progress: connection refused") },
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body map[string]any
	if status := getJSON(t, ts.URL+"/healthz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if body["status"] != "degraded" {
		t.Fatalf("body = %+v", body)
	}
}
