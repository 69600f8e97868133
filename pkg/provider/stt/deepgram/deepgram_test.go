package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/qsift/qsift/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate:     16000,
		Channels:       1,
		Language:       "ja",
		InterimResults: true,
		Punctuate:      true,
		EndpointingMs:  1000,
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "ja", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "1000", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
}

func TestBuildURL_UtteranceEndFloor(t *testing.T) {
	// utterance_end_ms has a 1000 ms protocol minimum even when endpointing
	// is configured lower.
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{EndpointingMs: 300})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "endpointing", "300", u.Query().Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1000", u.Query().Get("utterance_end_ms"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "ja", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "ja", u.Query().Get("language"))
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- message parsing tests ----

func TestParseResults(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 0.8,
		"channel": {
			"alternatives": [
				{"transcript": "お名前は何ですか", "confidence": 0.97}
			]
		}
	}`)

	var resp deepgramResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	tr, ok := parseResults(&resp)
	if !ok {
		t.Fatal("parseResults returned false")
	}
	if tr.Text != "お名前は何ですか" {
		t.Errorf("text = %q", tr.Text)
	}
	if !tr.IsFinal {
		t.Error("expected final transcript")
	}
	if tr.Confidence != 0.97 {
		t.Errorf("confidence = %v", tr.Confidence)
	}
	if tr.Timestamp != 1500*time.Millisecond {
		t.Errorf("timestamp = %v", tr.Timestamp)
	}
}

func TestParseResults_NoAlternatives(t *testing.T) {
	resp := &deepgramResponse{Type: "Results"}
	if _, ok := parseResults(resp); ok {
		t.Fatal("expected false for empty alternatives")
	}
}

// ---- live session tests against a mock WebSocket server ----

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server; handler receives the accepted
// connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_FinalsAndUtteranceEnd(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Wait for one audio chunk, then reply with a final and a marker.
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			t.Errorf("expected binary audio frame, got type %v len %d", typ, len(data))
		}

		final := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"どうですか","confidence":0.9}]}}`
		_ = conn.Write(ctx, websocket.MessageText, []byte(final))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"UtteranceEnd"}`))

		// Hold the connection open until the client closes.
		_, _, _ = conn.Read(ctx)
	})

	p, err := New("key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, InterimResults: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Finals():
		if tr.Text != "どうですか" {
			t.Errorf("final text = %q", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	select {
	case <-sess.UtteranceEnds():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance end marker")
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx)
	})

	p, err := New("key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Fatal("expected error sending after Close")
	}
}

func assertEqual(t *testing.T, name, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", name, got, want)
	}
}
