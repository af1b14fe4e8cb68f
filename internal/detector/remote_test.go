package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dudu/facepreview/internal/frame"
)

type jpegImage struct {
	data []byte
}

func (jpegImage) Close() error { return nil }

func (i jpegImage) EncodeJPEG() ([]byte, error) { return i.data, nil }

// detectionServer answers every request with handle(req)
func detectionServer(t *testing.T, handle func(req remoteRequest) (remoteResponse, bool)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req remoteRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				return
			}
			data, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func remoteFrame(rotation int) *frame.Frame {
	return frame.New(jpegImage{data: []byte("jpeg-bytes")}, 640, 480, rotation, nil)
}

func TestRemoteDetect(t *testing.T) {
	requests := make(chan remoteRequest, 1)
	srv, _ := detectionServer(t, func(req remoteRequest) (remoteResponse, bool) {
		requests <- req
		return remoteResponse{
			Seq: req.Seq,
			Faces: []remoteFace{
				{Left: 10, Top: 20, Right: 110, Bottom: 140, Score: 0.93},
				{Left: 300, Top: 40, Right: 380, Bottom: 150, Score: 0.71},
			},
		}, true
	})

	r := NewRemote(RemoteConfig{URL: wsURL(srv)})
	defer r.Close()

	regions, err := r.Detect(context.Background(), remoteFrame(90))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	got := <-requests
	if got.Width != 640 || got.Height != 480 || got.Rotation != 90 {
		t.Errorf("Unexpected request metadata: %+v", got)
	}
	img, err := base64.StdEncoding.DecodeString(got.Image)
	if err != nil || string(img) != "jpeg-bytes" {
		t.Errorf("Expected base64 JPEG payload, got %q (%v)", got.Image, err)
	}

	if len(regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(regions))
	}
	if regions[0].Left != 10 || regions[0].Bottom != 140 || regions[0].Score != 0.93 {
		t.Errorf("Unexpected first region %+v", regions[0])
	}
	if regions[1].Left != 300 {
		t.Errorf("Regions out of order: %+v", regions)
	}
}

func TestRemoteServiceError(t *testing.T) {
	srv, _ := detectionServer(t, func(req remoteRequest) (remoteResponse, bool) {
		return remoteResponse{Seq: req.Seq, Error: "model not loaded"}, true
	})

	r := NewRemote(RemoteConfig{URL: wsURL(srv)})
	defer r.Close()

	_, err := r.Detect(context.Background(), remoteFrame(0))
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("Expected service error, got %v", err)
	}
	if !r.Connected() {
		t.Error("A service-level error must not drop the connection")
	}
}

func TestRemoteUnsupportedImage(t *testing.T) {
	r := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1"})
	_, err := r.Detect(context.Background(), frame.New(nopImage{}, 10, 10, 0, nil))
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("Expected ErrUnsupportedImage, got %v", err)
	}
}

func TestRemoteReconnects(t *testing.T) {
	var calls atomic.Int32
	srv, conns := detectionServer(t, func(req remoteRequest) (remoteResponse, bool) {
		// first connection dies without answering
		if calls.Add(1) == 1 {
			return remoteResponse{}, false
		}
		return remoteResponse{Seq: req.Seq}, true
	})

	r := NewRemote(RemoteConfig{URL: wsURL(srv)})
	defer r.Close()

	if _, err := r.Detect(context.Background(), remoteFrame(0)); err == nil {
		t.Fatal("Expected an error when the server hangs up")
	}
	if r.Connected() {
		t.Error("Broken connection should be dropped")
	}

	if _, err := r.Detect(context.Background(), remoteFrame(0)); err != nil {
		t.Fatalf("Expected reconnect to succeed, got %v", err)
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("Expected 2 connections, got %d", got)
	}
}

func TestRemoteHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv, _ := detectionServer(t, func(req remoteRequest) (remoteResponse, bool) {
		<-release
		return remoteResponse{Seq: req.Seq}, true
	})
	defer close(release)

	r := NewRemote(RemoteConfig{URL: wsURL(srv), ReadTimeout: time.Minute})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Detect(ctx, remoteFrame(0))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Detect ignored the context deadline")
	}
}

func TestRemoteWarmupWithoutURL(t *testing.T) {
	r := NewRemote(RemoteConfig{})
	if err := r.Warmup(context.Background()); err == nil {
		t.Error("Expected warmup to fail without a URL")
	}
}

func TestRemoteThroughAsync(t *testing.T) {
	srv, _ := detectionServer(t, func(req remoteRequest) (remoteResponse, bool) {
		return remoteResponse{Seq: req.Seq, Faces: []remoteFace{{Right: 5, Bottom: 5, Score: 1}}}, true
	})

	d := NewAsync(NewRemote(RemoteConfig{URL: wsURL(srv)}), AsyncConfig{WarmupRetry: 10 * time.Millisecond})
	defer d.Close()
	waitReady(t, d)

	res := receive(t, d.Submit(context.Background(), remoteFrame(0)))
	if res.Err != nil || len(res.Regions) != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
}
