package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/dudu/facepreview/internal/frame"
	"github.com/dudu/facepreview/internal/geometry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JPEGEncoder is implemented by frame images that can serialise themselves
// for the remote detector.
type JPEGEncoder interface {
	EncodeJPEG() ([]byte, error)
}

type remoteRequest struct {
	Seq      uint64 `json:"seq"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Rotation int    `json:"rotation"`
	Image    string `json:"image"`
}

type remoteFace struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
	Score  float32 `json:"score"`
}

type remoteResponse struct {
	Seq   uint64       `json:"seq"`
	Faces []remoteFace `json:"faces"`
	Error string       `json:"error,omitempty"`
}

// RemoteConfig configures the websocket detection client
type RemoteConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	Logger           *logrus.Entry
}

// Remote is a Backend that sends frames to an external detection service
// over a websocket. Detect must not be called concurrently; a broken
// connection is dropped and re-dialled on the next request.
type Remote struct {
	cfg  RemoteConfig
	log  *logrus.Entry
	conn *websocket.Conn
	stop chan struct{} // closed when conn is dropped
	mu   sync.Mutex
	seq  uint64
}

// NewRemote creates a remote backend. Nothing is dialled until Warmup or the
// first Detect.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Remote{cfg: cfg, log: cfg.Logger.WithField("url", cfg.URL)}
}

// Warmup dials the service
func (r *Remote) Warmup(ctx context.Context) error {
	_, err := r.connection(ctx)
	return err
}

// Connected reports whether a connection is currently open
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Remote) connection(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return r.conn, nil
	}
	if r.cfg.URL == "" {
		return nil, errors.New("remote detector URL not configured")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = r.cfg.HandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", r.cfg.URL, err)
	}
	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(r.cfg.WriteTimeout))
		if err != nil {
			r.log.WithField("error", err.Error()).Debug("error sending pong")
		}
		return nil
	})

	r.conn = conn
	r.stop = make(chan struct{})
	go r.keepAlive(conn, r.stop)

	r.log.Info("connected to detection service")
	return conn, nil
}

// drop closes conn if it is still the current connection
func (r *Remote) drop(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(conn)
}

func (r *Remote) dropLocked(conn *websocket.Conn) {
	if r.conn != conn || conn == nil {
		return
	}
	close(r.stop)
	r.conn.Close()
	r.conn = nil
	r.stop = nil
}

func (r *Remote) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout))
			if err != nil {
				r.log.WithField("error", err.Error()).Warn("ping failed, marking connection as dead")
				r.drop(conn)
				return
			}
		}
	}
}

// Detect sends one frame and waits for its faces. The context deadline, when
// earlier than the configured timeouts, bounds both the write and the read.
func (r *Remote) Detect(ctx context.Context, f *frame.Frame) ([]geometry.Region, error) {
	enc, ok := f.Image.(JPEGEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot be encoded as JPEG", ErrUnsupportedImage, f.Image)
	}
	jpeg, err := enc.EncodeJPEG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	r.seq++
	req := remoteRequest{
		Seq:      r.seq,
		Width:    f.Width,
		Height:   f.Height,
		Rotation: f.Rotation,
		Image:    base64.StdEncoding.EncodeToString(jpeg),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	conn.SetWriteDeadline(deadline(ctx, r.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		r.drop(conn)
		return nil, fmt.Errorf("error sending frame: %w", err)
	}

	conn.SetReadDeadline(deadline(ctx, r.cfg.ReadTimeout))
	unblock := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	_, message, err := conn.ReadMessage()
	unblock()
	if err != nil {
		r.drop(conn)
		if cerr := contextErr(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	var resp remoteResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		r.drop(conn)
		return nil, fmt.Errorf("error unmarshaling response: %w", err)
	}
	if resp.Seq != req.Seq {
		r.drop(conn)
		return nil, fmt.Errorf("response for request %d, expected %d", resp.Seq, req.Seq)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detection service: %s", resp.Error)
	}

	regions := make([]geometry.Region, len(resp.Faces))
	for i, face := range resp.Faces {
		regions[i] = geometry.Region{
			Left:   face.Left,
			Top:    face.Top,
			Right:  face.Right,
			Bottom: face.Bottom,
			Score:  face.Score,
			Space:  geometry.SourceSpace,
		}
	}
	return regions, nil
}

// Close closes the connection
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(r.conn)
	return nil
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// contextErr is ctx.Err, also reporting a deadline that has passed but whose
// timer has not fired yet
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}
