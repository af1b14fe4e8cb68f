package ws

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/dudu/facepreview/internal/geometry"
	"github.com/dudu/facepreview/internal/overlay"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OverlayMessage is broadcast to every client on each overlay publish
type OverlayMessage struct {
	Version     uint64            `json:"version"`
	FrameSeq    uint64            `json:"frame_seq"`
	PublishedAt time.Time         `json:"published_at"`
	Viewport    geometry.Viewport `json:"viewport"`
	Faces       []Face            `json:"faces"`
}

// Face is one display-space rectangle
type Face struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
	Score  float32 `json:"score"`
}

// NewOverlayMessage converts an overlay snapshot
func NewOverlayMessage(snap overlay.Snapshot) *OverlayMessage {
	faces := make([]Face, len(snap.Regions))
	for i, r := range snap.Regions {
		faces[i] = Face{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom, Score: r.Score}
	}
	return &OverlayMessage{
		Version:     snap.Version,
		FrameSeq:    snap.FrameSeq,
		PublishedAt: snap.PublishedAt,
		Viewport:    snap.Viewport,
		Faces:       faces,
	}
}
