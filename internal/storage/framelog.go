package storage

import (
	"path"
	"time"
)

// FrameRecord is one traced socket frame as written to disk.
type FrameRecord struct {
	Time      time.Time `json:"ts"`
	Server    string    `json:"server"`
	Direction string    `json:"direction"`
	Size      int       `json:"size"`
	Truncated bool      `json:"truncated,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Data      string    `json:"data"`
}

// FrameLog records raw protocol frames as JSON lines under
// frames/<server>/. It implements tvproto.Tracer.
type FrameLog struct {
	writer   *JSONLWriter
	server   string
	maxBytes int
	now      func() time.Time
}

// NewFrameLog returns a tracer for one server variant. Frames larger than
// maxBytes are cut and carry the full frame's hash; zero keeps them whole.
func NewFrameLog(registry *WriterRegistry, server string, maxBytes int) *FrameLog {
	return &FrameLog{
		writer:   registry.GetWriter(path.Join("frames", server)),
		server:   server,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Trace queues the frame. Drops are logged by the writer.
func (l *FrameLog) Trace(direction string, data []byte) {
	body, truncated, size, sum := truncateBytes(data, l.maxBytes)
	_ = l.writer.Write(FrameRecord{
		Time:      l.now().UTC(),
		Server:    l.server,
		Direction: direction,
		Size:      size,
		Truncated: truncated,
		SHA256:    sum,
		Data:      string(body),
	})
}
