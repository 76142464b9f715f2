package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// FrameGrabber opens a camera's capture source.
// Implementations are thin I/O wrappers; everything interesting happens in
// the capture unit.
type FrameGrabber interface {
	// Open connects to the source. The context bounds the open/connect time.
	Open(ctx context.Context, url string) (FrameHandle, error)
}

// FrameHandle is one open connection to a capture source
type FrameHandle interface {
	// ReadFrame reads exactly one frame
	ReadFrame() (*cimg.Image, error)

	Close()
}

// StreamGrabber reads a single frame from an HLS playlist (via ffmpeg) or a
// still-snapshot URL (plain HTTP GET), chosen by the URL shape.
type StreamGrabber struct {
	client *http.Client
}

func NewStreamGrabber() *StreamGrabber {
	return &StreamGrabber{
		client: &http.Client{},
	}
}

func (g *StreamGrabber) Open(ctx context.Context, url string) (FrameHandle, error) {
	if strings.Contains(url, ".m3u8") {
		return &hlsHandle{ctx: ctx, url: url}, nil
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("Snapshot fetch failed: %v", resp.Status)
	}
	return &snapshotHandle{body: resp.Body}, nil
}

// snapshotHandle wraps one HTTP response carrying a still JPEG
type snapshotHandle struct {
	body io.ReadCloser
}

func (h *snapshotHandle) ReadFrame() (*cimg.Image, error) {
	raw, err := io.ReadAll(h.body)
	if err != nil {
		return nil, err
	}
	img, err := cimg.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode snapshot: %w", err)
	}
	return img, nil
}

func (h *snapshotHandle) Close() {
	h.body.Close()
}

// hlsHandle grabs one frame out of an HLS stream with ffmpeg.
// ffmpeg does the playlist/segment legwork; we just decode its single
// JPEG output frame.
type hlsHandle struct {
	ctx context.Context
	url string
}

func (h *hlsHandle) ReadFrame() (*cimg.Image, error) {
	cmd := exec.CommandContext(h.ctx, "ffmpeg",
		"-loglevel", "error",
		"-i", h.url,
		"-frames:v", "1",
		"-f", "image2",
		"-codec:v", "mjpeg",
		"pipe:1")
	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame grab failed: %v (%v)", err, strings.TrimSpace(stderr.String()))
	}
	img, err := cimg.Decompress(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("Failed to decode ffmpeg frame: %w", err)
	}
	return img, nil
}

func (h *hlsHandle) Close() {
}
