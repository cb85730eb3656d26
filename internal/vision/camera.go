package vision

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// maxPartSize bounds one JPEG part from a camera. ESP32-CAM frames are tens
// of kilobytes; anything beyond this is a corrupt boundary.
const maxPartSize = 8 << 20

// mjpegStream is one open multipart/x-mixed-replace camera stream.
type mjpegStream struct {
	resp *http.Response
	mr   *multipart.Reader
}

// openMJPEG connects to an MJPEG-over-HTTP source and positions the reader
// at the first part. The request is bound to ctx so cancelling it unblocks
// a pending read.
func openMJPEG(ctx context.Context, client *http.Client, source string) (*mjpegStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("vision: build stream request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: open stream %s: %w", source, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("vision: stream %s returned %s", source, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("vision: stream %s content type: %w", source, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("vision: stream %s is not multipart (%s)", source, mediaType)
	}

	return &mjpegStream{
		resp: resp,
		mr:   multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

// next blocks until the camera sends the next part and returns its JPEG
// bytes. The camera's own frame rate paces the loop.
func (s *mjpegStream) next() ([]byte, error) {
	part, err := s.mr.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()

	jpg, err := io.ReadAll(io.LimitReader(part, maxPartSize))
	if err != nil {
		return nil, fmt.Errorf("vision: read frame part: %w", err)
	}
	if len(jpg) == 0 {
		return nil, fmt.Errorf("vision: empty frame part")
	}
	return jpg, nil
}

func (s *mjpegStream) close() {
	s.resp.Body.Close()
}
