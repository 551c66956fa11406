package dash2hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// fetch retrieves one upstream resource. byteRange, when set, is a
// "start-end" value for single-file (SegmentBase) streams.
func (s *Server) fetch(ctx context.Context, rawURL string, ch Channel, byteRange string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	if byteRange != "" {
		req.Header.Set("Range", "bytes="+byteRange)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: upstream status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fetchInit returns the raw upstream init segment, cached per URL.
func (s *Server) fetchInit(ctx context.Context, rawURL string, ch Channel, byteRange string) ([]byte, error) {
	key := rawURL + "#" + byteRange
	if cached, ok := s.initCache.Load(key); ok {
		return cached.([]byte), nil
	}
	data, err := s.fetch(ctx, rawURL, ch, byteRange)
	if err != nil {
		return nil, err
	}
	s.initCache.Store(key, data)
	return data, nil
}
