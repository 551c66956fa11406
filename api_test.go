package dash2hls

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"m7s.live/dash2hls/pkg/box"
)

const testManifest = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" startNumber="1"
          initialization="$RepresentationID$/init.mp4"
          media="$RepresentationID$/seg-$Number$.m4s">
        <SegmentTimeline><S t="0" d="4" r="1"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>`

func clearSegment() []byte {
	return append(box.Pack(box.TypeSTYP, []byte("msdh")), box.Pack(box.TypeMDAT, []byte("sampledata"))...)
}

func newTestServer(t *testing.T) (*Server, *http.ServeMux, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".mpd"):
			io.WriteString(w, testManifest)
		case strings.HasSuffix(r.URL.Path, "init.mp4"):
			w.Write(box.Pack(box.TypeFTYP, []byte("isom")))
		case strings.HasSuffix(r.URL.Path, ".m4s"):
			w.Write(clearSegment())
		case strings.HasSuffix(r.URL.Path, "/ck-license"):
			io.WriteString(w, `{"keys":[{"kty":"oct","kid":"cmVtb3RlLWtpZAE","k":"cmVtb3RlLWtleQE"}],"type":"persistent"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := NewConfig()
	cfg.Channels = map[string]Channel{
		"test": {
			Manifest: upstream.URL + "/manifest.mpd",
			Keys:     "00112233445566778899aabbccddeeff:ffeeddccbbaa99887766554433221100",
		},
	}
	s := NewServer(cfg)
	s.Context = context.Background()
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	mux := http.NewServeMux()
	for pattern, handler := range s.handlers() {
		mux.HandleFunc(pattern, handler)
	}
	return s, mux, upstream
}

func get(t *testing.T, mux *http.ServeMux, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestMasterEndpoint(t *testing.T) {
	_, mux, _ := newTestServer(t)
	rec := get(t, mux, "/proxy/master/test.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "#EXT-X-STREAM-INF:BANDWIDTH=1000000") {
		t.Errorf("missing variant:\n%s", body)
	}
	if !strings.Contains(body, "/proxy/playlist/test/v1.m3u8?key_id=00112233445566778899aabbccddeeff") {
		t.Errorf("variant uri should carry channel keys:\n%s", body)
	}
}

func TestPlaylistEndpoint(t *testing.T) {
	_, mux, _ := newTestServer(t)
	rec := get(t, mux, "/proxy/playlist/test/v1.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"#EXT-X-MAP:URI=", "#EXTINF:4.000,", "/proxy/seg/test?u=", "#EXT-X-ENDLIST"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q:\n%s", want, body)
		}
	}
	if rec := get(t, mux, "/proxy/playlist/test/nosuch.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown representation: status = %d", rec.Code)
	}
}

func TestMasterManifestOverride(t *testing.T) {
	_, mux, upstream := newTestServer(t)
	alt := upstream.URL + "/alt/manifest.mpd"
	rec := get(t, mux, "/proxy/master/test.m3u8?u="+url.QueryEscape(alt))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "/proxy/playlist/test/v1.m3u8?u="+url.QueryEscape(alt)) {
		t.Errorf("variant uri should carry the manifest override:\n%s", rec.Body)
	}
}

func TestQueryOnlyChannel(t *testing.T) {
	_, mux, upstream := newTestServer(t)
	alt := upstream.URL + "/alt/manifest.mpd"
	rec := get(t, mux, "/proxy/playlist/adhoc/v1.m3u8?u="+url.QueryEscape(alt))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "#EXTINF:4.000,") {
		t.Errorf("playlist body:\n%s", rec.Body)
	}
}

func TestSegmentEndpoint(t *testing.T) {
	_, mux, upstream := newTestServer(t)
	segURL := upstream.URL + "/v1/seg-1.m4s"
	initURL := upstream.URL + "/v1/init.mp4"
	rec := get(t, mux, "/proxy/seg/test?u="+segURL+"&init="+initURL)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("content type = %s", ct)
	}
	// clear content passes through unchanged, minus the init boxes
	if !bytes.Equal(rec.Body.Bytes(), clearSegment()) {
		t.Errorf("body = %x", rec.Body.Bytes())
	}
}

func TestSegmentMissingParam(t *testing.T) {
	_, mux, _ := newTestServer(t)
	if rec := get(t, mux, "/proxy/seg/test"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUnknownChannel(t *testing.T) {
	_, mux, _ := newTestServer(t)
	if rec := get(t, mux, "/proxy/master/nope.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestClearKeyLicense(t *testing.T) {
	_, mux, _ := newTestServer(t)
	rec := get(t, mux, "/license/test?system=clearkey")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			K   string `json:"k"`
		} `json:"keys"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "temporary" || len(resp.Keys) != 1 || resp.Keys[0].Kty != "oct" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Keys[0].Kid != "ABEiM0RVZneImaq7zN3u_w" {
		t.Errorf("kid = %s", resp.Keys[0].Kid)
	}
}

func TestClearKeyLicenseForwarded(t *testing.T) {
	s, mux, upstream := newTestServer(t)
	s.config.Channels["remote"] = Channel{ClearKeyLicense: upstream.URL + "/ck-license"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/license/remote?system=clearkey",
		strings.NewReader(`{"kids":["ABEiM0RVZneImaq7zN3u_w"]}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"type":"persistent"`) {
		t.Errorf("expected the remote response verbatim:\n%s", rec.Body)
	}
}

func TestInfoEndpoint(t *testing.T) {
	_, mux, _ := newTestServer(t)
	rec := get(t, mux, "/api/info")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Version  string   `json:"version"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version == "" || len(resp.Channels) != 1 || resp.Channels[0] != "test" {
		t.Errorf("response = %+v", resp)
	}
}
