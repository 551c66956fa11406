package hls

import (
	"strconv"
	"strings"
	"testing"

	"m7s.live/dash2hls/pkg/mpd"
)

var testParams = Params{
	ProxyBase: "http://127.0.0.1:8080",
	Channel:   "sports1",
	KeyIDs:    "00112233445566778899aabbccddeeff",
	Keys:      "ffeeddccbbaa99887766554433221100",
}

func videoRep(id string, bandwidth uint32) mpd.Representation {
	return mpd.Representation{
		ID: id, IsVideo: true, Bandwidth: bandwidth,
		Codecs: "avc1.64001f", Width: 1280, Height: 720,
		InitURL: "https://cdn.example.com/" + id + "/init.mp4",
		Segments: []mpd.Segment{
			{URL: "https://cdn.example.com/" + id + "/1.m4s", Duration: 4, Number: 1},
			{URL: "https://cdn.example.com/" + id + "/2.m4s", Duration: 3.2, Number: 2},
		},
	}
}

func audioRep(id, lang string) mpd.Representation {
	return mpd.Representation{
		ID: id, IsAudio: true, Bandwidth: 128000, Codecs: "mp4a.40.2", Language: lang,
		InitURL:  "https://cdn.example.com/" + id + "/init.mp4",
		Segments: []mpd.Segment{{URL: "https://cdn.example.com/" + id + "/1.m4s", Duration: 4, Number: 1}},
	}
}

func TestMasterBandwidthOrdering(t *testing.T) {
	reps := []mpd.Representation{
		videoRep("v-low", 500000),
		videoRep("v-high", 3000000),
		videoRep("v-mid", 1500000),
	}
	out := Master(testParams, reps)
	var bandwidths []int
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		for _, attr := range strings.Split(line[len("#EXT-X-STREAM-INF:"):], ",") {
			if v, ok := strings.CutPrefix(attr, "BANDWIDTH="); ok {
				n, _ := strconv.Atoi(v)
				bandwidths = append(bandwidths, n)
			}
		}
	}
	if len(bandwidths) != 3 {
		t.Fatalf("variants = %d", len(bandwidths))
	}
	for i := 1; i < len(bandwidths); i++ {
		if bandwidths[i] > bandwidths[i-1] {
			t.Errorf("bandwidths not descending: %v", bandwidths)
		}
	}
}

func TestMasterAudioRenditions(t *testing.T) {
	out := Master(testParams, []mpd.Representation{
		audioRep("a-en", "en"),
		audioRep("a-de", "de"),
		videoRep("v1", 1000000),
	})
	lines := strings.Split(out, "\n")
	if lines[0] != "#EXTM3U" || lines[1] != "#EXT-X-VERSION:6" {
		t.Fatalf("header = %q %q", lines[0], lines[1])
	}
	var media []string
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-MEDIA:") {
			media = append(media, l)
		}
	}
	if len(media) != 2 {
		t.Fatalf("media lines = %d", len(media))
	}
	if !strings.Contains(media[0], "DEFAULT=YES") || !strings.Contains(media[0], `LANGUAGE="en"`) {
		t.Errorf("first rendition: %s", media[0])
	}
	if !strings.Contains(media[1], "DEFAULT=NO") {
		t.Errorf("second rendition: %s", media[1])
	}
	if !strings.Contains(out, `AUDIO="audio"`) {
		t.Error("variant should reference the audio group")
	}
	if !strings.Contains(out, `CODECS="avc1.64001f,mp4a.40.2"`) {
		t.Errorf("combined codecs missing:\n%s", out)
	}
	if !strings.Contains(out, "/proxy/playlist/sports1/v1.m3u8?key_id=00112233445566778899aabbccddeeff&key=") {
		t.Errorf("variant uri missing key params:\n%s", out)
	}
}

func TestMasterManifestParam(t *testing.T) {
	p := testParams
	p.Manifest = "https://cdn.example.com/live/manifest.mpd"
	out := Master(p, []mpd.Representation{videoRep("v1", 1000000)})
	want := "/proxy/playlist/sports1/v1.m3u8?u=https%3A%2F%2Fcdn.example.com%2Flive%2Fmanifest.mpd&key_id="
	if !strings.Contains(out, want) {
		t.Errorf("variant uri should carry the manifest override:\n%s", out)
	}
}

func TestMasterAudioOnlyFallback(t *testing.T) {
	out := Master(testParams, []mpd.Representation{audioRep("a1", "")})
	if !strings.Contains(out, "#EXT-X-STREAM-INF:BANDWIDTH=128000") {
		t.Errorf("audio-only master needs a fallback variant:\n%s", out)
	}
}

func TestMediaPlaylist(t *testing.T) {
	out := Media(testParams, videoRep("v1", 1000000), false)
	checks := []string{
		"#EXT-X-VERSION:6",
		"#EXT-X-TARGETDURATION:5", // ceil(4)+1
		"#EXT-X-MEDIA-SEQUENCE:1",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		`#EXT-X-MAP:URI="http://127.0.0.1:8080/proxy/init/sports1?u=https%3A%2F%2Fcdn.example.com%2Fv1%2Finit.mp4&key_id=`,
		"#EXTINF:4.000,",
		"#EXTINF:3.200,",
		"/proxy/seg/sports1?u=https%3A%2F%2Fcdn.example.com%2Fv1%2F1.m4s&init=https%3A%2F%2Fcdn.example.com%2Fv1%2Finit.mp4&key_id=",
		"#EXT-X-ENDLIST",
	}
	for _, want := range checks {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMediaPlaylistLive(t *testing.T) {
	out := Media(testParams, videoRep("v1", 1000000), true)
	if strings.Contains(out, "ENDLIST") || strings.Contains(out, "PLAYLIST-TYPE") {
		t.Errorf("live playlist must omit VOD markers:\n%s", out)
	}
}

func TestMediaPlaylistNoKeys(t *testing.T) {
	p := Params{ProxyBase: "http://127.0.0.1:8080", Channel: "free"}
	out := Media(p, videoRep("v1", 1), false)
	if strings.Contains(out, "key_id=") {
		t.Errorf("keyless channel should not carry key params:\n%s", out)
	}
}

func TestMediaPlaylistDefaults(t *testing.T) {
	r := mpd.Representation{ID: "x", IsVideo: true}
	out := Media(testParams, r, false)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:10") {
		t.Errorf("empty rendition should fall back to 10:\n%s", out)
	}
}
