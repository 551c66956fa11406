// Package hls renders HLS playlists whose every URI points back at the
// proxy, carrying the upstream URLs and ClearKey material as query
// parameters so segment handling needs no further manifest lookups.
package hls

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"m7s.live/dash2hls/pkg/mpd"
)

// Params identifies the proxy endpoints a playlist should point at.
type Params struct {
	ProxyBase string
	Channel   string
	// manifest URL override, carried through variant URIs so the
	// playlist route resolves the same manifest the master did
	Manifest string
	// comma-separated hex ClearKey material, empty when the channel
	// has no static keys
	KeyIDs string
	Keys   string
}

func (p Params) keyQuery() string {
	if p.KeyIDs == "" {
		return ""
	}
	return "&key_id=" + url.QueryEscape(p.KeyIDs) + "&key=" + url.QueryEscape(p.Keys)
}

// Master renders the master playlist: one EXT-X-MEDIA per audio
// rendition (first one default), one EXT-X-STREAM-INF per video
// rendition in bandwidth-descending order. With no video at all the
// first audio rendition becomes the lone variant so the playlist is
// never empty.
func Master(p Params, reps []mpd.Representation) string {
	var audio, video []mpd.Representation
	for _, r := range reps {
		switch {
		case r.IsAudio:
			audio = append(audio, r)
		case r.IsVideo:
			video = append(video, r)
		}
	}
	sort.SliceStable(video, func(i, j int) bool {
		return video[i].Bandwidth > video[j].Bandwidth
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n")
	for i, r := range audio {
		def := "NO"
		if i == 0 {
			def = "YES"
		}
		name := r.Language
		if name == "" {
			name = r.ID
		}
		fmt.Fprintf(&b, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME=%q,DEFAULT=%s,AUTOSELECT=YES`, name, def)
		if r.Language != "" {
			fmt.Fprintf(&b, `,LANGUAGE=%q`, r.Language)
		}
		fmt.Fprintf(&b, ",URI=%q\n", p.mediaURI(r.ID))
	}
	for _, r := range video {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", r.Bandwidth)
		if codecs := variantCodecs(r, audio); codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", codecs)
		}
		if r.Width > 0 && r.Height > 0 {
			fmt.Fprintf(&b, ",RESOLUTION=%dx%d", r.Width, r.Height)
		}
		if fr := frameRate(r.FrameRate); fr != "" {
			fmt.Fprintf(&b, ",FRAME-RATE=%s", fr)
		}
		if len(audio) > 0 {
			b.WriteString(`,AUDIO="audio"`)
		}
		fmt.Fprintf(&b, "\n%s\n", p.mediaURI(r.ID))
	}
	if len(video) == 0 && len(audio) > 0 {
		r := audio[0]
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", r.Bandwidth)
		if r.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", r.Codecs)
		}
		fmt.Fprintf(&b, "\n%s\n", p.mediaURI(r.ID))
	}
	return b.String()
}

func (p Params) mediaURI(repID string) string {
	uri := fmt.Sprintf("%s/proxy/playlist/%s/%s.m3u8", p.ProxyBase, p.Channel, url.PathEscape(repID))
	query := ""
	if p.Manifest != "" {
		query = "&u=" + url.QueryEscape(p.Manifest)
	}
	query += p.keyQuery()
	if query != "" {
		uri += "?" + query[1:]
	}
	return uri
}

// variantCodecs joins the video codecs with the default audio rendition
// codecs, the combination players expect on a muxed-by-group variant.
func variantCodecs(video mpd.Representation, audio []mpd.Representation) string {
	codecs := video.Codecs
	if len(audio) > 0 && audio[0].Codecs != "" {
		if codecs != "" {
			codecs += "," + audio[0].Codecs
		} else {
			codecs = audio[0].Codecs
		}
	}
	return codecs
}

// frameRate passes plain decimal rates through and reduces the DASH
// fractional form.
func frameRate(s string) string {
	if s == "" {
		return ""
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		return num
	}
	var n, d float64
	if _, err := fmt.Sscanf(num+" "+den, "%f %f", &n, &d); err != nil || d == 0 {
		return ""
	}
	return fmt.Sprintf("%.3f", n/d)
}

// Media renders one rendition's media playlist. Segment URIs carry the
// upstream segment URL, the init URL and key material, percent-encoded.
// VOD markers are only emitted for static manifests.
func Media(p Params, r mpd.Representation, live bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n")

	target := 10
	if len(r.Segments) > 0 {
		var longest float64
		for _, s := range r.Segments {
			if s.Duration > longest {
				longest = s.Duration
			}
		}
		target = int(math.Ceil(longest)) + 1
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)

	sequence := uint32(1)
	if len(r.Segments) > 0 && r.Segments[0].Number > 0 {
		sequence = r.Segments[0].Number
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", sequence)
	if !live {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	}

	kq := p.keyQuery()
	initRange := ""
	if r.InitRange != "" {
		initRange = "&init_range=" + url.QueryEscape(r.InitRange)
	}
	if r.InitURL != "" {
		mapRange := ""
		if r.InitRange != "" {
			mapRange = "&range=" + url.QueryEscape(r.InitRange)
		}
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s/proxy/init/%s?u=%s%s%s\"\n",
			p.ProxyBase, p.Channel, url.QueryEscape(r.InitURL), mapRange, kq)
	}
	for _, s := range r.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		fmt.Fprintf(&b, "%s/proxy/seg/%s?u=%s&init=%s%s%s\n",
			p.ProxyBase, p.Channel, url.QueryEscape(s.URL), url.QueryEscape(r.InitURL), initRange, kq)
	}
	if !live {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
