package mpd

import (
	"fmt"
	"net/url"
	"strings"

	m "github.com/Eyevinn/dash-mpd/mpd"
)

const (
	// segments synthesized for a duration-only template, a bounded
	// preview window rather than true live-edge tracking
	previewSegmentCount = 20
	// SegmentList carries no per-segment duration in this profile
	segmentListDuration = 4.0
)

// Segment is one resolved media request.
type Segment struct {
	URL      string
	Duration float64
	Number   uint32
	Time     uint64
}

// Representation is one playable quality/language variant with its
// segment list fully resolved. Immutable once returned.
type Representation struct {
	ID        string
	IsVideo   bool
	IsAudio   bool
	Bandwidth uint32
	Codecs    string
	Width     uint32
	Height    uint32
	FrameRate string
	Language  string
	MimeType  string
	Timescale uint32

	InitURL string
	// byte-range hints for single-file (SegmentBase) streams
	InitRange  string
	IndexRange string

	Segments []Segment
}

// Resolution is the result of resolving one manifest.
type Resolution struct {
	Live            bool
	Representations []Representation
}

// Resolve parses a DASH manifest and flattens every audio/video
// Representation into an ordered segment list with absolute URLs.
// A Representation that yields no segments is dropped.
func Resolve(manifest, manifestURL string) (*Resolution, error) {
	doc, err := m.ReadFromString(manifest)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("manifest url: %w", err)
	}

	res := &Resolution{
		Live: doc.Type != nil && *doc.Type == "dynamic",
	}
	rootBase := applyBaseURLs(base, doc.BaseURL)
	for _, period := range doc.Periods {
		periodBase := applyBaseURLs(rootBase, period.BaseURLs)
		for _, as := range period.AdaptationSets {
			asBase := applyBaseURLs(periodBase, as.BaseURLs)
			for _, rep := range as.Representations {
				r, ok := resolveRepresentation(asBase, as, rep)
				if !ok {
					continue
				}
				res.Representations = append(res.Representations, r)
			}
		}
	}
	return res, nil
}

func applyBaseURLs(base *url.URL, urls []*m.BaseURLType) *url.URL {
	for _, bu := range urls {
		if ref, err := url.Parse(string(bu.Value)); err == nil {
			return base.ResolveReference(ref)
		}
	}
	return base
}

func resolveRepresentation(asBase *url.URL, as *m.AdaptationSetType, rep *m.RepresentationType) (Representation, bool) {
	r := Representation{
		ID:        rep.Id,
		Bandwidth: rep.Bandwidth,
		Codecs:    as.Codecs,
		FrameRate: string(as.FrameRate),
		Language:  as.Lang,
		MimeType:  as.MimeType,
		Timescale: 1,
	}
	if rep.Codecs != "" {
		r.Codecs = rep.Codecs
	}
	if rep.MimeType != "" {
		r.MimeType = rep.MimeType
	}
	if rep.FrameRate != "" {
		r.FrameRate = string(rep.FrameRate)
	}
	if rep.Width != 0 {
		r.Width = rep.Width
	}
	if rep.Height != 0 {
		r.Height = rep.Height
	}
	switch kind(as, rep) {
	case "video":
		r.IsVideo = true
	case "audio":
		r.IsAudio = true
	default:
		return r, false
	}
	base := applyBaseURLs(asBase, rep.BaseURLs)

	st := as.SegmentTemplate
	if rep.SegmentTemplate != nil {
		st = rep.SegmentTemplate
	}
	sl := as.SegmentList
	if rep.SegmentList != nil {
		sl = rep.SegmentList
	}
	sb := as.SegmentBase
	if rep.SegmentBase != nil {
		sb = rep.SegmentBase
	}
	switch {
	case st != nil:
		resolveTemplate(&r, base, st, rep)
	case sl != nil:
		resolveList(&r, base, sl)
	case sb != nil:
		// single-file stream addressed with byte ranges
		r.InitURL = base.String()
		r.IndexRange = sb.IndexRange
		if sb.Initialization != nil {
			r.InitRange = sb.Initialization.Range
		}
		r.Segments = []Segment{{URL: base.String()}}
	default:
		r.Segments = []Segment{{URL: base.String()}}
		r.InitURL = base.String()
	}
	if len(r.Segments) == 0 {
		return r, false
	}
	if r.InitURL == "" {
		r.InitURL = r.Segments[0].URL
	}
	return r, true
}

// kind classifies an adaptation set as audio, video or other, preferring
// the explicit contentType attribute over the mime type prefix.
func kind(as *m.AdaptationSetType, rep *m.RepresentationType) string {
	for _, s := range []string{string(as.ContentType), as.MimeType, rep.MimeType} {
		switch {
		case s == "video" || strings.HasPrefix(s, "video/"):
			return "video"
		case s == "audio" || strings.HasPrefix(s, "audio/"):
			return "audio"
		}
	}
	return ""
}

func resolveTemplate(r *Representation, base *url.URL, st *m.SegmentTemplateType, rep *m.RepresentationType) {
	if st.Timescale != nil {
		r.Timescale = *st.Timescale
	}
	startNumber := uint32(1)
	if st.StartNumber != nil {
		startNumber = *st.StartNumber
	}
	vars := templateVars{RepresentationID: rep.Id, Bandwidth: rep.Bandwidth}
	if st.Initialization != "" {
		r.InitURL = resolveRef(base, expandTemplate(string(st.Initialization), vars))
	}

	timescale := float64(r.Timescale)
	switch {
	case st.SegmentTimeline != nil:
		var t uint64
		number := startNumber
		for _, s := range st.SegmentTimeline.S {
			if s.T != nil {
				t = *s.T
			}
			for i := 0; i <= s.R; i++ {
				vars.Number, vars.Time = number, t
				r.Segments = append(r.Segments, Segment{
					URL:      resolveRef(base, expandTemplate(string(st.Media), vars)),
					Duration: float64(s.D) / timescale,
					Number:   number,
					Time:     t,
				})
				t += s.D
				number++
			}
		}
	case st.Duration != nil:
		// no explicit index: synthesize a bounded preview window
		d := uint64(*st.Duration)
		for i := uint32(0); i < previewSegmentCount; i++ {
			number := startNumber + i
			t := uint64(i) * d
			vars.Number, vars.Time = number, t
			r.Segments = append(r.Segments, Segment{
				URL:      resolveRef(base, expandTemplate(string(st.Media), vars)),
				Duration: float64(d) / timescale,
				Number:   number,
				Time:     t,
			})
		}
	}
}

func resolveList(r *Representation, base *url.URL, sl *m.SegmentListType) {
	if sl.Timescale != nil {
		r.Timescale = *sl.Timescale
	}
	if sl.Initialization != nil && sl.Initialization.SourceURL != "" {
		r.InitURL = resolveRef(base, string(sl.Initialization.SourceURL))
	}
	duration := segmentListDuration
	if sl.Duration != nil && r.Timescale > 0 {
		duration = float64(*sl.Duration) / float64(r.Timescale)
	}
	startNumber := uint32(1)
	if sl.StartNumber != nil {
		startNumber = *sl.StartNumber
	}
	for i, su := range sl.SegmentURL {
		u := base.String()
		if su.Media != "" {
			u = resolveRef(base, string(su.Media))
		}
		r.Segments = append(r.Segments, Segment{
			URL:      u,
			Duration: duration,
			Number:   startNumber + uint32(i),
		})
	}
}

func resolveRef(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
