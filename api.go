package dash2hls

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"m7s.live/dash2hls/pkg/cenc"
	"m7s.live/dash2hls/pkg/hls"
	"m7s.live/dash2hls/pkg/mpd"
	"m7s.live/dash2hls/pkg/pssh"
)

const playlistContentType = "application/vnd.apple.mpegurl"

func (s *Server) channel(r *http.Request) (string, Channel, bool) {
	name := strings.TrimSuffix(r.PathValue("channel"), ".m3u8")
	ch, ok := s.config.Channels[name]
	if !ok && r.URL.Query().Get("u") != "" {
		ok = true // ad-hoc channel, driven entirely by query parameters
	}
	return name, ch, ok
}

// playlistParams builds the proxy parameters a playlist embeds in its
// URIs. Query key material wins over the channel's configured keys.
func (s *Server) playlistParams(name string, ch Channel, r *http.Request) hls.Params {
	p := hls.Params{
		ProxyBase: s.config.ProxyBase(),
		Channel:   name,
	}
	q := r.URL.Query()
	p.Manifest = q.Get("u")
	if q.Get("key_id") != "" {
		p.KeyIDs, p.Keys = q.Get("key_id"), q.Get("key")
	} else {
		p.KeyIDs, p.Keys = splitPairs(ch.Keys)
	}
	return p
}

// splitPairs turns "kid:key,kid:key" into parallel comma lists.
func splitPairs(pairs string) (kids, keys string) {
	var ki, ke []string
	for _, pair := range strings.Split(pairs, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found {
			continue
		}
		ki = append(ki, k)
		ke = append(ke, v)
	}
	return strings.Join(ki, ","), strings.Join(ke, ",")
}

// keyMap resolves the decryption keys for one request, preferring query
// parameters over the channel config. No keys at all is fine: segments
// pass through undecrypted.
func keyMap(r *http.Request, ch Channel) (cenc.KeyMap, error) {
	q := r.URL.Query()
	if q.Get("key_id") != "" {
		return cenc.ParseLists(q.Get("key_id"), q.Get("key"))
	}
	if ch.Keys != "" {
		return cenc.ParsePairs(ch.Keys)
	}
	return cenc.KeyMap{}, nil
}

// resolveChannel fetches and resolves the channel's manifest. A u query
// parameter overrides the configured manifest URL.
func (s *Server) resolveChannel(r *http.Request, ch Channel) (*mpd.Resolution, error) {
	manifest := r.URL.Query().Get("u")
	if manifest == "" {
		manifest = ch.Manifest
	}
	data, err := s.fetch(r.Context(), manifest, ch, "")
	if err != nil {
		return nil, err
	}
	return mpd.Resolve(string(data), manifest)
}

func (s *Server) master(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	res, err := s.resolveChannel(r, ch)
	if err != nil {
		s.Error("resolve", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.Info("master", "channel", name, "representations", len(res.Representations), "live", res.Live)
	w.Header().Set("Content-Type", playlistContentType)
	io.WriteString(w, hls.Master(s.playlistParams(name, ch, r), res.Representations))
}

func (s *Server) playlist(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	repID := strings.TrimSuffix(r.PathValue("rep"), ".m3u8")
	res, err := s.resolveChannel(r, ch)
	if err != nil {
		s.Error("resolve", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for _, rep := range res.Representations {
		if rep.ID != repID {
			continue
		}
		w.Header().Set("Content-Type", playlistContentType)
		io.WriteString(w, hls.Media(s.playlistParams(name, ch, r), rep, res.Live))
		return
	}
	http.NotFound(w, r)
}

func (s *Server) initSegment(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	u := r.URL.Query().Get("u")
	if u == "" {
		http.Error(w, "missing u parameter", http.StatusBadRequest)
		return
	}
	keys, err := keyMap(r, ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.fetchInit(r.Context(), u, ch, r.URL.Query().Get("range"))
	if err != nil {
		s.Error("init", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out, err := cenc.NewDecryptor(keys).ProcessInit(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(out)
}

func (s *Server) segment(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	u := q.Get("u")
	if u == "" {
		http.Error(w, "missing u parameter", http.StatusBadRequest)
		return
	}
	keys, err := keyMap(r, ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var init []byte
	if initURL := q.Get("init"); initURL != "" {
		if init, err = s.fetchInit(r.Context(), initURL, ch, q.Get("init_range")); err != nil {
			s.Error("init", "channel", name, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	media, err := s.fetch(r.Context(), u, ch, q.Get("range"))
	if err != nil {
		s.Error("segment", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	includeInit := q.Get("include_init") == "1" || q.Get("include_init") == "true"
	out, err := cenc.NewDecryptor(keys).DecryptSegment(init, media, includeInit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(out)
}

// license forwards challenges verbatim to the channel's endpoint for
// the requested DRM system; those payloads are never decrypted here.
// Without an endpoint, ClearKey responses are served directly from the
// configured keys.
func (s *Server) license(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	system := r.URL.Query().Get("system")
	if system == "" {
		system = "widevine"
	}
	var target string
	switch system {
	case "clearkey":
		target = ch.ClearKeyLicense
	case "playready":
		target = ch.PlayReadyLicense
	case "widevine":
		target = ch.WidevineLicense
	default:
		http.Error(w, "unknown license system "+system, http.StatusBadRequest)
		return
	}
	if target == "" {
		// no remote endpoint: answer ClearKey from the configured keys
		if ch.Keys != "" {
			s.clearKeyLicense(w, ch)
			return
		}
		http.Error(w, "no license endpoint for "+system, http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Info("license", "channel", name, "system", system, "bytes", len(body))
	resp, err := s.forwardLicense(r, target, ch, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *Server) forwardLicense(r *http.Request, target string, ch Channel, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	return s.client.Do(req)
}

// clearKeyLicense answers with the W3C EME ClearKey JSON form.
func (s *Server) clearKeyLicense(w http.ResponseWriter, ch Channel) {
	keys, err := cenc.ParsePairs(ch.Keys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		K   string `json:"k"`
	}
	resp := struct {
		Keys []jwk  `json:"keys"`
		Type string `json:"type"`
	}{Type: "temporary"}
	for kid, key := range keys {
		resp.Keys = append(resp.Keys, jwk{
			Kty: "oct",
			Kid: base64.RawURLEncoding.EncodeToString(kid[:]),
			K:   base64.RawURLEncoding.EncodeToString(key[:]),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// psshInfo reports the DRM initialization data found in an init segment
// so callers can build their own license challenges.
func (s *Server) psshInfo(w http.ResponseWriter, r *http.Request) {
	name, ch, ok := s.channel(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	u := r.URL.Query().Get("u")
	if u == "" {
		http.Error(w, "missing u parameter", http.StatusBadRequest)
		return
	}
	data, err := s.fetchInit(r.Context(), u, ch, r.URL.Query().Get("range"))
	if err != nil {
		s.Error("pssh", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	infos := pssh.Extract(data)
	type entry struct {
		pssh.Info
		DataHex string `json:"data_hex,omitempty"`
	}
	entries := make([]entry, 0, len(infos))
	for _, info := range infos {
		e := entry{Info: info, DataHex: hex.EncodeToString(info.Data)}
		e.Data = nil
		entries = append(entries, e)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	channels := make([]string, 0, len(s.config.Channels))
	for name := range s.config.Channels {
		channels = append(channels, name)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version":  Version,
		"channels": channels,
	})
}
