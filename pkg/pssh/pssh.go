// Package pssh extracts DRM initialization data from fMP4 buffers, for
// callers that need to build a license challenge.
package pssh

import (
	"bytes"
	"encoding/hex"

	"github.com/Eyevinn/mp4ff/mp4"

	"m7s.live/dash2hls/pkg/box"
)

// Well-known protection system ids.
const (
	WidevineSystemID  = "edef8ba979d64acea3c827dcd51d21ed"
	PlayReadySystemID = "9a04f07998404286ab92e65be0885f95"
	ClearKeySystemID  = "e2719d58a985b3c9781ab030af78d30e"
)

// Info is one decoded pssh box.
type Info struct {
	System   string   `json:"system,omitempty"`
	SystemID string   `json:"system_id"`
	Version  byte     `json:"version"`
	KeyIDs   []string `json:"key_ids,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

func systemName(id string) string {
	switch id {
	case WidevineSystemID:
		return "widevine"
	case PlayReadySystemID:
		return "playready"
	case ClearKeySystemID:
		return "clearkey"
	}
	return ""
}

// Extract collects every pssh box in buf, both at the top level and
// inside moov. Boxes that fail to decode are skipped; whatever decoded
// is returned.
func Extract(buf []byte) []Info {
	var infos []Info
	for _, bx := range box.Parse(buf) {
		switch bx.Type {
		case box.TypePSSH:
			if info, ok := decode(bx.Pack()); ok {
				infos = append(infos, info)
			}
		case box.TypeMOOV:
			for _, child := range box.Parse(bx.Payload) {
				if !child.Is(box.TypePSSH) {
					continue
				}
				if info, ok := decode(child.Pack()); ok {
					infos = append(infos, info)
				}
			}
		}
	}
	return infos
}

func decode(raw []byte) (Info, bool) {
	decoded, err := mp4.DecodeBox(0, bytes.NewReader(raw))
	if err != nil {
		return Info{}, false
	}
	pb, ok := decoded.(*mp4.PsshBox)
	if !ok {
		return Info{}, false
	}
	sysID := hex.EncodeToString(pb.SystemID)
	info := Info{
		System:   systemName(sysID),
		SystemID: sysID,
		Version:  pb.Version,
		Data:     pb.Data,
	}
	for _, kid := range pb.KIDs {
		info.KeyIDs = append(info.KeyIDs, hex.EncodeToString(kid))
	}
	return info, true
}

// Find returns the first pssh for the given system id.
func Find(buf []byte, systemID string) (Info, bool) {
	for _, info := range Extract(buf) {
		if info.SystemID == systemID {
			return info, true
		}
	}
	return Info{}, false
}
