package cenc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"m7s.live/dash2hls/pkg/box"
)

// trackEncryption holds the per-track defaults extracted from a tenc
// box while walking moov, keyed by the enclosing trak's tkhd track id.
type trackEncryption struct {
	cryptByteBlock byte
	skipByteBlock  byte
	ivSize         byte
	constantIV     []byte
	keyID          [16]byte
	protected      bool
}

// sampleInfo is one senc entry.
type sampleInfo struct {
	iv        []byte
	subs      []SubSample
	encrypted bool
}

// trackRun is the state accumulated while walking one traf.
type trackRun struct {
	trackID     uint32
	dataOffset  int64
	sizes       []uint32
	defaultSize uint32
	samples     []sampleInfo
	key         []byte
}

// Decryptor walks the box tree of one combined init+media segment,
// strips DRM signaling and decrypts sample payloads. It is single-use:
// construct one per segment-decryption call. Sharing an instance across
// concurrent requests corrupts its per-moof state.
type Decryptor struct {
	keys   KeyMap
	scheme Scheme
	tracks map[uint32]trackEncryption

	// per-moof state, reset at the start of each moof
	runs     []*trackRun
	overhead int
}

func NewDecryptor(keys KeyMap) *Decryptor {
	return &Decryptor{
		keys:   keys,
		tracks: make(map[uint32]trackEncryption),
	}
}

// ProcessInit strips DRM signaling from an init segment (pssh dropped,
// sample entries retyped to their frma codec) and preserves everything
// else, for players consuming it via EXT-X-MAP.
func (d *Decryptor) ProcessInit(init []byte) ([]byte, error) {
	return d.process(init, true)
}

// DecryptSegment decrypts a media segment using the encryption
// parameters of its init segment. includeInit controls whether the
// processed ftyp/moov boxes appear in the output.
func (d *Decryptor) DecryptSegment(init, media []byte, includeInit bool) ([]byte, error) {
	combined := make([]byte, 0, len(init)+len(media))
	combined = append(combined, init...)
	combined = append(combined, media...)
	return d.process(combined, includeInit)
}

// process is box-type driven: moov, moof, sidx and mdat are
// transformed, everything else passes through; original box order is
// preserved.
func (d *Decryptor) process(data []byte, includeInit bool) ([]byte, error) {
	boxes := box.Parse(data)
	parts := make([][]byte, 0, len(boxes))
	pendingSidx := -1
	for _, bx := range boxes {
		switch bx.Type {
		case box.TypeFTYP:
			if includeInit {
				parts = append(parts, bx.Pack())
			}
		case box.TypeMOOV:
			moov := d.processMoov(bx)
			if includeInit {
				parts = append(parts, moov)
			}
		case box.TypeSIDX:
			parts = append(parts, bx.Pack())
			pendingSidx = len(parts) - 1
		case box.TypeMOOF:
			parts = append(parts, d.processMoof(bx))
			if pendingSidx >= 0 {
				parts[pendingSidx] = rewriteSidx(boxAt(parts[pendingSidx]), d.overhead)
				pendingSidx = -1
			}
		case box.TypeMDAT:
			parts = append(parts, d.decryptMdat(bx))
		default:
			parts = append(parts, bx.Pack())
		}
	}
	return bytes.Join(parts, nil), nil
}

func boxAt(packed []byte) box.Box {
	b, _, _ := box.ReadNext(packed, 0)
	return b
}

// moov pass

func (d *Decryptor) processMoov(moov box.Box) []byte {
	var out bytes.Buffer
	for _, child := range box.Parse(moov.Payload) {
		switch child.Type {
		case box.TypePSSH:
			// DRM system signaling, meaningless to a non-DRM player
		case box.TypeTRAK:
			out.Write(d.processTrak(child))
		default:
			out.Write(child.Pack())
		}
	}
	return box.Pack(box.TypeMOOV, out.Bytes())
}

func (d *Decryptor) processTrak(trak box.Box) []byte {
	var trackID uint32
	children := box.Parse(trak.Payload)
	for _, child := range children {
		if child.Is(box.TypeTKHD) {
			trackID = tkhdTrackID(child.Payload)
		}
	}
	var out bytes.Buffer
	for _, child := range children {
		if child.Is(box.TypeMDIA) {
			out.Write(d.rebuildContainer(child, trackID))
		} else {
			out.Write(child.Pack())
		}
	}
	return box.Pack(box.TypeTRAK, out.Bytes())
}

// rebuildContainer descends mdia→minf→stbl, repacking each level so the
// recomputed sizes of the rewritten stsd propagate upward.
func (d *Decryptor) rebuildContainer(parent box.Box, trackID uint32) []byte {
	var out bytes.Buffer
	for _, child := range box.Parse(parent.Payload) {
		switch child.Type {
		case box.TypeMINF, box.TypeSTBL:
			out.Write(d.rebuildContainer(child, trackID))
		case box.TypeSTSD:
			out.Write(d.processStsd(child, trackID))
		default:
			out.Write(child.Pack())
		}
	}
	return box.Pack(parent.Type, out.Bytes())
}

func tkhdTrackID(payload []byte) uint32 {
	// track_ID follows creation/modification times, which widen in v1
	offset := 4 + 4 + 4
	if box.Version(payload) == 1 {
		offset = 4 + 8 + 8
	}
	if len(payload) < offset+4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[offset:])
}

func (d *Decryptor) processStsd(stsd box.Box, trackID uint32) []byte {
	if len(stsd.Payload) < 8 {
		return stsd.Pack()
	}
	var out bytes.Buffer
	out.Write(stsd.Payload[:8]) // version/flags + entry_count
	entryCount := int(binary.BigEndian.Uint32(stsd.Payload[4:8]))
	entries := box.Parse(stsd.Payload[8:])
	for i, entry := range entries {
		if i >= entryCount {
			break
		}
		out.Write(d.processSampleEntry(entry, trackID))
	}
	return box.Pack(box.TypeSTSD, out.Bytes())
}

// sampleEntryFixedLen is the codec-independent field area preceding the
// child boxes of a sample description entry.
func sampleEntryFixedLen(t [4]byte) int {
	switch string(t[:]) {
	case "mp4a", "enca":
		return 28
	case "mp4v", "encv", "avc1", "avc3", "hev1", "hvc1":
		return 78
	default:
		return 16
	}
}

func (d *Decryptor) processSampleEntry(entry box.Box, trackID uint32) []byte {
	fixed := min(sampleEntryFixedLen(entry.Type), len(entry.Payload))
	var out bytes.Buffer
	out.Write(entry.Payload[:fixed])
	newType := entry.Type
	for _, child := range box.Parse(entry.Payload[fixed:]) {
		switch child.Type {
		case box.TypeSINF:
			if frma, ok := d.extractSinf(child, trackID); ok {
				newType = frma
			}
		case box.TypeSCHM, box.TypeSCHI, box.TypeTENC:
			// stray encryption metadata outside sinf, drop as well
		default:
			out.Write(child.Pack())
		}
	}
	return box.Pack(newType, out.Bytes())
}

// extractSinf records the scheme and the track's encryption defaults,
// and returns the original codec type from frma. The sinf box itself is
// consumed.
func (d *Decryptor) extractSinf(sinf box.Box, trackID uint32) (frma [4]byte, ok bool) {
	for _, child := range box.Parse(sinf.Payload) {
		switch child.Type {
		case box.TypeFRMA:
			if len(child.Payload) >= 4 {
				copy(frma[:], child.Payload[:4])
				ok = true
			}
		case box.TypeSCHM:
			if len(child.Payload) >= 8 {
				d.scheme = ParseScheme([4]byte(child.Payload[4:8]))
			}
		case box.TypeSCHI:
			for _, inner := range box.Parse(child.Payload) {
				if inner.Is(box.TypeTENC) {
					d.tracks[trackID] = parseTenc(inner.Payload)
				}
			}
		}
	}
	return
}

func parseTenc(payload []byte) (te trackEncryption) {
	if len(payload) < 24 {
		return
	}
	if box.Version(payload) > 0 {
		te.cryptByteBlock = payload[5] >> 4
		te.skipByteBlock = payload[5] & 0x0F
	}
	te.protected = payload[6] == 1
	te.ivSize = payload[7]
	copy(te.keyID[:], payload[8:24])
	if te.protected && te.ivSize == 0 && len(payload) >= 25 {
		n := int(payload[24])
		if len(payload) >= 25+n {
			te.constantIV = payload[25 : 25+n]
		}
	}
	return
}

// moof pass

func (d *Decryptor) processMoof(moof box.Box) []byte {
	// per-moof state must not leak across fragments
	d.runs = nil
	d.overhead = 0
	children := box.Parse(moof.Payload)
	for _, child := range children {
		if child.Is(box.TypeTRAF) {
			for _, inner := range box.Parse(child.Payload) {
				switch inner.Type {
				case box.TypeSENC, box.TypeSAIZ, box.TypeSAIO:
					d.overhead += box.HeaderLen + len(inner.Payload)
				}
			}
		}
	}
	var out bytes.Buffer
	for _, child := range children {
		if child.Is(box.TypeTRAF) {
			out.Write(d.processTraf(child))
		} else {
			out.Write(child.Pack())
		}
	}
	return box.Pack(box.TypeMOOF, out.Bytes())
}

func (d *Decryptor) processTraf(traf box.Box) []byte {
	run := &trackRun{}
	children := box.Parse(traf.Payload)
	var senc box.Box
	var haveSenc bool
	for _, child := range children {
		switch child.Type {
		case box.TypeTFHD:
			parseTfhd(child.Payload, run)
		case box.TypeTRUN:
			parseTrun(child.Payload, run)
		case box.TypeSENC:
			senc, haveSenc = child, true
		}
	}
	te := d.tracks[run.trackID]
	if haveSenc {
		run.samples = parseSenc(senc.Payload, te)
	}
	if key, ok := d.keys.Resolve(te.keyID, run.trackID); ok {
		run.key = key
	}
	d.runs = append(d.runs, run)

	var out bytes.Buffer
	for _, child := range children {
		switch child.Type {
		case box.TypeSENC, box.TypeSAIZ, box.TypeSAIO:
			// auxiliary encryption metadata, dropped from the output
		case box.TypeTRUN:
			out.Write(rewriteTrun(child.Payload, d.overhead))
		default:
			out.Write(child.Pack())
		}
	}
	return box.Pack(box.TypeTRAF, out.Bytes())
}

// tfhd optional fields in spec order: base-data-offset,
// sample-description-index, default-sample-duration,
// default-sample-size.
func parseTfhd(payload []byte, run *trackRun) {
	if len(payload) < 8 {
		return
	}
	flags := box.Flags(payload)
	run.trackID = binary.BigEndian.Uint32(payload[4:8])
	pos := 8
	if flags&0x000001 != 0 {
		pos += 8
	}
	if flags&0x000002 != 0 {
		pos += 4
	}
	if flags&0x000008 != 0 {
		pos += 4
	}
	if flags&0x000010 != 0 && pos+4 <= len(payload) {
		run.defaultSize = binary.BigEndian.Uint32(payload[pos:])
	}
}

// maxSampleCount caps declared sample counts that the payload length
// cannot bound, so a corrupt box cannot drive huge allocations.
const maxSampleCount = 1 << 16

func parseTrun(payload []byte, run *trackRun) {
	if len(payload) < 8 {
		return
	}
	flags := box.Flags(payload)
	count := int(binary.BigEndian.Uint32(payload[4:8]))
	pos := 8
	if flags&0x000001 != 0 && pos+4 <= len(payload) {
		run.dataOffset = int64(int32(binary.BigEndian.Uint32(payload[pos:])))
		pos += 4
	}
	if flags&0x000004 != 0 {
		pos += 4 // first-sample-flags
	}
	perSample := 0
	for _, f := range []uint32{0x000100, 0x000200, 0x000400, 0x000800} {
		if flags&f != 0 {
			perSample += 4
		}
	}
	if perSample > 0 {
		if m := max(len(payload)-pos, 0) / perSample; count > m {
			count = m
		}
	} else if count > maxSampleCount {
		count = maxSampleCount
	}
	run.sizes = make([]uint32, count)
	for i := 0; i < count && pos < len(payload); i++ {
		if flags&0x000100 != 0 {
			pos += 4 // sample-duration
		}
		if flags&0x000200 != 0 && pos+4 <= len(payload) {
			run.sizes[i] = binary.BigEndian.Uint32(payload[pos:])
			pos += 4
		}
		if flags&0x000400 != 0 {
			pos += 4 // sample-flags
		}
		if flags&0x000800 != 0 {
			pos += 4 // composition-time-offset
		}
	}
	if flags&0x000200 == 0 {
		run.sizes = make([]uint32, count) // filled from tfhd default later
	}
}

// rewriteTrun shifts the base data offset left by the bytes of
// senc/saiz/saio removed from this moof.
func rewriteTrun(payload []byte, overhead int) []byte {
	data := make([]byte, len(payload))
	copy(data, payload)
	if box.Flags(data)&0x000001 != 0 && len(data) >= 12 {
		offset := int32(binary.BigEndian.Uint32(data[8:12]))
		binary.BigEndian.PutUint32(data[8:12], uint32(offset-int32(overhead)))
	}
	return box.Pack(box.TypeTRUN, data)
}

func parseSenc(payload []byte, te trackEncryption) []sampleInfo {
	if len(payload) < 8 {
		return nil
	}
	flags := box.Flags(payload)
	sampleCount := int(binary.BigEndian.Uint32(payload[4:8]))
	pos := 8

	ivSize := int(te.ivSize)
	if !te.protected && len(te.constantIV) == 0 && ivSize == 0 {
		ivSize = 8 // no tenc seen: the common per-sample IV width
	}
	perSample := ivSize
	if flags&0x000002 != 0 {
		perSample += 2
	}
	if perSample > 0 {
		if m := (len(payload) - 8) / perSample; sampleCount > m {
			sampleCount = m
		}
	} else if sampleCount > maxSampleCount {
		sampleCount = maxSampleCount
	}
	var infos []sampleInfo
	for i := 0; i < sampleCount; i++ {
		var info sampleInfo
		info.encrypted = true
		if ivSize > 0 {
			if pos+ivSize > len(payload) {
				break
			}
			info.iv = payload[pos : pos+ivSize]
			pos += ivSize
		} else {
			info.iv = te.constantIV
		}
		if flags&0x000002 != 0 {
			if pos+2 > len(payload) {
				break
			}
			n := int(binary.BigEndian.Uint16(payload[pos:]))
			pos += 2
			for j := 0; j < n && pos+6 <= len(payload); j++ {
				info.subs = append(info.subs, SubSample{
					Clear:     binary.BigEndian.Uint16(payload[pos:]),
					Encrypted: binary.BigEndian.Uint32(payload[pos+2:]),
				})
				pos += 6
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// sidx pass

// rewriteSidx reduces the first segment reference's referenced_size by
// the encryption overhead removed from the following moof, keeping
// byte-range addressing consistent.
func rewriteSidx(sidx box.Box, overhead int) []byte {
	data := make([]byte, len(sidx.Payload))
	copy(data, sidx.Payload)
	// version/flags + reference_ID + timescale, then 32- or 64-bit
	// earliest_presentation_time + first_offset, then reserved + count
	base := 12 + 8 + 4
	if box.Version(data) == 1 {
		base = 12 + 16 + 4
	}
	if overhead > 0 && len(data) >= base+4 {
		ref := binary.BigEndian.Uint32(data[base:])
		size := ref&0x7FFFFFFF - uint32(overhead)
		binary.BigEndian.PutUint32(data[base:], ref&0x80000000|size)
	}
	return box.Pack(box.TypeSIDX, data)
}

// mdat pass

func (d *Decryptor) decryptMdat(mdat box.Box) []byte {
	if len(d.runs) == 0 {
		return mdat.Pack()
	}
	data := make([]byte, len(mdat.Payload))
	copy(data, mdat.Payload)

	// interleaved tracks address the mdat relative to the smallest
	// data offset among them
	runs := make([]*trackRun, len(d.runs))
	copy(runs, d.runs)
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].dataOffset < runs[j-1].dataOffset; j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
	base := runs[0].dataOffset

	for _, run := range runs {
		if run.key == nil || len(run.samples) == 0 {
			continue
		}
		te := d.tracks[run.trackID]
		block, err := aes.NewCipher(run.key)
		if err != nil {
			continue
		}
		pos := int(run.dataOffset - base)
		for i, size := range run.sizes {
			if size == 0 {
				size = run.defaultSize
			}
			if pos < 0 || pos+int(size) > len(data) {
				break
			}
			if i < len(run.samples) {
				d.decryptSample(block, data[pos:pos+int(size)], run.samples[i], te)
			}
			pos += int(size)
		}
	}
	return box.Pack(box.TypeMDAT, data)
}

func (d *Decryptor) decryptSample(block cipher.Block, sample []byte, info sampleInfo, te trackEncryption) {
	if !info.encrypted {
		return
	}
	iv := info.iv
	if len(iv) == 0 {
		iv = te.constantIV
	}
	if len(iv) == 0 {
		return
	}
	switch d.scheme {
	case SchemeCBCS:
		decryptCBCS(block, iv, sample, info.subs, int(te.cryptByteBlock), int(te.skipByteBlock))
	case SchemeCBC1:
		decryptCBC1(block, iv, sample, info.subs)
	default:
		decryptCTR(block, iv, sample, info.subs)
	}
}
