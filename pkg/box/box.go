package box

import (
	"encoding/binary"
)

const HeaderLen = 8

func f(s string) [4]byte {
	return [4]byte([]byte(s))
}

var (
	TypeFTYP = f("ftyp")
	TypeSTYP = f("styp")
	TypeMOOV = f("moov")
	TypeTRAK = f("trak")
	TypeTKHD = f("tkhd")
	TypeMDIA = f("mdia")
	TypeMINF = f("minf")
	TypeSTBL = f("stbl")
	TypeSTSD = f("stsd")
	TypePSSH = f("pssh")
	TypeSINF = f("sinf")
	TypeFRMA = f("frma")
	TypeSCHM = f("schm")
	TypeSCHI = f("schi")
	TypeTENC = f("tenc")
	TypeMOOF = f("moof")
	TypeTRAF = f("traf")
	TypeTFHD = f("tfhd")
	TypeTRUN = f("trun")
	TypeSENC = f("senc")
	TypeSAIZ = f("saiz")
	TypeSAIO = f("saio")
	TypeSIDX = f("sidx")
	TypeMDAT = f("mdat")
)

// Box is one ISO-BMFF box read out of a byte buffer. Payload excludes
// the header. Boxes are immutable once read; rewriting packs a new one.
type Box struct {
	Type    [4]byte
	Payload []byte
}

func (b Box) Is(t [4]byte) bool {
	return b.Type == t
}

func (b Box) TypeString() string {
	return string(b.Type[:])
}

// ReadNext reads the box starting at pos. A header or declared extent
// overrunning the buffer yields ok=false and the walk stops there;
// whatever was already emitted is used as-is.
func ReadNext(buf []byte, pos int) (b Box, next int, ok bool) {
	if pos < 0 || pos+HeaderLen > len(buf) {
		return
	}
	size := uint64(binary.BigEndian.Uint32(buf[pos:]))
	copy(b.Type[:], buf[pos+4:pos+8])
	header := HeaderLen
	if size == 1 {
		if pos+16 > len(buf) {
			return
		}
		size = binary.BigEndian.Uint64(buf[pos+8:])
		header = 16
	}
	if size < uint64(header) || uint64(pos)+size > uint64(len(buf)) {
		return
	}
	b.Payload = buf[pos+header : pos+int(size)]
	return b, pos + int(size), true
}

// Parse walks buf from the start and returns every box up to the first
// malformed one.
func Parse(buf []byte) (boxes []Box) {
	for pos := 0; pos < len(buf); {
		b, next, ok := ReadNext(buf, pos)
		if !ok {
			break
		}
		boxes = append(boxes, b)
		pos = next
	}
	return
}

// Pack re-emits the box, recomputing the length from the current
// payload. Declared sizes are never trusted on write.
func Pack(t [4]byte, payload []byte) []byte {
	if size := uint64(HeaderLen) + uint64(len(payload)); size > 0xFFFFFFFF {
		out := make([]byte, 16+len(payload))
		binary.BigEndian.PutUint32(out, 1)
		copy(out[4:8], t[:])
		binary.BigEndian.PutUint64(out[8:], size+8)
		copy(out[16:], payload)
		return out
	}
	out := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(out, uint32(HeaderLen+len(payload)))
	copy(out[4:8], t[:])
	copy(out[HeaderLen:], payload)
	return out
}

// Pack of a box read earlier.
func (b Box) Pack() []byte {
	return Pack(b.Type, b.Payload)
}

// FullBox header accessors. A full box payload starts with one version
// byte and three flag bytes.
func Version(payload []byte) byte {
	if len(payload) < 1 {
		return 0
	}
	return payload[0]
}

func Flags(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload) & 0xFFFFFF
}
