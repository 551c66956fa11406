package cenc

// Scheme is the protection scheme signalled by a schm box.
type Scheme uint8

const (
	// SchemeCENC is full or sub-sample AES-CTR. Anything the schm box
	// declares outside the four known schemes is treated as cenc.
	SchemeCENC Scheme = iota
	// SchemeCENS is handled identically to cenc (no pattern), matching
	// observed content.
	SchemeCENS
	// SchemeCBC1 is full AES-CBC without a pattern.
	SchemeCBC1
	// SchemeCBCS is pattern AES-CBC, usually with a constant IV.
	SchemeCBCS
)

func ParseScheme(fourcc [4]byte) Scheme {
	switch string(fourcc[:]) {
	case "cens":
		return SchemeCENS
	case "cbc1":
		return SchemeCBC1
	case "cbcs":
		return SchemeCBCS
	default:
		return SchemeCENC
	}
}

func (s Scheme) String() string {
	switch s {
	case SchemeCENS:
		return "cens"
	case SchemeCBC1:
		return "cbc1"
	case SchemeCBCS:
		return "cbcs"
	default:
		return "cenc"
	}
}
