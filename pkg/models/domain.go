package models

// Landmark is one fingerprint observation extracted from audio: a packed
// spectral-pair hash plus the time (in ms) of its anchor peak in the clip.
type Landmark struct {
	Hash         uint32
	AnchorTimeMs uint32
}

// Couple is the stored value for a hash bucket entry.
// AnchorTimeMs is the time (in ms) of the anchor peak in the source track.
type Couple struct {
	TrackID      string // UUID of the track
	AnchorTimeMs uint32
}

// Match represents a candidate alignment returned by offset voting.
type Match struct {
	TrackID  string // UUID of the track
	OffsetMs int32  // dbAnchorTimeMs - queryAnchorTimeMs at the best alignment
	Count    int
}
