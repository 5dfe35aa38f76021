package bittorrent

// Sanitization defaults used when a parsed request carries unreasonable or
// absent values. Grounded on the original tracker's announce handler, which
// used a fixed ceiling of 30 and fell back to it whenever num_want was
// unset (udpTracker.cpp: "q = 30; if (req->num_want >= 1) q = min(q,
// req->num_want);").
const (
	DefaultNumWant      uint32 = 30
	MaxNumWant          uint32 = 30
	MaxScrapeInfoHashes uint32 = 74
	MinScrapeInfoHashes uint32 = 1
)

// SanitizeAnnounce enforces the server's numWant ceiling and default,
// mutating r in place and returning it for chaining.
//
// A numWant of zero means "use the server default". udp.ParseAnnounce maps a
// negative wire num_want to zero before calling this; any other value above
// maxNumWant is clamped to maxNumWant.
func SanitizeAnnounce(r *AnnounceRequest, maxNumWant, defaultNumWant uint32) *AnnounceRequest {
	switch {
	case r.NumWant == 0:
		r.NumWant = defaultNumWant
	case r.NumWant > maxNumWant:
		r.NumWant = maxNumWant
	}

	return r
}
