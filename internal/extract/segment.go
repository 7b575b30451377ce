package extract

import (
	"regexp"
	"strconv"
)

// Segment is the HTML between one entity marker and the next.
type Segment struct {
	HTML string
	// Hint is an id captured by the marker itself, or 0.
	Hint int64
}

// Segments splits doc at every match of primary, falling back to fallback
// when primary finds nothing. A marker's named group "cid", when present,
// becomes the segment hint.
func Segments(doc string, primary, fallback *regexp.Regexp) []Segment {
	marker := primary
	locs := primary.FindAllStringSubmatchIndex(doc, -1)
	if len(locs) == 0 && fallback != nil {
		marker = fallback
		locs = fallback.FindAllStringSubmatchIndex(doc, -1)
	}
	if len(locs) == 0 {
		return nil
	}
	hintGroup := marker.SubexpIndex("cid")
	out := make([]Segment, 0, len(locs))
	for i, loc := range locs {
		end := len(doc)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		seg := Segment{HTML: doc[loc[0]:end]}
		if hintGroup > 0 && loc[2*hintGroup] >= 0 {
			seg.Hint, _ = strconv.ParseInt(doc[loc[2*hintGroup]:loc[2*hintGroup+1]], 10, 64)
		}
		out = append(out, seg)
	}
	return out
}
