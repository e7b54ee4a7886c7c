package correlate

import (
	"math"
	"strconv"
	"strings"
)

// ReplyValue is the parsed outcome of an owner reply.
type ReplyValue struct {
	// Valid reports whether the text parsed as an acceptable value at all.
	Valid bool
	// Captured is true for a positive value, false for zero.
	Captured bool
	// RealizedOdds holds the parsed value for the captured outcome and is nil
	// otherwise.
	RealizedOdds *float64
}

// ParseReplyValue interprets the owner's reply text as a decimal number,
// accepting comma as a decimal separator.
//
//	"0"            -> not captured, realized odds nil
//	"1,85" / "1.85" -> captured, realized odds 1.85
//	anything else  -> invalid (non-numeric, negative, NaN, infinite)
func ParseReplyValue(text string) ReplyValue {
	s := strings.TrimSpace(text)
	s = strings.ReplaceAll(s, ",", ".")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return ReplyValue{}
	}
	if v < 0 {
		return ReplyValue{}
	}
	if v == 0 {
		return ReplyValue{Valid: true, Captured: false}
	}
	return ReplyValue{Valid: true, Captured: true, RealizedOdds: &v}
}
