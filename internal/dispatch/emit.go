package dispatch

import (
	"fmt"
	"io"
	"time"
)

// emit writes one dispatched message to w, per spec.md §4.4:
//
//	[<ISO-8601 UTC of score>] (<signed delta in ms>) <text>
//
// where the delta is now-score, with an explicit sign. w is injected so
// callers (and tests) can capture output instead of writing to the real
// process stdout.
func emit(w io.Writer, now time.Time, scoreMs float64, text string) error {
	scoreTime := time.UnixMilli(int64(scoreMs)).UTC()
	deltaMs := now.Sub(scoreTime).Milliseconds()

	sign := "+"
	if deltaMs < 0 {
		sign = "-"
		deltaMs = -deltaMs
	}

	_, err := fmt.Fprintf(w, "[%s] (%s%d ms) %s\n", scoreTime.Format(time.RFC3339), sign, deltaMs, text)
	return err
}
