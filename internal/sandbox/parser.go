package sandbox

import (
	"bytes"
)

// markerScanner extracts marker-delimited payloads from a byte stream that
// arrives in arbitrary pieces. Markers may be split across writes.
type markerScanner struct {
	start   []byte
	end     []byte
	buf     []byte
	maxBuf  int
	dropped int
}

func newMarkerScanner(nonce string, maxBuf int) *markerScanner {
	return &markerScanner{
		start:  []byte(StartMarker(nonce)),
		end:    []byte(EndMarker(nonce)),
		maxBuf: maxBuf,
	}
}

// Feed consumes p and returns every payload completed by it.
func (s *markerScanner) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var payloads [][]byte
	for {
		i := bytes.Index(s.buf, s.start)
		if i < 0 {
			// keep a tail that could be the beginning of a split start marker
			if keep := len(s.start) - 1; len(s.buf) > keep {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			}
			break
		}

		body := s.buf[i+len(s.start):]
		j := bytes.Index(body, s.end)
		if j < 0 {
			s.buf = append(s.buf[:0], s.buf[i:]...)
			if s.maxBuf > 0 && len(s.buf) > s.maxBuf {
				// unterminated chunk grew past the cap
				s.dropped++
				s.buf = s.buf[:0]
			}
			break
		}

		if s.maxBuf > 0 && j > s.maxBuf {
			s.dropped++
		} else {
			payload := bytes.TrimSpace(body[:j])
			payloads = append(payloads, append([]byte(nil), payload...))
		}
		s.buf = append(s.buf[:0], body[j+len(s.end):]...)
	}
	return payloads
}

// lastMarkerPair finds the final complete chunk in a fully buffered stream.
func lastMarkerPair(data []byte, nonce string) ([]byte, bool) {
	start := []byte(StartMarker(nonce))
	end := []byte(EndMarker(nonce))

	j := bytes.LastIndex(data, end)
	if j < 0 {
		return nil, false
	}
	i := bytes.LastIndex(data[:j], start)
	if i < 0 {
		return nil, false
	}
	return bytes.TrimSpace(data[i+len(start) : j]), true
}
