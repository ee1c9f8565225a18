package server

import (
	"bufio"
	"io"
)

// Telnet control bytes that may appear on an FTP control connection.
// RFC 959 inherits the telnet framing; some clients negotiate options or
// send IAC IP before ABOR.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetReader strips telnet command sequences from the control stream so
// the line reader above it only ever sees command text.
type telnetReader struct {
	r *bufio.Reader
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{r: bufio.NewReader(r)}
}

func (t *telnetReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p) {
		// Return what we have rather than blocking on the network for more.
		if n > 0 && t.r.Buffered() == 0 {
			return n, nil
		}

		b, err := t.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return n, err
		}

		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		next, err := t.r.ReadByte()
		if err != nil {
			return n, err
		}

		switch next {
		case telnetIAC:
			// Escaped 0xFF is data.
			p[n] = telnetIAC
			n++
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Three byte negotiation; discard the option byte.
			if _, err := t.r.ReadByte(); err != nil {
				return n, err
			}
		default:
			// Two byte command, ignored.
		}
	}

	return n, nil
}
