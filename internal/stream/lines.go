package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize is the longest output line kept. Longer lines are skipped.
const MaxLineSize = 1024 * 1024 // 1 MB

// ErrLineTooLong reports a skipped line longer than MaxLineSize.
var ErrLineTooLong = fmt.Errorf("output line longer than %d bytes skipped", MaxLineSize)

// errStopScan is returned by a ScanLines callback to stop delivering lines.
var errStopScan = errors.New("stop scan")

// ScanLines calls fn for every line of r, without the trailing newline,
// until EOF. A line longer than MaxLineSize is discarded and fn receives
// ErrLineTooLong in its place; reading continues with the next line. The
// slice passed to fn is reused between calls.
//
// If fn returns false, no more lines are delivered but r is still drained so
// the writing process never blocks on a full pipe.
func ScanLines(r io.Reader, fn func(line []byte, err error) bool) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > MaxLineSize+1 {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		keepGoing := true
		switch {
		case tooLong:
			keepGoing = fn(nil, ErrLineTooLong)
		case len(buf) > 0:
			keepGoing = fn(bytes.TrimRight(buf, "\r\n"), nil)
		}
		buf = buf[:0]
		tooLong = false

		if errors.Is(err, io.EOF) {
			return nil
		}
		if !keepGoing {
			_, err := io.Copy(io.Discard, br)
			if err != nil {
				return err
			}
			return errStopScan
		}
	}
}

// IsStopped reports whether err only means the ScanLines callback asked to
// stop.
func IsStopped(err error) bool {
	return errors.Is(err, errStopScan)
}
