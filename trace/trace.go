// Package trace reads recorded guest execution traces.
//
// Two line formats are accepted:
//
//	Trace 0: 0x7f3c48000100 [00000000/0000000000400078/00000000/ff200000] _start
//	1 0x400078
//
// The first is what QEMU prints with "-d exec". In the second, the vCPU index
// is optional and defaults to 0. Any other line (QEMU log noise, comments,
// blank lines) is skipped.
package trace

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Event is one dynamic execution of the block starting at PC on vCPU CPU.
type Event struct {
	CPU int
	PC  uint64
}

// Source yields events in recording order. Next returns io.EOF when the
// trace is exhausted.
type Source interface {
	Next() (Event, error)
}

// Reader parses a trace stream line by line.
type Reader struct {
	sc      *bufio.Scanner
	line    int
	skipped int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{sc: sc}
}

// Skipped returns the number of lines ignored so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next event.
func (r *Reader) Next() (Event, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())

		var (
			ev  Event
			err error
		)
		switch {
		case strings.HasPrefix(text, "Trace "):
			ev, err = parseQEMU(text)
		case isPlain(text):
			ev, err = parsePlain(text)
		default:
			r.skipped++
			continue
		}

		if err != nil {
			return Event{}, errors.Wrapf(err, "trace line %d", r.line)
		}
		return ev, nil
	}

	if err := r.sc.Err(); err != nil {
		return Event{}, errors.Wrap(err, "failed to read trace")
	}
	return Event{}, io.EOF
}

// parseQEMU parses "Trace <cpu>: <host> [<cs_base>/<pc>/<flags>/<cflags>] <sym>".
func parseQEMU(text string) (Event, error) {
	rest := strings.TrimPrefix(text, "Trace ")
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return Event{}, errors.Errorf("missing cpu index in %q", text)
	}

	cpu, err := strconv.Atoi(rest[:colon])
	if err != nil {
		return Event{}, errors.Wrapf(err, "bad cpu index in %q", text)
	}

	open := strings.IndexByte(rest, '[')
	end := strings.IndexByte(rest, ']')
	if open < 0 || end < open {
		return Event{}, errors.Errorf("missing block descriptor in %q", text)
	}

	fields := strings.Split(rest[open+1:end], "/")
	if len(fields) < 2 {
		return Event{}, errors.Errorf("short block descriptor in %q", text)
	}

	pc, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Event{}, errors.Wrapf(err, "bad pc in %q", text)
	}

	return Event{CPU: cpu, PC: pc}, nil
}

// parsePlain parses "[<cpu>] <pc>". The pc is hexadecimal with an optional
// 0x prefix.
func parsePlain(text string) (Event, error) {
	fields := strings.Fields(text)

	var ev Event
	switch len(fields) {
	case 1:
	case 2:
		cpu, err := strconv.Atoi(fields[0])
		if err != nil {
			return Event{}, errors.Wrapf(err, "bad cpu index in %q", text)
		}
		ev.CPU = cpu
	default:
		return Event{}, errors.Errorf("unexpected field count in %q", text)
	}

	pcText := fields[len(fields)-1]
	pcText = strings.TrimPrefix(strings.TrimPrefix(pcText, "0x"), "0X")
	pc, err := strconv.ParseUint(pcText, 16, 64)
	if err != nil {
		return Event{}, errors.Wrapf(err, "bad pc in %q", text)
	}
	ev.PC = pc

	if ev.CPU < 0 {
		return Event{}, errors.Errorf("negative cpu index in %q", text)
	}
	return ev, nil
}

// isPlain reports whether text has the shape of a plain trace line: one or
// two fields, the first starting with a decimal digit, or a single bare hex
// address holding at least one decimal digit. Words spelled only with hex
// letters ("add", "face") are not addresses.
func isPlain(text string) bool {
	fields := strings.Fields(text)
	switch {
	case len(fields) == 0 || len(fields) > 2:
		return false
	case isDecimalDigit(fields[0][0]):
		return true
	case len(fields) == 1:
		return isBareAddress(fields[0])
	}
	return false
}

func isBareAddress(field string) bool {
	digits := 0
	for i := 0; i < len(field); i++ {
		c := field[i]
		if !isHexDigit(c) {
			return false
		}
		if isDecimalDigit(c) {
			digits++
		}
	}
	return digits > 0
}

func isDecimalDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
