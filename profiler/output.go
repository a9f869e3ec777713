package profiler

import (
	"bufio"
	"io"
	"os"

	"github.com/apex/log"
)

// stream is a buffered output that disables itself on the first write
// error and reports that error on close. A nil stream discards everything.
type stream struct {
	name   string
	w      *bufio.Writer
	closer io.Closer
	logger log.Interface
	err    error
}

// createStream creates the file at path. A failure here is a configuration
// error because it happens before instrumentation starts.
func createStream(name, path string, logger log.Interface) (*stream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, configErrorf("cannot create %s %q: %v", name, path, err)
	}

	s := newStream(name, f, logger)
	s.closer = f
	return s, nil
}

func newStream(name string, w io.Writer, logger log.Interface) *stream {
	return &stream{
		name:   name,
		w:      bufio.NewWriter(w),
		logger: logger,
	}
}

func (s *stream) enabled() bool {
	return s != nil && s.err == nil
}

func (s *stream) writeString(str string) {
	if !s.enabled() {
		return
	}
	if _, err := s.w.WriteString(str); err != nil {
		s.fail(err)
	}
}

func (s *stream) fail(err error) {
	s.err = err
	s.logger.WithError(err).WithField("output", s.name).Error("output disabled")
}

// close flushes buffered data and closes the underlying file, if owned.
func (s *stream) close() error {
	if s == nil {
		return nil
	}

	if s.err == nil {
		if err := s.w.Flush(); err != nil {
			s.fail(err)
		}
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && s.err == nil {
			s.err = err
		}
		s.closer = nil
	}
	return s.err
}
