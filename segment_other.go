//go:build !unix

package ipcring

func openSegment(name, path string, _ layout, _ *options) (*segment, error) {
	s := &segment{name: name, path: path}
	return nil, segmentError("open", s, ErrUnsupported, nil)
}

func (s *segment) awaitReady(layout, *options) error {
	return segmentError("attach", s, ErrUnsupported, nil)
}

func (s *segment) release() error {
	return nil
}

func (s *segment) remove() error {
	return segmentError("unlink", s, ErrUnsupported, nil)
}
