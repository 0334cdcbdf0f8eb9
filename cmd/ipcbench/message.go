package main

import (
	"bytes"
	"strconv"
)

// message is the benchmark payload: a small header and a fixed text buffer,
// with no references so it can be copied into a shared segment as is.
type message struct {
	Type    int32
	Flag    bool
	Content [240]byte
}

var contentPrefix = []byte("producer id: ")

// newMessage fills the content with "producer id: <p> | msg-<seq>".
func newMessage(producer, seq int) message {
	var buf [64]byte
	b := append(buf[:0], contentPrefix...)
	b = strconv.AppendInt(b, int64(producer), 10)
	b = append(b, " | msg-"...)
	b = strconv.AppendInt(b, int64(seq), 10)

	m := message{Type: 1}
	copy(m.Content[:], b)
	return m
}

func (m *message) valid() bool {
	return m.Type == 1 && !m.Flag && bytes.HasPrefix(m.Content[:], contentPrefix)
}

func (m *message) text() string {
	n := bytes.IndexByte(m.Content[:], 0)
	if n < 0 {
		n = len(m.Content)
	}
	return string(m.Content[:n])
}
