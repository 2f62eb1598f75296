// Package esl implements telephony.Client over the FreeSWITCH event socket.
package esl

import (
	"fmt"
	"strings"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Frame is one reply or event read from the socket. Header names are stored
// lower-cased.
type Frame struct {
	Headers map[string]string
	Body    string
}

// Get returns a header value by case-insensitive name.
func (f Frame) Get(name string) string {
	return f.Headers[strings.ToLower(name)]
}

// Conn is the part of an event socket connection the client uses.
type Conn interface {
	Send(cmd string) (Frame, error)
	ReadEvent() (Frame, error)
	Close() error
}

// Dialer opens an authenticated connection.
type Dialer func(addr, password string) (Conn, error)

// DialEventSocket is the production Dialer.
func DialEventSocket(addr, password string) (Conn, error) {
	c, err := eventsocket.Dial(addr, password)
	if err != nil {
		return nil, fmt.Errorf("esl: dial %s: %w", addr, err)
	}
	return &socketConn{c: c}, nil
}

type socketConn struct {
	c *eventsocket.Connection
}

func (s *socketConn) Send(cmd string) (Frame, error) {
	ev, err := s.c.Send(cmd)
	if err != nil {
		return Frame{}, err
	}
	return toFrame(ev), nil
}

func (s *socketConn) ReadEvent() (Frame, error) {
	ev, err := s.c.ReadEvent()
	if err != nil {
		return Frame{}, err
	}
	return toFrame(ev), nil
}

func (s *socketConn) Close() error {
	s.c.Close()
	return nil
}

func toFrame(ev *eventsocket.Event) Frame {
	f := Frame{Headers: make(map[string]string, len(ev.Header)), Body: ev.Body}
	for k, v := range ev.Header {
		switch val := v.(type) {
		case string:
			f.Headers[strings.ToLower(k)] = val
		default:
			f.Headers[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	return f
}
