package gpsd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/device"
)

const DefaultAddr = "127.0.0.1:2947"

// watchCommand enables streaming of new-style JSON reports.
const watchCommand = "?WATCH={\"enable\":true,\"json\":true}\n"

type Config struct {
	Addr        string
	DialTimeout time.Duration
	// ReadTimeout bounds a single Next call. Zero disables the deadline.
	ReadTimeout time.Duration
}

type Source struct {
	config Config
	log    log.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewSource(config Config) *Source {
	if strings.TrimSpace(config.Addr) == "" {
		config.Addr = DefaultAddr
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 2 * time.Second
	}
	s := &Source{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gpsd").Str("addr", config.Addr).Value()
	d := &net.Dialer{Timeout: config.DialTimeout}
	s.dial = d.DialContext
	return s
}

func (s *Source) Connect(ctx context.Context) (device.Session, error) {
	c, err := s.dial(ctx, "tcp", s.config.Addr)
	if err != nil {
		return nil, &device.ConnectError{Addr: s.config.Addr, Err: err}
	}
	if _, err := io.WriteString(c, watchCommand); err != nil {
		c.Close()
		return nil, &device.ConnectError{Addr: s.config.Addr, Err: fmt.Errorf("watch: %w", err)}
	}
	s.log.Info().Msg("watching gpsd")
	stop := context.AfterFunc(ctx, func() { c.Close() })
	return &session{c: c, r: bufio.NewReaderSize(c, 4096), readTimeout: s.config.ReadTimeout, stop: stop}, nil
}

// maxLineBytes bounds a single report line. gpsd lines are a few hundred
// bytes, anything longer is not gpsd.
const maxLineBytes = 64 << 10

var errLineTooLong = errors.New("line exceeds 64 KiB")

type session struct {
	c           net.Conn
	r           *bufio.Reader
	partial     []byte
	readTimeout time.Duration
	// set after an overlong line until its newline is seen
	discard bool
	stop    func() bool
}

func (s *session) Next(ctx context.Context) (device.Report, error) {
	for {
		if err := ctx.Err(); err != nil {
			return device.Report{}, err
		}
		if s.readTimeout > 0 {
			_ = s.c.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		chunk, err := s.r.ReadSlice('\n')
		if s.discard {
			if err == nil {
				s.discard = false
			}
		} else {
			// Keep what was read so far, the rest of the line may still arrive.
			s.partial = append(s.partial, chunk...)
			if len(s.partial) > maxLineBytes {
				head := string(s.partial[:64])
				s.partial = nil
				s.discard = err != nil
				return device.Report{}, &device.DecodeError{Line: head, Err: errLineTooLong}
			}
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if ctx.Err() != nil {
				return device.Report{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return device.Report{}, device.ErrSessionClosed
			}
			return device.Report{}, &device.ReadError{Err: err}
		}
		if s.discard || len(s.partial) == 0 {
			continue
		}
		line := s.partial
		s.partial = nil
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return decodeReport(line)
	}
}

func (s *session) Close() error {
	if s.stop != nil && !s.stop() {
		// already closed by the context
		return nil
	}
	return s.c.Close()
}

// decodeReport turns one gpsd JSON line into a Report. Only the class is
// interpreted here. Other fields keep their decoded form.
func decodeReport(line []byte) (device.Report, error) {
	d := json.NewDecoder(bytes.NewReader(line))
	d.UseNumber()
	var m map[string]interface{}
	if err := d.Decode(&m); err != nil {
		return device.Report{}, &device.DecodeError{Line: string(line), Err: err}
	}
	class, _ := m["class"].(string)
	return device.Report{
		Class: strings.ToUpper(strings.TrimSpace(class)),
		Lat:   m["lat"],
		Lon:   m["lon"],
		Mode:  m["mode"],
		Time:  m["time"],
	}, nil
}
