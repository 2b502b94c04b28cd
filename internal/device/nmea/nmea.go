package nmea

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/device"
)

type Config struct {
	Port string
	Baud uint
}

// Source reads NMEA 0183 sentences from a serial receiver and folds RMC, GGA
// and GSA into TPV reports.
type Source struct {
	config Config
	log    log.Logger
	open   func(serial.OpenOptions) (io.ReadWriteCloser, error)
}

func NewSource(config Config) *Source {
	if config.Baud == 0 {
		config.Baud = 9600
	}
	s := &Source{config: config, open: serial.Open}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "nmea").Str("port", config.Port).Value()
	return s
}

func (s *Source) Connect(ctx context.Context) (device.Session, error) {
	port := strings.TrimSpace(s.config.Port)
	if port == "" {
		port = autoDetectPort()
		if port == "" {
			return nil, &device.ConnectError{Addr: "serial", Err: errors.New("no /dev/ttyACM* or /dev/ttyUSB* found")}
		}
	}
	rwc, err := s.open(serial.OpenOptions{
		PortName:        port,
		BaudRate:        s.config.Baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, &device.ConnectError{Addr: port, Err: err}
	}
	s.log.Info().Uint64("baud", uint64(s.config.Baud)).Msgf("serial port %s opened", port)
	// serial reads have no deadline, closing the port is what unblocks Next
	stop := context.AfterFunc(ctx, func() { rwc.Close() })
	return &session{rwc: rwc, r: bufio.NewReader(rwc), stop: stop}, nil
}

type session struct {
	rwc  io.ReadWriteCloser
	r    *bufio.Reader
	stop func() bool

	// last fix mode from GSA, zero until one is seen
	gsaMode int
	// fix quality from the last GGA
	ggaQuality string
}

func (s *session) Next(ctx context.Context) (device.Report, error) {
	for {
		if err := ctx.Err(); err != nil {
			return device.Report{}, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return device.Report{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return device.Report{}, device.ErrSessionClosed
			}
			return device.Report{}, &device.ReadError{Err: err}
		}
		line = strings.TrimSpace(line)
		// receivers emit boot chatter that is not NMEA
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		var unsupported *nmea.NotSupportedError
		if errors.As(err, &unsupported) {
			// proprietary sentences such as PUBX pass through as non-TPV
			return device.Report{Class: unsupported.Prefix}, nil
		}
		if err != nil {
			return device.Report{}, &device.DecodeError{Line: line, Err: err}
		}
		return s.apply(sentence), nil
	}
}

func (s *session) Close() error {
	if s.stop != nil && !s.stop() {
		// the context already closed the port
		return nil
	}
	return s.rwc.Close()
}

// apply updates the session state and returns the report for a sentence.
// Only RMC produces a TPV; GGA and GSA feed the fix mode.
func (s *session) apply(sentence nmea.Sentence) device.Report {
	switch sentence.DataType() {
	case nmea.TypeGSA:
		m := sentence.(nmea.GSA)
		if v, err := strconv.Atoi(m.FixType); err == nil {
			s.gsaMode = v
		}
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		s.ggaQuality = m.FixQuality
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		rep := device.Report{Class: device.ClassTPV, Mode: s.mode(m.Validity)}
		if m.Validity == nmea.ValidRMC {
			rep.Lat = m.Latitude
			rep.Lon = m.Longitude
		}
		if m.Date.Valid && m.Time.Valid {
			t := time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
				m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
			rep.Time = t.Format("2006-01-02T15:04:05.000Z")
		}
		return rep
	}
	return device.Report{Class: sentence.DataType()}
}

func (s *session) mode(validity string) int {
	if validity != nmea.ValidRMC {
		return 1
	}
	if s.gsaMode > 0 {
		return s.gsaMode
	}
	if s.ggaQuality == nmea.Invalid {
		return 1
	}
	return 2
}

func autoDetectPort() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
