// Package ingest turns syslog traffic into stored security events so that
// scheduled and on-demand analyses have telemetry to read.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
)

// Sink receives each parsed event.
type Sink func(ctx context.Context, ev *core.SecurityEvent) error

// SyslogServer listens for RFC 5424 / RFC 3164 lines over UDP, TCP or both.
type SyslogServer struct {
	cfg    core.SyslogConfig
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	udpConn *net.UDPConn
	tcpLn   net.Listener
	wg      sync.WaitGroup
}

func NewSyslogServer(cfg core.SyslogConfig, sink Sink, logger zerolog.Logger) *SyslogServer {
	return &SyslogServer{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "syslog_ingest").Logger(),
		now:    time.Now,
	}
}

// Start binds the configured listeners. Readers stop when ctx is cancelled
// or Stop is called.
func (s *SyslogServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	proto := strings.ToLower(s.cfg.Protocol)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog ingestion started")
	return nil
}

// Stop closes the listeners and waits for the readers to exit.
func (s *SyslogServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("syslog ingestion stopped")
	return nil
}

// UDPAddr is the bound UDP address, nil when UDP is not enabled.
func (s *SyslogServer) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr is the bound TCP address, nil when TCP is not enabled.
func (s *SyslogServer) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

func (s *SyslogServer) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			peer := ""
			if remote != nil {
				peer = remote.IP.String()
			}
			s.handle(string(buf[:n]), peer)
		}
	}()
	return nil
}

func (s *SyslogServer) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(conn)
			}()
		}
	}()
	return nil
}

func (s *SyslogServer) serveConn(conn net.Conn) {
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	peer := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = addr.IP.String()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		s.handle(scanner.Text(), peer)
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", peer).Msg("TCP connection read error")
	}
}

func (s *SyslogServer) handle(raw, peer string) {
	now := s.now().UTC()
	msg := parseSyslog(raw, now)
	if msg == nil {
		if strings.TrimSpace(raw) == "" {
			return
		}
		metrics.SyslogMessages.WithLabelValues("raw").Inc()
		// informational, user facility
		msg = &syslogMessage{Facility: 1, Severity: 6, Message: strings.TrimSpace(raw)}
	} else {
		metrics.SyslogMessages.WithLabelValues("parsed").Inc()
	}

	ev := toEvent(msg, peer, now)
	if err := s.sink(s.ctx, ev); err != nil {
		metrics.SyslogMessages.WithLabelValues("dropped").Inc()
		s.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("failed to store syslog event")
	}
}
