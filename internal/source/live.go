package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"
)

// liveSource ingests the monitor's RTP feed. The feed is described by an SDP
// file alongside the monitor config; frames are RTP payloads assembled up to
// each marker bit, and RTCP sender reports on the adjacent port keep the
// observed sender rate.
type liveSource struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	frames chan *Frame

	framesSeen int
	startedAt  time.Time

	senderOctetRate float64
	lastReport      time.Time
}

// NewLive opens the RTP/RTCP listeners for a monitor feed. A missing or
// unparsable SDP file is ErrNoSource, same as a missing event folder.
func NewLive(ctx context.Context, sdpPath string) (Source, error) {
	b, err := os.ReadFile(sdpPath)
	if err != nil {
		return nil, fmt.Errorf("feed description %s: %w", sdpPath, ErrNoSource)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("failed to parse feed description %s: %w", sdpPath, ErrNoSource)
	}

	port, err := videoMedia(desc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sdpPath, ErrNoSource)
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen for RTP on port %d: %w", port, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
	if err != nil {
		_ = rtpConn.Close()
		return nil, fmt.Errorf("failed to listen for RTCP on port %d: %w", port+1, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &liveSource{
		cancel:    cancel,
		frames:    make(chan *Frame, 8),
		startedAt: time.Now(),
	}

	go s.readRTP(ctx, rtpConn)
	go s.readRTCP(ctx, rtcpConn)

	return s, nil
}

func (s *liveSource) Next(ctx context.Context, _ int) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (s *liveSource) FrameCount() int { return 0 }

// Rate is the observed frame rate of the feed since it was opened.
func (s *liveSource) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.startedAt).Seconds()
	if elapsed <= 0 || s.framesSeen == 0 {
		return 0
	}
	return float64(s.framesSeen) / elapsed
}

func (s *liveSource) Close() error {
	s.cancel()
	return nil
}

func (s *liveSource) readRTP(ctx context.Context, conn *net.UDPConn) {
	defer conn.Close()
	defer close(s.frames)

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 65536)
	var assembly []byte
	index := 0
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("RTP read failed, closing live feed")
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		assembly = append(assembly, packet.Payload...)
		if !packet.Marker {
			continue
		}

		frame := &Frame{
			Data:      assembly,
			Index:     index,
			Timestamp: time.Now(),
		}
		assembly = nil
		index++

		s.mu.Lock()
		s.framesSeen++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case s.frames <- frame:
		default:
			// A slow session drops the oldest pending frame rather than
			// backing up the feed.
			select {
			case <-s.frames:
			default:
			}
			s.frames <- frame
		}
	}
}

func (s *liveSource) readRTCP(ctx context.Context, conn *net.UDPConn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 1500)
	var lastOctets uint32
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			sr, ok := packet.(*rtcp.SenderReport)
			if !ok {
				continue
			}
			s.mu.Lock()
			now := time.Now()
			if !s.lastReport.IsZero() && sr.OctetCount >= lastOctets {
				interval := now.Sub(s.lastReport).Seconds()
				if interval > 0 {
					s.senderOctetRate = float64(sr.OctetCount-lastOctets) / interval
				}
			}
			lastOctets = sr.OctetCount
			s.lastReport = now
			rate := s.senderOctetRate
			s.mu.Unlock()

			log.WithFields(log.Fields{
				"octets": sr.OctetCount,
				"rate":   rate,
			}).Debug("feed sender report")
		}
	}
}

func videoMedia(desc *sdp.SessionDescription) (int, error) {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		rtpmap, ok := md.Attribute("rtpmap")
		if !ok {
			continue
		}
		// rtpmap is "<payload> <codec>/<clock rate>".
		parts := strings.Split(rtpmap, "/")
		if len(parts) < 2 {
			continue
		}
		clockRate, err := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-1]), 64)
		if err != nil || clockRate <= 0 {
			continue
		}
		return md.MediaName.Port.Value, nil
	}
	return 0, fmt.Errorf("no video media with an rtpmap attribute described")
}
