package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	clamavEngineName = "clamav"

	// instreamChunkSize is the payload size per INSTREAM chunk. clamd
	// accepts chunks up to its StreamMaxLength; 64 KiB keeps memory flat.
	instreamChunkSize = 64 * 1024
)

// per-target outcome reported by clamd.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeFound
	outcomeError
)

// targetResult is one parsed clamd response line: the scanned target, its
// outcome, and the threat name or error message when present.
type targetResult struct {
	id      string
	outcome outcome
	detail  string
}

// ClamAV talks to a clamd daemon over TCP using the null-delimited command
// protocol (zPING, zSCAN, zINSTREAM).
//
// A fresh connection is opened per call: clamd does not multiplex requests
// on one connection, and the cost of a connection is negligible next to a
// full file scan. Every failure mode resolves to a rejected verdict.
type ClamAV struct {
	host    string
	port    int
	timeout time.Duration
	metrics *Metrics
}

var _ Adapter = (*ClamAV)(nil)

// NewClamAV returns an adapter for the clamd daemon at host:port. metrics
// may be nil.
func NewClamAV(host string, port int, timeout time.Duration, metrics *Metrics) *ClamAV {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClamAV{host: host, port: port, timeout: timeout, metrics: metrics}
}

// Scan submits the file at path via the clamd SCAN command. The daemon
// reads the file directly, so it must share a filesystem with this process;
// use ScanBytes otherwise.
func (c *ClamAV) Scan(ctx context.Context, path string) Verdict {
	start := time.Now()
	results, err := c.scanPath(ctx, path)
	v := c.interpret(results, err, time.Since(start))
	c.finish(v, err, "scan", path)
	return v
}

// ScanBytes streams data to clamd via INSTREAM, avoiding any shared
// filesystem requirement.
func (c *ClamAV) ScanBytes(ctx context.Context, data []byte) Verdict {
	start := time.Now()
	results, err := c.scanStream(ctx, data)
	v := c.interpret(results, err, time.Since(start))
	c.finish(v, err, "instream", "")
	return v
}

// Ping returns true only when clamd answers PING with exactly PONG.
func (c *ClamAV) Ping(ctx context.Context) bool {
	reply, err := c.roundTrip(ctx, func(conn net.Conn) error {
		_, werr := conn.Write([]byte("zPING\x00"))
		return werr
	})
	if err != nil {
		log.Warn().Err(err).Str("engine", clamavEngineName).Msg("Engine ping failed")
		return false
	}
	if len(reply) != 1 || reply[0] != "PONG" {
		log.Warn().Strs("reply", reply).Str("engine", clamavEngineName).Msg("Unexpected ping reply from engine")
		return false
	}
	return true
}

// interpret maps parsed per-target results (or a transport error) onto a
// verdict. Fail-secure: a transport error or any per-target ERROR discards
// all findings and rejects, a partial scan is treated as no scan.
func (c *ClamAV) interpret(results []targetResult, err error, elapsed time.Duration) Verdict {
	v := Verdict{Status: StatusClean, Duration: elapsed, Engine: clamavEngineName}
	if err != nil {
		v.Status = StatusRejected
		return v
	}

	var findings []Finding
	for _, r := range results {
		switch r.outcome {
		case outcomeError:
			v.Status = StatusRejected
			v.Findings = nil
			return v
		case outcomeFound:
			findings = append(findings, Finding{
				Kind:     KindAVThreat,
				Category: categorizeThreat(r.detail),
				// clamd signature names carry no severity signal; assign
				// a uniform conservative default.
				Severity: SeverityHigh,
				Match:    r.detail,
			})
		}
	}

	if len(findings) > 0 {
		v.Status = StatusFlagged
		v.Findings = findings
	}
	return v
}

func (c *ClamAV) finish(v Verdict, err error, op, path string) {
	c.metrics.RecordScan(clamavEngineName, v.Status, v.Duration)
	evt := log.Info()
	if v.Status == StatusRejected {
		evt = log.Error().Err(err)
	}
	evt.Str("engine", clamavEngineName).
		Str("op", op).
		Str("path", path).
		Str("status", string(v.Status)).
		Int("findings", len(v.Findings)).
		Dur("duration", v.Duration).
		Msg("Scan complete")
}

// categorizeThreat derives a stable category from a clamd threat name by
// keeping the first two dot-separated components ("Win.Test.EICAR_HDB-1"
// becomes "Win.Test"). Shorter names are returned unchanged.
func categorizeThreat(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return name
}

func (c *ClamAV) scanPath(ctx context.Context, path string) ([]targetResult, error) {
	reply, err := c.roundTrip(ctx, func(conn net.Conn) error {
		_, werr := fmt.Fprintf(conn, "zSCAN %s\x00", path)
		return werr
	})
	if err != nil {
		return nil, err
	}
	return parseResults(reply)
}

func (c *ClamAV) scanStream(ctx context.Context, data []byte) ([]targetResult, error) {
	reply, err := c.roundTrip(ctx, func(conn net.Conn) error {
		if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
			return err
		}
		var size [4]byte
		for off := 0; off < len(data); off += instreamChunkSize {
			end := off + instreamChunkSize
			if end > len(data) {
				end = len(data)
			}
			binary.BigEndian.PutUint32(size[:], uint32(end-off))
			if _, err := conn.Write(size[:]); err != nil {
				return err
			}
			if _, err := conn.Write(data[off:end]); err != nil {
				return err
			}
		}
		// zero-length chunk terminates the stream
		binary.BigEndian.PutUint32(size[:], 0)
		_, err := conn.Write(size[:])
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseResults(reply)
}

// roundTrip opens a connection, applies the call deadline, runs send, and
// reads all null-delimited reply lines. Exactly one engine round trip.
func (c *ClamAV) roundTrip(ctx context.Context, send func(net.Conn) error) ([]string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to clamd at %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := send(conn); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	reader := bufio.NewReader(conn)
	var lines []string
	for {
		line, err := reader.ReadString(0)
		if len(line) > 0 {
			line = strings.TrimRight(line, "\x00")
			line = strings.TrimRight(line, "\n")
			if line != "" {
				lines = append(lines, line)
			}
		}
		if err != nil {
			break
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty reply from clamd")
	}
	return lines, nil
}

// parseResults converts clamd reply lines into per-target results. Each
// line has the form "<target>: <detail> FOUND", "<target>: OK", or
// "<target>: <message> ERROR".
func parseResults(lines []string) ([]targetResult, error) {
	results := make([]targetResult, 0, len(lines))
	for _, line := range lines {
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return nil, fmt.Errorf("malformed clamd reply line %q", line)
		}
		id, rest := line[:idx], line[idx+2:]

		switch {
		case rest == "OK":
			results = append(results, targetResult{id: id, outcome: outcomeOK})
		case strings.HasSuffix(rest, " FOUND"):
			results = append(results, targetResult{
				id:      id,
				outcome: outcomeFound,
				detail:  strings.TrimSuffix(rest, " FOUND"),
			})
		case strings.HasSuffix(rest, "ERROR"):
			results = append(results, targetResult{
				id:      id,
				outcome: outcomeError,
				detail:  strings.TrimSpace(strings.TrimSuffix(rest, "ERROR")),
			})
		default:
			return nil, fmt.Errorf("unrecognized clamd reply line %q", line)
		}
	}
	return results, nil
}
