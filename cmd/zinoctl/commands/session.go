package commands

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for protocol handling.
var (
	errBadBanner  = errors.New("malformed server banner")
	errAuthFailed = errors.New("authentication failed")
)

// dialTimeout bounds the initial TCP connect.
const dialTimeout = 10 * time.Second

// serverError is a 5xx response from the daemon, carrying its message text.
type serverError struct {
	code int
	text string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.code, e.text)
}

// session is one authenticated connection to the daemon's command channel.
// The protocol is line oriented: requests are single lines, responses are a
// numeric status line optionally followed by a dot-terminated body.
type session struct {
	conn net.Conn
	in   *bufio.Reader
}

// connect dials the daemon, reads the challenge banner and authenticates
// with the SHA-1 challenge-response scheme.
func connect(addr, user, secret string) (*session, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s := &session{conn: conn, in: bufio.NewReader(conn)}

	code, msg, err := s.readStatus()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read banner: %w", err)
	}
	fields := strings.Fields(msg)
	if code != 200 || len(fields) < 1 {
		conn.Close()
		return nil, fmt.Errorf("%w: %d %s", errBadBanner, code, msg)
	}
	challenge := fields[0]

	code, msg, err = s.command(fmt.Sprintf("USER %s %s", user, challengeResponse(challenge, secret)))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code != 200 {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", errAuthFailed, msg)
	}
	return s, nil
}

// challengeResponse computes the legacy proof: SHA-1 over the challenge, a
// single space and the shared secret, as lowercase hex.
func challengeResponse(challenge, secret string) string {
	sum := sha1.Sum([]byte(challenge + " " + secret))
	return hex.EncodeToString(sum[:])
}

func (s *session) Close() error {
	fmt.Fprintf(s.conn, "QUIT\r\n")
	return s.conn.Close()
}

// command sends one request line and reads the status response.
func (s *session) command(line string) (int, string, error) {
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", line); err != nil {
		return 0, "", fmt.Errorf("send command: %w", err)
	}
	return s.readStatus()
}

// run sends a command and fails on any non-2xx/3xx response.
func (s *session) run(line string) (string, error) {
	code, msg, err := s.command(line)
	if err != nil {
		return "", err
	}
	if code >= 500 {
		return "", &serverError{code: code, text: msg}
	}
	return msg, nil
}

// list sends a command expecting a dot-terminated body and returns the
// unstuffed body lines.
func (s *session) list(line string) ([]string, error) {
	code, msg, err := s.command(line)
	if err != nil {
		return nil, err
	}
	if code >= 500 {
		return nil, &serverError{code: code, text: msg}
	}
	return s.readBody()
}

// submit sends a command that prompts for a multi-line message (302), then
// transmits the dot-stuffed message lines and the terminator.
func (s *session) submit(line string, body []string) (string, error) {
	code, msg, err := s.command(line)
	if err != nil {
		return "", err
	}
	if code >= 500 {
		return "", &serverError{code: code, text: msg}
	}
	if code != 302 {
		return "", fmt.Errorf("unexpected response %d: %s", code, msg)
	}
	for _, l := range body {
		if strings.HasPrefix(l, ".") {
			l = "." + l
		}
		if _, err := fmt.Fprintf(s.conn, "%s\r\n", l); err != nil {
			return "", fmt.Errorf("send message line: %w", err)
		}
	}
	if _, err := fmt.Fprintf(s.conn, ".\r\n"); err != nil {
		return "", fmt.Errorf("send terminator: %w", err)
	}

	code, msg, err = s.readStatus()
	if err != nil {
		return "", err
	}
	if code >= 500 {
		return "", &serverError{code: code, text: msg}
	}
	return msg, nil
}

// readStatus parses a `NNN message` or `NNN- continuation` response. For
// continued responses the message lines are joined with newlines.
func (s *session) readStatus() (int, string, error) {
	var lines []string
	for {
		raw, err := s.in.ReadString('\n')
		if err != nil {
			return 0, "", fmt.Errorf("read response: %w", err)
		}
		raw = strings.TrimRight(raw, "\r\n")
		if len(raw) < 4 {
			return 0, "", fmt.Errorf("short response line %q", raw)
		}
		code, err := strconv.Atoi(raw[:3])
		if err != nil {
			return 0, "", fmt.Errorf("malformed response line %q", raw)
		}
		lines = append(lines, strings.TrimSpace(raw[4:]))
		if raw[3] != '-' {
			return code, strings.Join(lines, "\n"), nil
		}
	}
}

// readBody reads a dot-terminated response body, undoing dot-stuffing.
func (s *session) readBody() ([]string, error) {
	var lines []string
	for {
		raw, err := s.in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "." {
			return lines, nil
		}
		if strings.HasPrefix(raw, "..") {
			raw = raw[1:]
		}
		lines = append(lines, raw)
	}
}
