package caster

import (
	"bytes"
	"strings"
)

// outcome is the result of attempting to classify a PENDING agent's parse
// buffer.
type outcome int

const (
	outcomeWait outcome = iota
	outcomeClose
	outcomeBecomeClient
	outcomeBecomeSource
)

// parsed holds the fields extracted from a well-formed opening request.
type parsed struct {
	mountpoint  string
	userAgent   string
	password    string // SOURCE only
	bearerToken string // GET only, from "Authorization: Bearer <token>"
}

// classify inspects a PENDING agent's parse buffer and decides whether to
// wait for more data, close the connection, or promote it to CLIENT/SOURCE.
//
// The verb must appear at the very start of the buffer — an anchored match,
// not a scan for the verb literal anywhere in the accumulated bytes. This
// hardens against a payload that smuggles a "GET " or "SOURCE " token after
// some garbage prefix to fake a match partway through an otherwise-bogus
// buffer; see DESIGN.md for the full rationale.
func classify(buf []byte) (outcome, parsed) {
	switch {
	case bytes.HasPrefix(buf, []byte("GET ")):
		return classifyClient(buf)
	case bytes.HasPrefix(buf, []byte("SOURCE ")):
		return classifySource(buf)
	default:
		return outcomeWait, parsed{}
	}
}

func classifyClient(buf []byte) (outcome, parsed) {
	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return outcomeWait, parsed{}
	}
	ua, ok := extractHeader(buf, "User-Agent")
	if !ok {
		return outcomeWait, parsed{}
	}

	fields := strings.Fields(string(buf[:lineEnd]))
	if len(fields) != 3 || fields[0] != "GET" || !strings.HasPrefix(fields[2], "HTTP/1") {
		return outcomeClose, parsed{}
	}

	mountpoint := strings.TrimPrefix(fields[1], "/")
	if len(mountpoint) > maxMountpointLen {
		return outcomeClose, parsed{}
	}

	bearer, _ := extractHeader(buf, "Authorization")
	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer"))

	return outcomeBecomeClient, parsed{
		mountpoint:  mountpoint,
		userAgent:   truncate(ua, maxUserAgentLen),
		bearerToken: bearer,
	}
}

func classifySource(buf []byte) (outcome, parsed) {
	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return outcomeWait, parsed{}
	}
	ua, ok := extractHeader(buf, "Source-Agent")
	if !ok {
		return outcomeWait, parsed{}
	}

	fields := strings.Fields(string(buf[:lineEnd]))
	if len(fields) != 3 || fields[0] != "SOURCE" {
		return outcomeClose, parsed{}
	}

	password := fields[1]
	mountpoint := fields[2]
	if len(mountpoint) > maxMountpointLen {
		return outcomeClose, parsed{}
	}

	return outcomeBecomeSource, parsed{
		mountpoint: mountpoint,
		userAgent:  truncate(ua, maxUserAgentLen),
		password:   password,
	}
}

// isSourceTableRequest reports whether a derived client mountpoint names the
// NTRIP discovery root (empty, after stripping the leading '/', or "/").
func isSourceTableRequest(mountpoint string) bool {
	return mountpoint == "" || mountpoint == "/"
}

// extractHeader scans CRLF-delimited lines in buf for a header named name
// (case-insensitive) and returns its trimmed value. The header must be
// terminated by a following "\r\n" — i.e. fully received — or ok is false.
func extractHeader(buf []byte, name string) (value string, ok bool) {
	lines := bytes.Split(buf, []byte("\r\n"))
	prefix := strings.ToLower(name) + ":"
	// The last element of lines is whatever follows the final \r\n seen so
	// far (possibly a partial header); only consider terminated lines.
	for i := 0; i < len(lines)-1; i++ {
		line := lines[i]
		if len(line) <= len(prefix) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(string(line)), prefix) {
			return strings.TrimSpace(string(line[len(prefix):])), true
		}
	}
	return "", false
}
