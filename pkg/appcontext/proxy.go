package appcontext

import (
	"bytes"
	"errors"
	"net"
	"strconv"
)

// maxProxyLine is the longest PROXY protocol v1 header, CRLF included.
const maxProxyLine = 107

var errProxyHeader = errors.New("invalid PROXY protocol header")

// parseProxyLine parses a PROXY protocol v1 line without its CRLF and returns
// the source address, or "" for "PROXY UNKNOWN".
func parseProxyLine(line []byte) (string, error) {
	fields := bytes.Split(line, []byte(" "))
	if len(fields) < 2 || string(fields[0]) != "PROXY" {
		return "", errProxyHeader
	}
	switch string(fields[1]) {
	case "UNKNOWN":
		return "", nil
	case "TCP4", "TCP6":
	default:
		return "", errProxyHeader
	}
	if len(fields) != 6 {
		return "", errProxyHeader
	}
	ip := net.ParseIP(string(fields[2]))
	if ip == nil {
		return "", errProxyHeader
	}
	port, err := strconv.ParseUint(string(fields[4]), 10, 16)
	if err != nil {
		return "", errProxyHeader
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(port, 10)), nil
}
