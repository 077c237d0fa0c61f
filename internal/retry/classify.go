package retry

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/wudi/offlinekit/internal/errors"
)

// ErrorType is the retry class of a failure.
type ErrorType string

const (
	ErrorNetwork ErrorType = "network"
	ErrorServer  ErrorType = "server"
	ErrorClient  ErrorType = "client"
	ErrorUnknown ErrorType = "unknown"
)

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

var (
	networkSignals = []string{"network", "fetch", "connection", "timeout", "timed out", "unreachable", "no such host"}
	serverSignals  = []string{"server error", "service unavailable", "bad gateway", "gateway timeout", "too many requests"}
	clientSignals  = []string{"bad request", "unauthorized", "forbidden", "not found", "unprocessable", "conflict"}
)

// Classify sorts err into a retry class. Structured kinds win, then any
// HTTP status the error carries, then transport timeouts, and finally
// the error text.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	switch errors.KindOf(err) {
	case errors.KindNetwork:
		return ErrorNetwork
	case errors.KindServer:
		return ErrorServer
	case errors.KindClient:
		return ErrorClient
	}

	var sc statusCoder
	if stderrors.As(err, &sc) {
		if t, ok := classifyStatus(sc.StatusCode()); ok {
			return t
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorNetwork
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ErrorNetwork
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) (ErrorType, bool) {
	switch {
	case code == 429, code >= 500 && code <= 599:
		return ErrorServer, true
	case code >= 400 && code <= 499:
		return ErrorClient, true
	}
	return "", false
}

func classifyMessage(msg string) ErrorType {
	msg = strings.ToLower(msg)

	if code, ok := statusInMessage(msg); ok {
		if t, ok := classifyStatus(code); ok {
			return t
		}
	}
	for _, s := range networkSignals {
		if strings.Contains(msg, s) {
			return ErrorNetwork
		}
	}
	if hasWord(msg, "eof") {
		return ErrorNetwork
	}
	for _, s := range serverSignals {
		if strings.Contains(msg, s) {
			return ErrorServer
		}
	}
	for _, s := range clientSignals {
		if strings.Contains(msg, s) {
			return ErrorClient
		}
	}
	return ErrorUnknown
}

// statusInMessage finds a standalone three-digit 4xx or 5xx code in msg.
func statusInMessage(msg string) (int, bool) {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return r < '0' || r > '9'
	})
	for _, f := range fields {
		if len(f) != 3 || (f[0] != '4' && f[0] != '5') {
			continue
		}
		if code, err := strconv.Atoi(f); err == nil {
			return code, true
		}
	}
	return 0, false
}

// hasWord reports whether word appears in msg delimited by non-letters.
func hasWord(msg, word string) bool {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}
