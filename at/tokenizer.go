package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// it would need modification to handle command echoes that precede the actual
// response.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// urcPrefixes are the notifications the gateway reacts to. Call progress
// lines are included because a voice call placed with ATD<n>; completes
// with OK long before the call is answered or dropped.
var urcPrefixes = []string{
	UrcNewMsg,
	UrcCallerID,
	UrcDTMF,
	UrcNetworkTime,
	UrcTimeZone,
	UrcDaylightSave,
}

var urcLines = []string{
	UrcCall,
	UrcMoConnected,
	UrcCallReady,
	UrcSMSReady,
	NoCarrier,
	NoDialtone,
	Busy,
	NoAnswer,
}

// IsURC reports whether line is one of the known unsolicited patterns.
func IsURC(line string) bool {
	for _, l := range urcLines {
		if line == l {
			return true
		}
	}
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// IsError reports whether line is a final error result.
func IsError(line string) bool {
	return line == ERROR ||
		strings.HasPrefix(line, CmeError) ||
		strings.HasPrefix(line, CmsError)
}

// Classify identifies the nature of the modem output. Unsolicited patterns
// are tested first so that a notification interleaved with a command
// response is never mistaken for part of it.
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}
	if IsURC(line) {
		return TypeURC
	}
	if line == OK || IsError(line) {
		return TypeFinal
	}
	return TypeData
}
