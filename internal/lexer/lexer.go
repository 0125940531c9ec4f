package lexer

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/atlassian/statsdaemon"
)

// Lexer parses a single line of the form <key>:<bit>[:<bit>...] where each bit is
// <value>|<type>[|@<rate>]. Bits are independent: an invalid bit is reported and skipped.
type Lexer struct {
	// any field added must be considered in Lexer.reset
	input    []byte
	len      uint32
	pos      uint32
	bitStart uint32
	sep      byte // separator which terminated the last field
	key      string
	value    []byte
	m        statsdaemon.Metric
	err      error
	metrics  []statsdaemon.Metric
	errs     []error
}

// returned as separator when the end of input is reached.
const eof byte = 0

var (
	errMissingType       = errors.New("missing type")
	errInvalidType       = errors.New("invalid type")
	errInvalidValue      = errors.New("invalid value")
	errNaN               = errors.New("invalid value NaN")
	errNegativeTimer     = errors.New("negative timer value")
	errInvalidSampleRate = errors.New("invalid sample rate")
)

// A line without any bit counts as a bare increment.
var bareIncrement = []byte("1")

// BitError is returned for each bit which failed validation.
type BitError struct {
	Bit string
	Err error
}

func (e *BitError) Error() string {
	return fmt.Sprintf("bit %q: %v", e.Bit, e.Err)
}

func (e *BitError) Unwrap() error {
	return e.Err
}

func (l *Lexer) reset() {
	l.pos = 0
	l.bitStart = 0
	l.sep = eof
	l.key = ""
	l.value = nil
	l.m = statsdaemon.Metric{}
	l.err = nil
	l.metrics = nil
	l.errs = nil
}

// Run lexes line. It returns the sanitized key, the valid observations in order and one
// *BitError for every rejected bit.
func (l *Lexer) Run(line []byte) (string, []statsdaemon.Metric, []error) {
	l.reset()
	l.input = line
	l.len = uint32(len(line))

	for state := lexKey; state != nil; {
		state = state(l)
	}
	return l.key, l.metrics, l.errs
}

type stateFn func(*Lexer) stateFn

// scanField consumes bytes up to and including the next '|' or ':'. It returns the bytes
// before the separator, and the separator or eof.
func (l *Lexer) scanField() ([]byte, byte) {
	start := l.pos
	for l.pos < l.len {
		b := l.input[l.pos]
		l.pos++
		if b == '|' || b == ':' {
			return l.input[start : l.pos-1], b
		}
	}
	return l.input[start:l.pos], eof
}

// lex the key, everything up to the first colon.
func lexKey(l *Lexer) stateFn {
	idx := bytes.IndexByte(l.input, ':')
	if idx == -1 {
		l.key = statsdaemon.SanitizeKey(string(l.input))
		l.input = bareIncrement
		l.len = uint32(len(bareIncrement))
		l.pos = 0
		return lexBit
	}
	l.key = statsdaemon.SanitizeKey(string(l.input[:idx]))
	l.pos = uint32(idx) + 1
	return lexBit
}

// start a new bit.
func lexBit(l *Lexer) stateFn {
	l.bitStart = l.pos
	l.m = statsdaemon.Metric{Name: l.key, Rate: 1}
	l.value = nil
	l.err = nil
	return lexValue
}

// lex the value, up to the pipe before the type.
func lexValue(l *Lexer) stateFn {
	l.value, l.sep = l.scanField()
	if l.sep != '|' {
		l.err = errMissingType
		return lexEndOfBit
	}
	return lexType
}

// lex the type. An empty type is a counter.
func lexType(l *Lexer) stateFn {
	var field []byte
	field, l.sep = l.scanField()
	switch string(bytes.TrimSpace(field)) {
	case "", "c":
		l.m.Type = statsdaemon.COUNTER
	case "ms":
		l.m.Type = statsdaemon.TIMER
	case "g":
		l.m.Type = statsdaemon.GAUGE
	case "s":
		l.m.Type = statsdaemon.SET
	default:
		l.err = errInvalidType
		return lexUnknown
	}
	if l.sep == '|' {
		return lexSampleRate
	}
	return lexEndOfBit
}

// lex the sampling rate. It is the only optional field understood, fields after it are ignored.
func lexSampleRate(l *Lexer) stateFn {
	var field []byte
	field, l.sep = l.scanField()
	if len(field) < 2 || field[0] != '@' {
		l.err = errInvalidSampleRate
		return lexUnknown
	}
	v, err := strconv.ParseFloat(string(field[1:]), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		l.err = errInvalidSampleRate
		return lexUnknown
	}
	l.m.Rate = v
	return lexUnknown
}

// lexUnknown consumes and discards fields up to the end of the bit.
func lexUnknown(l *Lexer) stateFn {
	for l.sep == '|' {
		_, l.sep = l.scanField()
	}
	return lexEndOfBit
}

// validate and emit the bit, then continue with the next one if there is one.
func lexEndOfBit(l *Lexer) stateFn {
	if l.err == nil {
		l.err = l.setValue()
	}
	if l.err != nil {
		end := l.pos
		if l.sep == ':' {
			end--
		}
		l.errs = append(l.errs, &BitError{Bit: string(l.input[l.bitStart:end]), Err: l.err})
	} else {
		l.metrics = append(l.metrics, l.m)
	}
	if l.sep == ':' {
		return lexBit
	}
	return nil
}

func (l *Lexer) setValue() error {
	if l.m.Type == statsdaemon.SET {
		if len(l.value) == 0 {
			l.m.StringValue = "0"
		} else {
			l.m.StringValue = string(l.value)
		}
		return nil
	}
	v, err := strconv.ParseFloat(string(bytes.TrimSpace(l.value)), 64)
	if err != nil {
		return errInvalidValue
	}
	if math.IsNaN(v) {
		return errNaN
	}
	if l.m.Type == statsdaemon.TIMER && v < 0 {
		return errNegativeTimer
	}
	l.m.Value = v
	l.m.Signed = len(l.value) > 0 && (l.value[0] == '+' || l.value[0] == '-')
	return nil
}
