package main

import (
	"fmt"
	"io"

	"github.com/jessevdk/go-flags"
)

type commandOptions struct {
	Target       string  `short:"a" long:"address"                 default:"127.0.0.1:8125" description:"Address to send metrics"                 `
	MetricPrefix string  `short:"p" long:"metric-prefix"           default:"loadtest."      description:"Metric name prefix"                      `
	MetricSuffix string  `          long:"metric-suffix"           default:".%d"            description:"Metric suffix with cardinality marker"   `
	Rate         uint    `short:"r" long:"rate"                    default:"1000"           description:"Target packets per second"               `
	DatagramSize uint    `          long:"buffer-size"             default:"1500"           description:"Maximum size of datagram to send"        `
	Workers      uint    `short:"w" long:"workers"                 default:"1"              description:"Number of parallel workers to use"       `
	SampleRate   float64 `          long:"sample-rate"             default:"1"              description:"Sample rate of counters and timers"      `
	GaugeDeltas  bool    `          long:"gauge-deltas"                                     description:"Send gauges as signed deltas"            `
	Counts       struct {
		Counter uint64 ` short:"c" long:"counter-count"                                    description:"Number of counters to send"              `
		Gauge   uint64 ` short:"g" long:"gauge-count"                                      description:"Number of gauges to send"                `
		Set     uint64 ` short:"s" long:"set-count"                                        description:"Number of sets to send"                  `
		Timer   uint64 ` short:"t" long:"timer-count"                                      description:"Number of timers to send"                `
	} `group:"Metric count"`
	NameCard struct {
		Counter uint `             long:"counter-cardinality"     default:"1"              description:"Cardinality of counter names"            `
		Gauge   uint `             long:"gauge-cardinality"       default:"1"              description:"Cardinality of gauges names"             `
		Set     uint `             long:"set-cardinality"         default:"1"              description:"Cardinality of set names"                `
		Timer   uint `             long:"timer-cardinality"       default:"1"              description:"Cardinality of timer names"              `
	} `group:"Name cardinality"`
	ValueRange struct {
		Counter uint `             long:"counter-value-limit"     default:"0"              description:"Maximum value of counters minus one"     `
		Gauge   uint `             long:"gauge-value-limit"       default:"1"              description:"Maximum value of gauges"                 `
		Set     uint `             long:"set-value-cardinality"   default:"1"              description:"Maximum number of values to send per set"`
		Timer   uint `             long:"timer-value-limit"       default:"1"              description:"Maximum value of timers"                 `
	} `group:"Value range"`
}

// parseArgs returns the options, or whether help was requested, or an error after writing the usage to stderr.
func parseArgs(args []string, stdout, stderr io.Writer) (opts commandOptions, help bool, err error) {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "" + // because gofmt
		"Sends random counters, gauges, sets and timers in the statsd line protocol.\n" +
		"Metric names are formed from the prefix and the suffix, where the suffix\n" +
		"carries a %d marker replaced by a number below the name cardinality."

	positional, err := parser.ParseArgs(args)
	if err != nil {
		if isHelp(err) {
			parser.WriteHelp(stdout)
			return opts, true, nil
		}
		parser.WriteHelp(stderr)
		return opts, false, fmt.Errorf("error parsing command line: %v", err)
	}

	if len(positional) != 0 {
		// Near as I can tell there's no way to say no positional arguments allowed.
		parser.WriteHelp(stderr)
		return opts, false, fmt.Errorf("no positional arguments allowed")
	}

	if err := opts.validate(); err != nil {
		parser.WriteHelp(stderr)
		return opts, false, err
	}
	return opts, false, nil
}

func (opts *commandOptions) validate() error {
	if opts.Counts.Counter+opts.Counts.Gauge+opts.Counts.Set+opts.Counts.Timer == 0 {
		return fmt.Errorf("at least one of counter-count, gauge-count, set-count, or timer-count must be non-zero")
	}
	if opts.Workers == 0 || opts.Rate < opts.Workers {
		return fmt.Errorf("workers must be positive and no more than rate")
	}
	if opts.SampleRate <= 0 || opts.SampleRate > 1 {
		return fmt.Errorf("sample-rate must be in (0, 1]")
	}
	if opts.NameCard.Counter == 0 || opts.NameCard.Gauge == 0 || opts.NameCard.Set == 0 || opts.NameCard.Timer == 0 {
		return fmt.Errorf("name cardinalities must be positive")
	}
	if opts.ValueRange.Gauge == 0 || opts.ValueRange.Set == 0 {
		return fmt.Errorf("gauge-value-limit and set-value-cardinality must be positive")
	}
	return nil
}

// isHelp is a helper to test the error from ParseArgs() to
// determine if the help message was requested. It is safe to
// call without first checking that error is nil.
func isHelp(err error) bool {
	flagError, ok := err.(*flags.Error)
	return ok && flagError.Type == flags.ErrHelp
}
