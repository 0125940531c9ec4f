package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ash2k/stager/wait"
	"golang.org/x/time/rate"
)

func main() {
	opts, help, err := parseArgs(os.Args[1:], os.Stdout, os.Stderr)
	if help {
		return
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "\n\n%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricGenerators := newGenerators(opts, rand.Int63())
	var wg wait.Group
	for _, generator := range metricGenerators {
		generator := generator
		wg.StartWithContext(ctx, func(ctx context.Context) {
			if err := sendMetricsWorker(ctx, opts.Target, opts.DatagramSize, opts.Rate/opts.Workers, generator); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
			}
		})
	}

	chDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(chDone)
	}()

	statusTicker := time.NewTicker(1 * time.Second)
	defer statusTicker.Stop()
	for {
		select {
		case <-chDone:
			return
		case <-statusTicker.C:
			counters := uint64(0)
			gauges := uint64(0)
			sets := uint64(0)
			timers := uint64(0)
			for _, mg := range metricGenerators {
				counters += atomic.LoadUint64(&mg.counters.count)
				gauges += atomic.LoadUint64(&mg.gauges.count)
				sets += atomic.LoadUint64(&mg.sets.count)
				timers += atomic.LoadUint64(&mg.timers.count)
			}
			fmt.Printf("%d counters, %d gauges, %d sets, %d timers left\n", counters, gauges, sets, timers)
		}
	}
}

// newGenerators splits the work evenly across opts.Workers generators.
func newGenerators(opts commandOptions, seed int64) []*metricGenerator {
	seeds := rand.New(rand.NewSource(seed))
	metricGenerators := make([]*metricGenerator, 0, opts.Workers)
	for i := uint(0); i < opts.Workers; i++ {
		metricGenerators = append(metricGenerators, &metricGenerator{
			rnd:         rand.New(rand.NewSource(seeds.Int63())),
			sampleRate:  opts.SampleRate,
			gaugeDeltas: opts.GaugeDeltas,
			counters: metricData{
				nameFormat:      fmt.Sprintf("%scounter%s", opts.MetricPrefix, opts.MetricSuffix),
				count:           opts.Counts.Counter / uint64(opts.Workers),
				nameCardinality: opts.NameCard.Counter,
				valueLimit:      opts.ValueRange.Counter,
			},
			gauges: metricData{
				nameFormat:      fmt.Sprintf("%sgauge%s", opts.MetricPrefix, opts.MetricSuffix),
				count:           opts.Counts.Gauge / uint64(opts.Workers),
				nameCardinality: opts.NameCard.Gauge,
				valueLimit:      opts.ValueRange.Gauge,
			},
			sets: metricData{
				nameFormat:      fmt.Sprintf("%sset%s", opts.MetricPrefix, opts.MetricSuffix),
				count:           opts.Counts.Set / uint64(opts.Workers),
				nameCardinality: opts.NameCard.Set,
				valueLimit:      opts.ValueRange.Set,
			},
			timers: metricData{
				nameFormat:      fmt.Sprintf("%stimer%s", opts.MetricPrefix, opts.MetricSuffix),
				count:           opts.Counts.Timer / uint64(opts.Workers),
				nameCardinality: opts.NameCard.Timer,
				valueLimit:      opts.ValueRange.Timer,
			},
		})
	}
	return metricGenerators
}

// sendMetricsWorker packs lines into datagrams of at most bufSize bytes and sends packetRate of them per second.
func sendMetricsWorker(ctx context.Context, address string, bufSize uint, packetRate uint, generator *metricGenerator) error {
	s, err := net.DialTimeout("udp", address, 1*time.Second)
	if err != nil {
		return err
	}
	defer s.Close()

	limiter := rate.NewLimiter(rate.Limit(packetRate), 1)
	b := &bytes.Buffer{}
	send := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.Write(b.Bytes()); err != nil {
			fmt.Printf("Pausing for 1 second, error sending packet: %v\n", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(1 * time.Second):
			}
		}
		b.Reset()
		return nil
	}

	sb := &strings.Builder{}
	for generator.next(sb) {
		if b.Len() > 0 && uint(b.Len()+sb.Len()) > bufSize {
			if err := send(); err != nil {
				return err
			}
		}
		b.WriteString(sb.String())
		sb.Reset()
	}

	if b.Len() > 0 {
		return send()
	}
	return nil
}
