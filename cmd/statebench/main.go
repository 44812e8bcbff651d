// Command statebench drives a set of variable states through a simulated
// decode loop and reports timing and quantization error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/quarrel-varstate/internal/config"
	"github.com/23skdu/quarrel-varstate/internal/logger"
	"github.com/23skdu/quarrel-varstate/internal/monitoring"
	"github.com/23skdu/quarrel-varstate/internal/parallel"
	"github.com/23skdu/quarrel-varstate/internal/quant"
	"github.com/23skdu/quarrel-varstate/internal/snapshot"
	"github.com/23skdu/quarrel-varstate/internal/state"
	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

type Output struct {
	Steps           int     `json:"steps"`
	Resets          int     `json:"resets"`
	Precision       string  `json:"kv_precision"`
	GroupSize       int     `json:"group_size,omitempty"`
	QuantByChannel  bool    `json:"quant_by_channel,omitempty"`
	MaxAbsError     float32 `json:"max_abs_error"`
	MeanSetStateUS  float64 `json:"mean_set_state_us"`
	MeanGetStateUS  float64 `json:"mean_get_state_us"`
	LiveBytes       int64   `json:"live_bytes"`
	SnapshotRows    int64   `json:"snapshot_rows,omitempty"`
	TotalDurationMS float64 `json:"total_duration_ms"`
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(flag.CommandLine.Output(), "\nEnvironment:\n")
	for _, ev := range config.EnvVars() {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-28s %s\n", ev.Name, ev.Description)
	}
}

func main() {
	steps := flag.Int("steps", 64, "Number of decode steps to simulate")
	batch := flag.Int("batch", 2, "Batch (beam) size")
	heads := flag.Int("heads", 4, "Number of attention heads")
	headSize := flag.Int("head-size", 64, "Head size")
	hidden := flag.Int("hidden", 256, "Recurrent hidden state width")
	resetEvery := flag.Int("reset-every", 0, "Reset all states every N steps (0 disables)")
	precision := flag.String("precision", "", "KV cache precision (f32, f16, bf16, u8); overrides VARSTATE_KV_PRECISION")
	groupSize := flag.Int("group-size", 0, "Quantization group size; overrides VARSTATE_GROUP_SIZE")
	byChannel := flag.Bool("by-channel", false, "Quantize by channel instead of by group")
	workers := flag.Int("workers", 0, "Worker count; overrides VARSTATE_WORKERS")
	metricsAddr := flag.String("metrics", "", "Address to serve /health, /status and /metrics; overrides VARSTATE_METRICS_ADDR")
	outputFormat := flag.String("output", "text", "Output format (text or json)")
	dump := flag.Bool("dump", false, "Export the final key cache as an Arrow record")
	flag.Usage = usage
	flag.Parse()

	cfg := config.Default()
	if err := cfg.FromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		os.Exit(1)
	}
	if *precision != "" {
		cfg.KVPrecision = *precision
	}
	if *groupSize > 0 {
		cfg.GroupSize = *groupSize
	}
	if *byChannel {
		cfg.QuantByChannel = true
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log.With("statebench")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bench{
		cfg:      cfg,
		batch:    *batch,
		heads:    *heads,
		headSize: *headSize,
		hidden:   *hidden,
		rng:      rand.New(rand.NewSource(1)),
		log:      log,
	}
	if err := b.declare(); err != nil {
		log.Error("failed to declare states", "err", err)
		os.Exit(1)
	}

	// u8 codes are within scale/2 of the input, so 1/255 bounds inputs in [-1, 1]
	b.health = monitoring.NewHealthMonitor(b.registry, 1.0/255)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := b.health.Start(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("health monitor error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.health.Stop(shutdownCtx)
		}()
	}

	out, err := b.run(ctx, *steps, *resetEvery)
	if err != nil {
		log.Error("benchmark failed", "err", err)
		os.Exit(1)
	}

	if *dump {
		rows, err := b.dump()
		if err != nil {
			log.Error("snapshot failed", "err", err)
			os.Exit(1)
		}
		out.SnapshotRows = rows
	}

	if *outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			log.Error("failed to encode output", "err", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("Steps: %d (resets: %d)\n", out.Steps, out.Resets)
	fmt.Printf("KV cache: %s, group size %d, by channel %v\n", out.Precision, out.GroupSize, out.QuantByChannel)
	fmt.Printf("Max abs error: %g\n", out.MaxAbsError)
	fmt.Printf("Mean SetState: %.1fus, mean State: %.1fus\n", out.MeanSetStateUS, out.MeanGetStateUS)
	fmt.Printf("Live state bytes: %d\n", out.LiveBytes)
	if *dump {
		fmt.Printf("Snapshot rows: %d\n", out.SnapshotRows)
	}
	fmt.Printf("Total: %.1fms\n", out.TotalDurationMS)
}

type bench struct {
	cfg      config.Config
	batch    int
	heads    int
	headSize int
	hidden   int
	rng      *rand.Rand
	log      *logger.Logger
	registry *state.Registry
	health   *monitoring.HealthMonitor
}

func (b *bench) declare() error {
	b.registry = state.NewRegistry(parallel.New(b.cfg.Workers, b.cfg.MinChunk), b.cfg)

	// [B, H, L, S]; the registry stores it in state.DenseKVOrder
	kvExternal := tensor.MustDescriptor([]int{b.batch, b.heads, tensor.UndefinedDim, b.headSize}, tensor.F32, nil)
	recurrent := tensor.MustDescriptor([]int{b.batch, b.hidden}, tensor.F32, nil)

	decls := []state.Declaration{
		{Name: "past_key", Kind: state.KindKVCache, External: kvExternal},
		{Name: "past_value", Kind: state.KindKVCache, External: kvExternal},
		{Name: "rnn.hidden", Kind: state.KindDoubleBuffer, External: recurrent},
		{Name: "conv.window", Kind: state.KindSingleBuffer, External: recurrent},
	}
	for _, d := range decls {
		if _, err := b.registry.Declare(d); err != nil {
			return fmt.Errorf("declare %s: %w", d.Name, err)
		}
	}
	b.log.Info("states declared", "names", b.registry.Names())
	return nil
}

func (b *bench) random(dims []int) (*tensor.Buffer, error) {
	desc, err := tensor.NewDescriptor(dims, tensor.F32, nil)
	if err != nil {
		return nil, err
	}
	values := make([]float32, desc.NumElements())
	for i := range values {
		values[i] = b.rng.Float32()*2 - 1
	}
	return tensor.FromFloat32(desc, values)
}

func (b *bench) run(ctx context.Context, steps, resetEvery int) (Output, error) {
	out := Output{Precision: b.cfg.KVPrecision}
	if b.cfg.IsQuantized() {
		out.GroupSize = b.cfg.GroupSize
		out.QuantByChannel = b.cfg.QuantByChannel
	}
	var setTime, getTime time.Duration
	var setCalls, getCalls int
	start := time.Now()
	seqLen := 0

	for step := 0; step < steps; step++ {
		if ctx.Err() != nil {
			b.log.Warn("interrupted", "step", step)
			break
		}
		// one step holds the registry so /status never sees a half-applied step
		err := b.registry.Step(func() error {
			if resetEvery > 0 && step > 0 && step%resetEvery == 0 {
				b.registry.ResetAll()
				seqLen = 0
				out.Resets++
			}
			seqLen++

			for _, name := range b.registry.Names() {
				s, _ := b.registry.Get(name)
				var dims []int
				if s.Kind() == state.KindKVCache {
					dims = []int{b.batch, b.heads, seqLen, b.headSize}
				} else {
					dims = []int{b.batch, b.hidden}
				}
				in, err := b.random(dims)
				if err != nil {
					return err
				}

				t0 := time.Now()
				if err := s.SetState(in); err != nil {
					return fmt.Errorf("step %d: set %s: %w", step, name, err)
				}
				setTime += time.Since(t0)
				setCalls++

				t0 = time.Now()
				got, err := s.State()
				if err != nil {
					return fmt.Errorf("step %d: get %s: %w", step, name, err)
				}
				getTime += time.Since(t0)
				getCalls++

				if s.Kind() == state.KindKVCache {
					e := quant.MaxAbsError(in.ToFloat32(), got.ToFloat32())
					b.health.RecordDequantError(name, e)
					out.MaxAbsError = max(out.MaxAbsError, e)
				}
				got.Release()
				in.Release()
			}

			// the step's outputs for the recurrent states
			for _, name := range []string{"rnn.hidden", "conv.window"} {
				s, _ := b.registry.Get(name)
				next, err := b.random([]int{b.batch, b.hidden})
				if err != nil {
					return err
				}
				if err := s.OutputMem().Load(next); err != nil {
					return fmt.Errorf("step %d: write %s: %w", step, name, err)
				}
				next.Release()
			}
			b.registry.CommitAll()
			return nil
		})
		if err != nil {
			return out, err
		}
		out.Steps++
	}

	if setCalls > 0 {
		out.MeanSetStateUS = float64(setTime.Microseconds()) / float64(setCalls)
	}
	if getCalls > 0 {
		out.MeanGetStateUS = float64(getTime.Microseconds()) / float64(getCalls)
	}
	out.LiveBytes = tensor.LiveBytes()
	out.TotalDurationMS = float64(time.Since(start).Microseconds()) / 1000
	return out, nil
}

func (b *bench) dump() (int64, error) {
	s, ok := b.registry.Get("past_key")
	if !ok {
		return 0, fmt.Errorf("past_key not declared")
	}
	var buf *tensor.Buffer
	err := b.registry.Step(func() error {
		var err error
		buf, err = s.State()
		return err
	})
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	rec, err := snapshot.ToRecord(nil, buf, state.DenseKVOrder())
	if err != nil {
		return 0, err
	}
	defer rec.Release()
	b.log.Info("snapshot exported", "rows", rec.NumRows(), "schema", rec.Schema().String())
	return rec.NumRows(), nil
}
