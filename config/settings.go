package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Settings struct {
	Simulation SimulationSettings `json:"simulation"`
	Server     ServerSettings     `json:"server"`
	GPU        GPUSettings        `json:"gpu"`
	Log        LogSettings        `json:"log"`
}

type SimulationSettings struct {
	ChunkWidth  int    `json:"chunkWidth"`
	ChunkRadius int    `json:"chunkRadius"`
	Ticks       int    `json:"ticks"`
	MaxInFlight int    `json:"maxInFlight"`
	SyncEvery   int    `json:"syncEvery"` // 0 = only at the end
	Seed        uint64 `json:"seed"`
	Comment     string `json:"comment"`
}

type ServerSettings struct {
	Port             int `json:"port"`
	UpdateIntervalMs int `json:"updateIntervalMs"`
	TicksPerUpdate   int `json:"ticksPerUpdate"`
}

type GPUSettings struct {
	Backend    string `json:"backend"` // cpu or gl
	Workers    int    `json:"workers"` // cpu backend only, 0 = NumCPU
	KernelPath string `json:"kernelPath"`
}

type LogSettings struct {
	Level string `json:"level"`
}

// Default returns the settings used when no file is present. The default
// window is 264 cells a side: 24-wide chunks, radius 5.
func Default() Settings {
	return Settings{
		Simulation: SimulationSettings{
			ChunkWidth:  24,
			ChunkRadius: 5,
			Ticks:       3,
			MaxInFlight: 8,
			Seed:        1,
		},
		Server: ServerSettings{
			Port:             8080,
			UpdateIntervalMs: 100,
			TicksPerUpdate:   1,
		},
		GPU: GPUSettings{
			Backend: "cpu",
		},
		Log: LogSettings{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Settings, error) {
	settings := Default()
	if path == "" {
		return settings, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no settings file found, using defaults", "path", path)
			return settings, nil
		}
		return settings, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&settings); err != nil {
		return settings, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// WindowWidth is the side of the tile window in cells
func (s Settings) WindowWidth() int {
	return s.Simulation.ChunkWidth * (2*s.Simulation.ChunkRadius + 1)
}

func (s Settings) Validate() error {
	var errs []error
	sim := s.Simulation
	if sim.ChunkWidth < 1 {
		errs = append(errs, fmt.Errorf("simulation.chunkWidth must be positive, got %d", sim.ChunkWidth))
	}
	if sim.ChunkRadius < 0 {
		errs = append(errs, fmt.Errorf("simulation.chunkRadius must not be negative, got %d", sim.ChunkRadius))
	}
	if sim.Ticks < 0 {
		errs = append(errs, fmt.Errorf("simulation.ticks must not be negative, got %d", sim.Ticks))
	}
	if sim.MaxInFlight < 0 || sim.SyncEvery < 0 {
		errs = append(errs, errors.New("simulation.maxInFlight and syncEvery must not be negative"))
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Server.UpdateIntervalMs < 1 || s.Server.TicksPerUpdate < 0 {
		errs = append(errs, errors.New("server.updateIntervalMs must be positive and ticksPerUpdate not negative"))
	}
	switch strings.ToLower(s.GPU.Backend) {
	case "cpu", "gl":
	default:
		errs = append(errs, fmt.Errorf("gpu.backend %q is not cpu or gl", s.GPU.Backend))
	}
	if s.GPU.Workers < 0 {
		errs = append(errs, fmt.Errorf("gpu.workers must not be negative, got %d", s.GPU.Workers))
	}
	if _, err := ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the text logger binaries install as the default
func (s Settings) Logger() *slog.Logger {
	level, _ := ParseLevel(s.Log.Level)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// BindFlags registers command line overrides for s on fs. Call after Load
// so flag defaults show the file's values.
func (s *Settings) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&s.Simulation.ChunkWidth, "chunk-width", s.Simulation.ChunkWidth, "Cells per chunk side")
	fs.IntVar(&s.Simulation.ChunkRadius, "chunk-radius", s.Simulation.ChunkRadius, "Chunks around the centre chunk")
	fs.IntVar(&s.Simulation.Ticks, "ticks", s.Simulation.Ticks, "Number of ticks to run")
	fs.IntVar(&s.Simulation.MaxInFlight, "max-in-flight", s.Simulation.MaxInFlight, "Ticks queued on the device at once")
	fs.IntVar(&s.Simulation.SyncEvery, "sync-every", s.Simulation.SyncEvery, "Download the window every N ticks (0 = at the end)")
	fs.Uint64Var(&s.Simulation.Seed, "seed", s.Simulation.Seed, "Seed for the initial perturbation (0 = empty window)")
	fs.IntVar(&s.Server.Port, "port", s.Server.Port, "HTTP port")
	fs.IntVar(&s.Server.UpdateIntervalMs, "update-interval", s.Server.UpdateIntervalMs, "Milliseconds between broadcast frames")
	fs.IntVar(&s.Server.TicksPerUpdate, "ticks-per-update", s.Server.TicksPerUpdate, "Ticks between broadcast frames")
	fs.StringVar(&s.GPU.Backend, "backend", s.GPU.Backend, "Compute backend (cpu, gl)")
	fs.IntVar(&s.GPU.Workers, "workers", s.GPU.Workers, "CPU backend workers (0 = one per CPU)")
	fs.StringVar(&s.GPU.KernelPath, "kernel", s.GPU.KernelPath, "GLSL tick kernel to load instead of the built-in one")
	fs.StringVar(&s.Log.Level, "log-level", s.Log.Level, "Log level (debug, info, warn, error)")
}

// FromArgs loads the file named by -config (default "settings.json") and
// applies the remaining flags on top of it.
func FromArgs(name string, args []string) (Settings, error) {
	scratch := Default()
	first := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := first.String("config", "settings.json", "Settings file")
	scratch.BindFlags(first)
	if err := first.Parse(args); err != nil {
		return scratch, err
	}

	settings, err := Load(*configPath)
	if err != nil {
		return settings, err
	}
	second := flag.NewFlagSet(name, flag.ContinueOnError)
	second.SetOutput(io.Discard)
	second.String("config", *configPath, "Settings file")
	settings.BindFlags(second)
	if err := second.Parse(args); err != nil {
		return settings, err
	}
	return settings, settings.Validate()
}
