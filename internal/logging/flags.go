package logging

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds the logging-related command-line flags for cmd/rtspd.
type Flags struct {
	Level   string
	Format  string
	File    string
	Reactor bool
	RTSP    bool
	RTP     bool
	Media   bool
	All     bool
}

// RegisterFlags registers logging flags on fs, mirroring the teacher's
// logger.RegisterFlags.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.Level, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "log output file path (default stdout)")

	fs.BoolVar(&f.Reactor, "debug-reactor", false, "debug the reactor/task scheduler")
	fs.BoolVar(&f.RTSP, "debug-rtsp", false, "debug RTSP protocol handling")
	fs.BoolVar(&f.RTP, "debug-rtp", false, "debug RTP packetization and transport")
	fs.BoolVar(&f.Media, "debug-media", false, "debug media session fan-out")
	fs.BoolVar(&f.All, "debug-all", false, "enable every debug category")

	return f
}

// ToConfig converts Flags into a logging Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.File

	switch {
	case f.All:
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	default:
		if f.Reactor {
			cfg.EnableCategory(CategoryReactor)
			cfg.Level = LevelDebug
		}
		if f.RTSP {
			cfg.EnableCategory(CategoryRTSP)
			cfg.Level = LevelDebug
		}
		if f.RTP {
			cfg.EnableCategory(CategoryRTP)
			cfg.Level = LevelDebug
		}
		if f.Media {
			cfg.EnableCategory(CategoryMedia)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String summarizes the flag selection for a one-line startup log entry.
func (f *Flags) String() string {
	parts := []string{fmt.Sprintf("level=%s", f.Level), fmt.Sprintf("format=%s", f.Format)}
	if f.File != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.File))
	} else {
		parts = append(parts, "output=stdout")
	}

	var cats []string
	switch {
	case f.All:
		cats = append(cats, "all")
	default:
		if f.Reactor {
			cats = append(cats, "reactor")
		}
		if f.RTSP {
			cats = append(cats, "rtsp")
		}
		if f.RTP {
			cats = append(cats, "rtp")
		}
		if f.Media {
			cats = append(cats, "media")
		}
	}
	if len(cats) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(cats, ",")))
	}
	return strings.Join(parts, " ")
}
