package wordd

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/wordd/internal/pattern"
)

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{WordlistPath: "/usr/share/dict/words"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("Listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("ListenProto = %q, want %q", cfg.ListenProto, DefaultListenProto)
	}
	if cfg.DefaultMode != string(DefaultMode) {
		t.Fatalf("DefaultMode = %q, want %q", cfg.DefaultMode, DefaultMode)
	}
	if cfg.MaxPatternLength != DefaultMaxPatternLength {
		t.Fatalf("MaxPatternLength = %d, want %d", cfg.MaxPatternLength, DefaultMaxPatternLength)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("MaxConnections = %d, want %d", cfg.MaxConnections, DefaultMaxConnections)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("RequestTimeout = %s, want %s", cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout = %s, want %s", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
}

func TestValidateNormalizesMode(t *testing.T) {
	cfg := Config{DefaultMode: "  Exact "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DefaultMode != "exact" {
		t.Fatalf("DefaultMode = %q, want exact", cfg.DefaultMode)
	}
	if cfg.Mode() != pattern.ModeExact {
		t.Fatalf("Mode() = %q, want %q", cfg.Mode(), pattern.ModeExact)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "bad mode",
			cfg:  Config{DefaultMode: "fuzzy"},
			want: "default mode",
		},
		{
			name: "line shorter than pattern",
			cfg:  Config{MaxPatternLength: 4096, MaxLineBytes: 1024},
			want: "max line bytes",
		},
		{
			name: "negative connections",
			cfg:  Config{MaxConnections: -1},
			want: "max connections",
		},
		{
			name: "negative timeout",
			cfg:  Config{RequestTimeout: -time.Second},
			want: "request timeout",
		},
		{
			name: "profiling without metrics listener",
			cfg:  Config{EnableProfilingMetrics: true},
			want: "metrics-listen",
		},
		{
			name: "negative probe timeout",
			cfg:  Config{GuardEnabled: true, GuardProbeTimeout: -time.Second},
			want: "probe timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestGuardDefaultsOnlyWhenEnabled(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.GuardFailureThreshold != 0 {
		t.Fatalf("GuardFailureThreshold = %d, want 0 when guard disabled", cfg.GuardFailureThreshold)
	}

	cfg = Config{GuardEnabled: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.GuardFailureThreshold != DefaultGuardFailureThreshold {
		t.Fatalf("GuardFailureThreshold = %d, want %d", cfg.GuardFailureThreshold, DefaultGuardFailureThreshold)
	}
	if cfg.GuardBlockDuration != DefaultGuardBlockDuration {
		t.Fatalf("GuardBlockDuration = %s, want %s", cfg.GuardBlockDuration, DefaultGuardBlockDuration)
	}
}
