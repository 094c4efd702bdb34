package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file is zero config", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Backend != "" || cfg.Tuning != nil || cfg.Workers != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		doc := strings.Join([]string{
			"backend: host",
			"data_type: float16",
			"workers: 3",
			"out_of_range_check: true",
			"kernel_time_limit: 5ms",
			"tuning: false",
			"tuning_file: /tmp/tuning.json",
			"server_address: 0.0.0.0:9000",
		}, "\n")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Backend != "host" || cfg.DataType != "float16" {
			t.Fatalf("unexpected backend/data type: %+v", cfg)
		}
		if cfg.Workers == nil || *cfg.Workers != 3 {
			t.Fatalf("unexpected workers: %v", cfg.Workers)
		}
		if cfg.OutOfRangeCheck == nil || !*cfg.OutOfRangeCheck {
			t.Fatalf("expected out_of_range_check to be set")
		}
		if cfg.KernelTimeLimit == nil || *cfg.KernelTimeLimit != 5*time.Millisecond {
			t.Fatalf("unexpected kernel_time_limit: %v", cfg.KernelTimeLimit)
		}
		if cfg.Tuning == nil || *cfg.Tuning {
			t.Fatalf("expected tuning to be explicitly false")
		}
		if cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected server address %q", cfg.ServerAddress)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("backend: [host\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected a parse error")
		}
	})
}

func TestConfigPathEnvOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv(envConfig, want)
	if got := configPath(); got != want {
		t.Fatalf("configPath() = %q, want %q", got, want)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Run("tuning overrides file", func(t *testing.T) {
		t.Setenv(envTuning, "true")
		t.Setenv(envTuningFile, "/var/lib/kdispatch/tuning.json")
		off := false
		cfg := Config{Tuning: &off, TuningFile: "other.json"}
		if err := applyEnv(&cfg); err != nil {
			t.Fatalf("applyEnv returned error: %v", err)
		}
		if cfg.Tuning == nil || !*cfg.Tuning {
			t.Fatalf("expected tuning enabled by env")
		}
		if cfg.TuningFile != "/var/lib/kdispatch/tuning.json" {
			t.Fatalf("unexpected tuning file %q", cfg.TuningFile)
		}
	})

	t.Run("invalid bool", func(t *testing.T) {
		t.Setenv(envTuning, "sometimes")
		var cfg Config
		if err := applyEnv(&cfg); err == nil {
			t.Fatalf("expected an error for %s=sometimes", envTuning)
		}
	})
}

func TestParseDataType(t *testing.T) {
	for _, in := range []string{"", "float32", "F32", "half", "float16"} {
		if _, err := parseDataType(in); err != nil {
			t.Fatalf("parseDataType(%q) returned error: %v", in, err)
		}
	}
	if _, err := parseDataType("int8"); err == nil {
		t.Fatalf("expected an error for int8")
	}
}

func TestParseShapeList(t *testing.T) {
	shapes, err := parseShapeList("1,4,4,8; 1,8,8,4;")
	if err != nil {
		t.Fatalf("parseShapeList returned error: %v", err)
	}
	want := []layout.Shape{layout.NewShape(1, 4, 4, 8), layout.NewShape(1, 8, 8, 4)}
	if len(shapes) != len(want) {
		t.Fatalf("got %d shapes, want %d", len(shapes), len(want))
	}
	for i := range want {
		if shapes[i] != want[i] {
			t.Fatalf("shape %d = %v, want %v", i, shapes[i], want[i])
		}
	}
	if _, err := parseShapeList(" ; "); err == nil {
		t.Fatalf("expected an error for an empty list")
	}
}

func TestWriteTuningTable(t *testing.T) {
	var buf bytes.Buffer
	store := tuning.NewMemoryStore()
	writeTuningTable(&buf, store)
	if !strings.Contains(buf.String(), "no tuning results") {
		t.Fatalf("unexpected output for empty store: %q", buf.String())
	}

	buf.Reset()
	store.Record("b_sig", tuning.Params{Local: [3]uint32{4, 4, 1}})
	store.Record("a_sig", tuning.Params{Local: [3]uint32{8, 8, 1}, BlockZ: 2})
	writeTuningTable(&buf, store)
	out := buf.String()
	if strings.Index(out, "a_sig") > strings.Index(out, "b_sig") {
		t.Fatalf("expected sorted signatures, got:\n%s", out)
	}
}

func TestPrintTensor(t *testing.T) {
	var buf bytes.Buffer
	printTensor(&buf, layout.NewShape(1, 1, 2, 2), []float32{0, 1, 2, 3})
	want := "[0,0,0] [0 1]\n[0,0,1] [2 3]\n"
	if buf.String() != want {
		t.Fatalf("printTensor output = %q, want %q", buf.String(), want)
	}
}
