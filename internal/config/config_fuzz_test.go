package config

import (
	"math"
	"strings"
	"testing"
	"time"
)

func FuzzLoadTraceSampleRatio(f *testing.F) {
	for _, seed := range []string{"", "0", "1", "0.25", " 0.5 ", "1.0001", "-0", "NaN", "1e-3", "half"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, ratio string) {
		if strings.ContainsRune(ratio, '\x00') {
			t.Skip()
		}
		setEnv(t, map[string]string{"TRACE_SAMPLE_RATIO": ratio})

		cfg, err := Load()
		if err != nil {
			return
		}
		if math.IsNaN(cfg.TraceSampleRatio) || cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
			t.Fatalf("Load() accepted TRACE_SAMPLE_RATIO=%q as %v", ratio, cfg.TraceSampleRatio)
		}
		if strings.TrimSpace(ratio) == "" && cfg.TraceSampleRatio != defaultTraceSampleRatio {
			t.Fatalf("TraceSampleRatio = %v for empty value, want default", cfg.TraceSampleRatio)
		}
	})
}

func FuzzLoadRefreshInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, refreshInterval string) {
		if strings.ContainsRune(refreshInterval, '\x00') {
			t.Skip()
		}

		setEnv(t, map[string]string{"DATAFILE_REFRESH_INTERVAL": refreshInterval})

		cfg, err := Load()
		trimmed := strings.TrimSpace(refreshInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty DATAFILE_REFRESH_INTERVAL", err)
			}
			if cfg.DatafileRefreshInterval != defaultRefreshInterval {
				t.Fatalf("DatafileRefreshInterval = %s, want %s", cfg.DatafileRefreshInterval, defaultRefreshInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for DATAFILE_REFRESH_INTERVAL=%q", refreshInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for DATAFILE_REFRESH_INTERVAL=%q", err, refreshInterval)
		}
		if cfg.DatafileRefreshInterval != parsed {
			t.Fatalf("DatafileRefreshInterval = %s, want %s", cfg.DatafileRefreshInterval, parsed)
		}
	})
}

func FuzzParseAPIKeys(f *testing.F) {
	f.Add("")
	f.Add("web:hash")
	f.Add("a:b,c:d")
	f.Add("a.b:c")
	f.Add(",,:")

	f.Fuzz(func(t *testing.T, value string) {
		keys, err := ParseAPIKeys(value)
		if err != nil {
			return
		}
		for id, hash := range keys {
			if id == "" || hash == "" || strings.Contains(id, ".") {
				t.Fatalf("ParseAPIKeys(%q) accepted %q:%q", value, id, hash)
			}
		}
	})
}
