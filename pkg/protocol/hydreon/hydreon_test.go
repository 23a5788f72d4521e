// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hydreon

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

const (
	rg15Boot = "PwrDays 0 PwrHours 0 PwrMinutes 0 PwrSeconds 3 RevCount 1 DIPs 0"
	rg15Data = "Acc  0.01 mm, EventAcc  0.25 mm, TotalAcc  3.50 mm, RInt  1.20 mmph"
)

func newBooted(t *testing.T, cfg Config) (*Monitor, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cfg.Logger = zap.NewNop()
	m := NewMonitor(&out, cfg)
	if kind, err := m.ProcessLine(rg15Boot, nil); err != nil || kind != LineBoot {
		t.Fatalf("boot line: kind=%v err=%v", kind, err)
	}
	out.Reset()
	return m, &out
}

// ============================================================
// Boot and Configuration Tests
// ============================================================

func TestMonitor_RebootsUntilBanner(t *testing.T) {
	var out bytes.Buffer
	m := NewMonitor(&out, Config{Model: RG15, Logger: zap.NewNop()})
	for i := 0; i < 3; i++ {
		if err := m.Update(nil); !errors.Is(err, ErrNotBooted) {
			t.Fatalf("Update() = %v, want ErrNotBooted", err)
		}
	}
	if out.String() != "K\nK\nK\n" {
		t.Errorf("commands = %q", out.String())
	}
	if m.Booted() {
		t.Error("should not be booted")
	}
}

func TestMonitor_BootConfiguresModel(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"rg15 low res", Config{Model: RG15}, "P\nL\nM\n"},
		{"rg15 high res", Config{Model: RG15, HighResolution: true}, "P\nH\nM\n"},
		{"rg9 led on", Config{Model: RG9}, "P\nD 0\n"},
		{"rg9 led off", Config{Model: RG9, DisableLED: true}, "P\nD 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			tt.cfg.Logger = zap.NewNop()
			m := NewMonitor(&out, tt.cfg)
			if _, err := m.ProcessLine(rg15Boot+"\r\n", nil); err != nil {
				t.Fatal(err)
			}
			if out.String() != tt.want {
				t.Errorf("commands = %q, want %q", out.String(), tt.want)
			}
			if !m.Booted() {
				t.Error("expected booted")
			}
		})
	}
}

// ============================================================
// Line Classification Tests
// ============================================================

func TestMonitor_LineKinds(t *testing.T) {
	m, _ := newBooted(t, Config{Model: RG15})
	tests := []struct {
		line string
		want LineKind
	}{
		{"", LineEmpty},
		{"\r\n", LineEmpty},
		{"p", LineAck},
		{";Comment from sensor", LineComment},
		{"Emitters 4", LineIgnored},
		{"Reset P", LineIgnored},
		{"garbage text", LineIgnored},
		{rg15Data, LineData},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := m.ProcessLine(tt.line, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// Value Tests
// ============================================================

func TestMonitor_RG15Values(t *testing.T) {
	m, _ := newBooted(t, Config{Model: RG15})
	var sink stream.Collector
	if _, err := m.ProcessLine(rg15Data, &sink); err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{"acc": 0.01, "event_acc": 0.25, "total_acc": 3.5, "r_int": 1.2}
	if sink.Len() != len(want) {
		t.Fatalf("published %d readings, want %d", sink.Len(), len(want))
	}
	for q, v := range want {
		r, ok := sink.Last(q)
		if !ok || r.Value != v {
			t.Errorf("%s = %v, want %v", q, r, v)
		}
	}
}

func TestMonitor_RG9Value(t *testing.T) {
	m, _ := newBooted(t, Config{Model: RG9})
	var sink stream.Collector
	if _, err := m.ProcessLine("R 3", &sink); err != nil {
		t.Fatal(err)
	}
	if r, ok := sink.Last("moisture"); !ok || r.Value != 3 {
		t.Errorf("moisture = %v", r)
	}
}

func TestMonitor_LensBad(t *testing.T) {
	m, _ := newBooted(t, Config{Model: RG9})
	var sink stream.Collector
	if _, err := m.ProcessLine("R 0 LensBad", &sink); err != nil {
		t.Fatal(err)
	}
	if r, ok := sink.Last("lens_bad"); !ok || !r.Flag {
		t.Errorf("lens_bad = %v", r)
	}
}

// ============================================================
// Polling Tests
// ============================================================

func TestMonitor_MissingValuesPublishNaN(t *testing.T) {
	m, out := newBooted(t, Config{Model: RG15})
	var sink stream.Collector

	if err := m.Update(&sink); err != nil {
		t.Fatal(err)
	}
	if out.String() != CmdPoll {
		t.Errorf("first update sent %q", out.String())
	}
	if sink.Len() != 0 {
		t.Error("first update has nothing to report missing")
	}

	if _, err := m.ProcessLine("Acc 0.01 mm, EventAcc 0.25 mm", &sink); err != nil {
		t.Fatal(err)
	}
	sink.Reset()
	if err := m.Update(&sink); err != nil {
		t.Fatal(err)
	}
	if sink.Len() != 2 {
		t.Fatalf("published %d NaN readings, want 2", sink.Len())
	}
	for _, q := range []string{"total_acc", "r_int"} {
		if r, ok := sink.Last(q); !ok || !math.IsNaN(r.Value) {
			t.Errorf("%s = %v, want NaN", q, r)
		}
	}
	if m.MissedUpdates() != 1 {
		t.Errorf("MissedUpdates = %d", m.MissedUpdates())
	}

	if _, err := m.ProcessLine(rg15Data, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(nil); err != nil {
		t.Fatal(err)
	}
	if m.MissedUpdates() != 0 {
		t.Error("complete response should clear the missed counter")
	}
}

func TestMonitor_RebootAfterSilence(t *testing.T) {
	m, out := newBooted(t, Config{Model: RG15})
	var err error
	updates := 0
	for updates < 100 {
		updates++
		if err = m.Update(nil); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrRebooting) {
		t.Fatalf("err = %v, want ErrRebooting", err)
	}
	// One update arms the request, then MaxMissedUpdates+1 silent cycles.
	if updates != MaxMissedUpdates+2 {
		t.Errorf("rebooted after %d updates, want %d", updates, MaxMissedUpdates+2)
	}
	if !bytes.HasSuffix(out.Bytes(), []byte(CmdReboot)) {
		t.Errorf("last command should be reboot, output %q", out.String())
	}
	if m.Booted() {
		t.Error("reboot should clear the boot state")
	}
}

func TestMonitor_FromByteStream(t *testing.T) {
	m, _ := newBooted(t, Config{Model: RG15})
	q := stream.NewQueue()
	var sink stream.Collector
	p := stream.NewPoller[stream.Line](q, stream.NewLineDecoder(MaxLineLength), stream.PollerConfig[stream.Line]{
		OnFrame: func(l *stream.Line) { _, _ = m.ProcessLine(string(*l), &sink) },
	})
	_, _ = q.Write([]byte("R\r\n" + rg15Data[:20]))
	p.Poll(time.Unix(0, 0))
	_, _ = q.Write([]byte(rg15Data[20:] + "\r\n"))
	p.Poll(time.Unix(0, 0))
	if sink.Len() != 4 {
		t.Errorf("published %d readings, want 4", sink.Len())
	}
}

func TestFuzzMonitor_RandomLines(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	m, _ := newBooted(t, Config{Model: RG15})
	alphabet := []byte("AccEventTotalRInt0123456789., ;mP\r")
	for round := 0; round < fuzzutil.Rounds(); round++ {
		buf := make([]byte, rng.Intn(MaxLineLength))
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		var sink stream.Collector
		if _, err := m.ProcessLine(string(buf), &sink); err != nil {
			t.Fatalf("line %q: %v", buf, err)
		}
		if sink.Len() > 4 {
			t.Fatalf("line %q published %d readings", buf, sink.Len())
		}
	}
}

func TestParseModel(t *testing.T) {
	for _, s := range []string{"rg9", "RG15"} {
		if _, err := ParseModel(s); err != nil {
			t.Errorf("ParseModel(%q) = %v", s, err)
		}
	}
	if _, err := ParseModel("rg11"); err == nil {
		t.Error("expected error")
	}
}
