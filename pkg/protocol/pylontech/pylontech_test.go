// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pylontech

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

const goodLine = "1    50548  8910 25000 24200 25000  3368 3371  Charge  Normal  Normal  Normal  87%     2021-06-30 20:49:45 Normal Normal  22700    Normal"

var testNow = time.Unix(1700000000, 0)

// ============================================================
// Parser Tests
// ============================================================

func TestParseLine_Complete(t *testing.T) {
	l, err := ParseLine(goodLine)
	if err != nil {
		t.Fatal(err)
	}
	want := Line{
		Battery: 1, Voltage: 50548, Current: 8910, Temperature: 25000,
		TemperatureLow: 24200, TemperatureHigh: 25000, VoltageLow: 3368, VoltageHigh: 3371,
		BaseState: "Charge", VoltageState: "Normal", CurrentState: "Normal", TemperatureState: "Normal",
		Coulomb: 87, MosTemperature: 22700,
	}
	if l != want {
		t.Errorf("got %+v\nwant %+v", l, want)
	}
}

func TestParseLine_Rejects(t *testing.T) {
	tests := []struct {
		name string
		line string
		err  error
	}{
		{"header", "Power Volt  Curr Tempr Tlow  Thigh  Vlow Vhigh Base.St Volt.St", ErrNotBatteryLine},
		{"prompt", "pylon>", ErrNotBatteryLine},
		{"empty", "", ErrNotBatteryLine},
		{"absent battery", "0 - - - - - - - Absent", ErrNotBatteryLine},
		{"missing mos", "2 50548 8910 25000 24200 25000 3368 3371 Charge Normal Normal Normal 87% 2021-06-30 20:49:45 Normal Normal", ErrShortLine},
		{"missing coulomb", "2 50548 8910 25000 24200 25000 3368 3371 Charge Normal Normal Normal", ErrShortLine},
		{"bad number", "2 50548 x 25000 24200 25000 3368 3371 Charge Normal Normal Normal 87% 2021-06-30 20:49:45 Normal Normal 22700 Normal", ErrShortLine},
		{"no percent", "2 50548 8910 25000 24200 25000 3368 3371 Charge Normal Normal Normal 87 2021-06-30 20:49:45 Normal Normal 22700 Normal", ErrShortLine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLine(tt.line); !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestParseLine_NoMosTemperature(t *testing.T) {
	line := "3 50548 8910 25000 24200 25000 3368 3371 Charge Normal Normal Normal 87% 2021-06-30 20:49:45 Normal Normal - Normal"
	l, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if l.MosTemperature != NoMosTemperature {
		t.Errorf("MosTemperature = %d", l.MosTemperature)
	}
}

func TestParseLine_StateWidth(t *testing.T) {
	line := "1 50548 8910 25000 24200 25000 3368 3371 Discharging Normal Normal Normal 87% 2021-06-30 20:49:45 Normal Normal 22700 Normal"
	l, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if l.BaseState != "Dischar" {
		t.Errorf("BaseState = %q", l.BaseState)
	}
}

// ============================================================
// Monitor Tests
// ============================================================

func TestMonitor_ShortLineDropped(t *testing.T) {
	m := NewMonitor(nil, zap.NewNop())
	var sink stream.Collector
	short := "2 50548 8910 25000 24200 25000 3368 3371 Charge Normal Normal Normal 87% 2021-06-30 20:49:45 Normal Normal"
	if _, err := m.Process(short, &sink); !errors.Is(err, ErrShortLine) {
		t.Fatalf("err = %v", err)
	}
	if sink.Len() != 0 {
		t.Errorf("published %d readings from a short line", sink.Len())
	}
	if m.BadLines() != 1 {
		t.Errorf("BadLines = %d", m.BadLines())
	}

	if _, err := m.Process(goodLine, &sink); err != nil {
		t.Fatal(err)
	}
	if sink.Len() != 13 {
		t.Errorf("published %d readings, want 13", sink.Len())
	}
	if m.BadLines() != 0 {
		t.Error("good line should clear the bad line counter")
	}
	r, ok := sink.Last("battery1.voltage")
	if !ok || r.Value != 50.548 {
		t.Errorf("voltage = %v", r)
	}
	if r, _ := sink.Last("battery1.base_state"); r.Text != "Charge" {
		t.Errorf("base_state = %v", r)
	}
}

func TestMonitor_BatteryFilter(t *testing.T) {
	m := NewMonitor([]int{2}, zap.NewNop())
	var sink stream.Collector
	if _, err := m.Process(goodLine, &sink); err != nil {
		t.Fatal(err)
	}
	if sink.Len() != 0 {
		t.Error("battery 1 should be filtered out")
	}
}

func TestMonitor_FromByteStream(t *testing.T) {
	q := stream.NewQueue()
	m := NewMonitor(nil, zap.NewNop())
	var sink stream.Collector
	p := stream.NewPoller[stream.Line](q, stream.NewLineDecoder(MaxLineLength), stream.PollerConfig[stream.Line]{
		OnFrame: func(l *stream.Line) { _, _ = m.Process(string(*l), &sink) },
	})

	_, _ = q.Write([]byte("pwr\r\n@\r\nPower Volt Curr\r\n"))
	_, _ = q.Write([]byte(goodLine[:40]))
	p.Poll(testNow)
	_, _ = q.Write([]byte(goodLine[40:] + "\r\n"))
	p.Poll(testNow)

	if sink.Len() != 13 {
		t.Errorf("published %d readings, want 13", sink.Len())
	}
}

func TestFuzzParseLine_RandomText(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	alphabet := []byte("0123456789 -:%abcN\t")
	for round := 0; round < fuzzutil.Rounds(); round++ {
		buf := make([]byte, rng.Intn(160))
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		l, err := ParseLine(string(buf))
		if err == nil && l.Battery <= 0 {
			t.Fatalf("accepted battery %d from %q", l.Battery, buf)
		}
	}
}
