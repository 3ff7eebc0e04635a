package registration

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/golang/geo/r3"

	"warpreg/pkg/optimizer"
)

func TestLoggingCallbackRecordsHistory(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	history := &History{}
	cb := NewLoggingCallback(logger, history)

	cb.Comment("Setting number of DOFs to 6.")
	history.SetLevel(2)
	if got := cb.Execute([]float64{1, 2}, -3.5, 40); got != optimizer.CallbackOK {
		t.Errorf("Expected ok, got %v", got)
	}

	entries := history.Entries()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != 2 || entries[0].Metric != -3.5 || entries[0].Percent != 40 {
		t.Errorf("Unexpected entry %+v", entries[0])
	}
	if !strings.Contains(buf.String(), "Setting number of DOFs") {
		t.Errorf("Expected comment in log output, got %q", buf.String())
	}
}

func TestContextCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cb := contextCallback{ctx: ctx, inner: optimizer.NopCallback{}}
	if got := cb.ExecutePercent(10); got != optimizer.CallbackOK {
		t.Errorf("Expected ok before cancel, got %v", got)
	}
	cancel()
	if got := cb.Execute(nil, 0, 10); got != optimizer.CallbackInterrupted {
		t.Errorf("Expected interrupted after cancel, got %v", got)
	}
}

func TestRegisterFillsHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping registration run in short mode")
	}
	center := r3.Vector{X: 15, Y: 15, Z: 15}
	ref := createBlob(16, 2, center, 5)
	flt := createBlob(16, 2, center.Add(r3.Vector{Y: 3}), 5)

	history := &History{}
	r := NewAffineRegistration(ref, flt, testAffineParams())
	defer r.Close()
	r.SetCallback(NewLoggingCallback(log.New(&bytes.Buffer{}), history))
	if _, err := r.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	entries := history.Entries()
	if len(entries) == 0 {
		t.Fatal("Expected recorded optimizer steps")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Level < entries[i-1].Level {
			t.Errorf("Entry %d went back from level %d to %d", i, entries[i-1].Level, entries[i].Level)
		}
	}
}
