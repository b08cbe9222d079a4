package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestShutdownNilProviders(t *testing.T) {
	var p *Providers
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil error = %v", err)
	}
}
