package source

import (
	"errors"
	"testing"
)

func TestMatPoolLimit(t *testing.T) {
	p := NewMatPool(2)
	defer p.Close()

	a, err := p.NewImage()
	if err != nil {
		t.Fatalf("first NewImage: %v", err)
	}
	b, err := p.NewImage()
	if err != nil {
		t.Fatalf("second NewImage: %v", err)
	}
	if _, err := p.NewMat(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("NewMat over the limit = %v, want ErrPoolExhausted", err)
	}

	a.Release()
	c, err := p.NewImage()
	if err != nil {
		t.Fatalf("NewImage after release: %v", err)
	}
	b.Release()
	c.Release()
}

func TestMatPoolCloseWithOutstanding(t *testing.T) {
	p := NewMatPool(4)
	img, err := p.NewImage()
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	p.Close()
	if _, err := p.NewMat(); err == nil {
		t.Errorf("NewMat after Close succeeded")
	}
	// Returning a Mat after Close frees it and lets the pool goroutine exit.
	img.Release()
	<-p.done
	p.Close()
}

func TestImageCloneOwnsMat(t *testing.T) {
	p := NewMatPool(1)
	defer p.Close()
	img, err := p.NewImage()
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	c := img.Clone()
	if c.pool != nil {
		t.Errorf("clone should not return to the pool")
	}
	if c.Time != img.Time {
		t.Errorf("clone time = %v, want %v", c.Time, img.Time)
	}
	c.Release()
	img.Release()
}
