package xformdb

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/geo/r3"

	"warpreg/pkg/xform"
)

// exerciseStore runs the behaviour shared by all backends against an
// initialized store.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	a := xform.NewAffine()
	a.SetTranslation(r3.Vector{X: 5})
	id, err := AddTransformation(ctx, store, "ref.img", "flt.img", "affine", a)
	if err != nil {
		t.Fatalf("add transformation: %v", err)
	}

	rec, ok, err := store.GetXform(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get xform: ok=%v err=%v", ok, err)
	}
	if !rec.Invertible || rec.Label != "affine" {
		t.Errorf("unexpected record %+v", rec)
	}
	x, err := rec.Xform()
	if err != nil {
		t.Fatalf("decode xform: %v", err)
	}
	if got := x.Apply(r3.Vector{}); got.X != 5 {
		t.Errorf("expected translated origin at x=5, got %v", got)
	}

	matches, err := store.FindXforms(ctx, "ref.img", "flt.img")
	if err != nil {
		t.Fatalf("find forward: %v", err)
	}
	if len(matches) != 1 || matches[0].Inverse || matches[0].Record.ID != id {
		t.Errorf("expected one direct match, got %+v", matches)
	}

	matches, err = store.FindXforms(ctx, "flt.img", "ref.img")
	if err != nil {
		t.Fatalf("find backward: %v", err)
	}
	if len(matches) != 1 || !matches[0].Inverse {
		t.Errorf("expected one inverse match, got %+v", matches)
	}

	w, err := xform.NewSplineWarp(r3.Vector{X: 20, Y: 20, Z: 20}, 10, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AddTransformation(ctx, store, "flt.img", "other.img", "warp", w); err != nil {
		t.Fatalf("add warp: %v", err)
	}
	matches, err = store.FindXforms(ctx, "other.img", "flt.img")
	if err != nil {
		t.Fatalf("find warp backward: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no match through a non-invertible warp, got %+v", matches)
	}

	space, ok, err := store.ImageSpace(ctx, "ref.img")
	if err != nil || !ok {
		t.Fatalf("image space: ok=%v err=%v", ok, err)
	}
	if _, err := store.AddImage(ctx, "ref_resliced.img", space); err != nil {
		t.Fatalf("add image: %v", err)
	}
	matches, err = store.FindXforms(ctx, "ref.img", "ref_resliced.img")
	if err != nil {
		t.Fatalf("find same space: %v", err)
	}
	if len(matches) != 1 || !matches[0].Identity {
		t.Errorf("expected identity match, got %+v", matches)
	}

	if _, err := store.FindXforms(ctx, "ref.img", "missing.img"); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("expected ErrUnknownImage, got %v", err)
	}
}
