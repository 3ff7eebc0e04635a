// Package xformdb records which images share a coordinate space and which
// transformations connect spaces, so that a registration result can be
// looked up for any pair of images.
package xformdb

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"warpreg/pkg/archive"
	"warpreg/pkg/xform"
)

var (
	ErrNotInitialized = errors.New("store is not initialized")
	ErrUnknownImage   = errors.New("image is not in the database")
)

// XformRecord is a stored transformation from one space to another.
type XformRecord struct {
	ID         string
	Label      string
	FromSpace  string
	ToSpace    string
	Invertible bool
	// Payload is the archive encoding of the transformation.
	Payload []byte
}

// Xform decodes the stored transformation.
func (r XformRecord) Xform() (xform.Xform, error) {
	return archive.Decode(r.Payload)
}

// Match is one way of getting from a reference image to a floating image:
// a stored transformation applied forward or inverted, or the identity
// when both images share a space.
type Match struct {
	Record   XformRecord
	Inverse  bool
	Identity bool
}

// Store persists images, spaces and transformations.
type Store interface {
	Init(ctx context.Context) error
	// AddImage puts path into space; an empty space creates a new one.
	// The space of the image is returned.
	AddImage(ctx context.Context, path, space string) (string, error)
	ImageSpace(ctx context.Context, path string) (string, bool, error)
	// AddXform stores rec, assigning an ID when it has none.
	AddXform(ctx context.Context, rec XformRecord) (string, error)
	GetXform(ctx context.Context, id string) (XformRecord, bool, error)
	// FindXforms lists the transformations leading from the space of
	// refPath to the space of fltPath.
	FindXforms(ctx context.Context, refPath, fltPath string) ([]Match, error)
}

// AddTransformation registers both images and stores x as the
// transformation from the space of refPath to the space of fltPath.
func AddTransformation(ctx context.Context, s Store, refPath, fltPath, label string, x xform.Xform) (string, error) {
	payload, err := archive.Encode(x)
	if err != nil {
		return "", err
	}
	from, err := ensureImage(ctx, s, refPath)
	if err != nil {
		return "", err
	}
	to, err := ensureImage(ctx, s, fltPath)
	if err != nil {
		return "", err
	}
	_, invertible := x.(*xform.Affine)
	return s.AddXform(ctx, XformRecord{
		Label:      label,
		FromSpace:  from,
		ToSpace:    to,
		Invertible: invertible,
		Payload:    payload,
	})
}

func ensureImage(ctx context.Context, s Store, path string) (string, error) {
	space, ok, err := s.ImageSpace(ctx, path)
	if err != nil {
		return "", err
	}
	if ok {
		return space, nil
	}
	return s.AddImage(ctx, path, "")
}

func newID() string {
	return uuid.NewString()
}

// matchXforms selects the records connecting from to to, direct matches
// first.
func matchXforms(records []XformRecord, from, to string) []Match {
	if from == to {
		return []Match{{Identity: true}}
	}
	var direct, inverse []Match
	for _, rec := range records {
		switch {
		case rec.FromSpace == from && rec.ToSpace == to:
			direct = append(direct, Match{Record: rec})
		case rec.Invertible && rec.FromSpace == to && rec.ToSpace == from:
			inverse = append(inverse, Match{Record: rec, Inverse: true})
		}
	}
	return append(direct, inverse...)
}
