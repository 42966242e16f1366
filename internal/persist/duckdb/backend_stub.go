//go:build !cgo

package duckdb

import (
	"context"
	"errors"

	"venator/internal/persist"
	"venator/internal/store"
)

var errUnavailable = errors.New("duckdb backend unavailable: rebuild with CGO_ENABLED=1")

type Backend struct{}

func New(_ string) (*Backend, error) {
	return nil, errUnavailable
}

func (b *Backend) ApplyBatch(context.Context, []store.Mutation) error { return errUnavailable }
func (b *Backend) Replay(context.Context, persist.Sink) error         { return errUnavailable }
func (b *Backend) Close() error                                       { return nil }
