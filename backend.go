package parley

import (
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/internal/pg"
	"github.com/ripkitten-co/parley/schema"
)

type backend struct {
	exec   pg.Executor
	codec  codecs.Codec
	schema *schema.Bootstrap
}

// Backend is implemented by Store and Session. Persistence adapters take a
// Backend so the same code runs inside or outside a transaction.
type Backend interface {
	DBExecutor() pg.Executor
	JSONCodec() codecs.Codec
	SchemaBootstrap() *schema.Bootstrap
}
