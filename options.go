package parley

import "github.com/ripkitten-co/parley/internal/codecs"

type Option func(*storeConfig)

type storeConfig struct {
	codec    codecs.Codec
	maxConns int32
}

func defaultConfig() *storeConfig {
	return &storeConfig{
		codec: codecs.NewJSONIter(),
	}
}

func WithCodec(c codecs.Codec) Option {
	return func(cfg *storeConfig) {
		cfg.codec = c
	}
}

// WithMaxConns caps the pool size. Zero keeps the pgxpool default.
func WithMaxConns(n int32) Option {
	return func(cfg *storeConfig) {
		cfg.maxConns = n
	}
}
