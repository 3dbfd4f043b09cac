package engine

import "time"

const defaultPersistTimeout = 5 * time.Second

// Config tunes orchestrator behavior. The zero value is usable.
type Config struct {
	// PersistTimeout bounds the conversation write performed after a run
	// ends. The write is detached from the request context so a client
	// disconnect mid-stream cannot abort it.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

func (c Config) persistTimeout() time.Duration {
	if c.PersistTimeout > 0 {
		return c.PersistTimeout
	}
	return defaultPersistTimeout
}
